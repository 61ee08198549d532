package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	KafkaBrokers          []string
	KafkaTopic            string
	BranchID              string
	StoreCallTimeoutMS    int
	ViewCacheTTLSeconds   int
	ReconcileSchedule     string
	Timezone              string
	AuthSecret            string
	AccessTokenTTLMinutes int
	BootstrapAdminUser    string
	BootstrapAdminPass    string
	LogLevel              string
	LogFormat             string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getBool("AUTO_MIGRATE", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "retailops.events"),
		BranchID:              getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		StoreCallTimeoutMS:    getInt("STORE_CALL_TIMEOUT_MS", 5000, 1),
		ViewCacheTTLSeconds:   getInt("VIEW_CACHE_TTL_SECONDS", 15, 1),
		ReconcileSchedule:     getEnv("RECONCILE_SCHEDULE", "0 */5 * * * *"),
		Timezone:              getEnv("TIMEZONE", "UTC"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		BootstrapAdminUser:    getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
		BootstrapAdminPass:    os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) StoreCallTimeout() time.Duration {
	return time.Duration(c.StoreCallTimeoutMS) * time.Millisecond
}

func (c Config) ViewCacheTTL() time.Duration {
	return time.Duration(c.ViewCacheTTLSeconds) * time.Second
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

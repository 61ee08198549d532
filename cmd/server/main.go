package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"retailops/backend/internal/cache"
	"retailops/backend/internal/config"
	"retailops/backend/internal/events"
	"retailops/backend/internal/httpapi"
	"retailops/backend/internal/jobs"
	"retailops/backend/internal/service"
	"retailops/backend/internal/store"
	"retailops/backend/internal/store/memory"
	pgstore "retailops/backend/internal/store/postgres"
)

const redisFeedChannel = "retailops:feed"

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	if err := validateSecurityConfig(cfg); err != nil {
		zlog.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				zlog.Fatal().Err(err).Msg("schema migration failed")
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zlog.Info().Msg("repository: in-memory")
	}

	viewCache := cache.ViewCache(cache.NoopViewCache{})
	var feed events.Feed = events.NewMemoryFeed(64)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisViewCache(client, "")
		if err := redisCache.Ping(ctx); err != nil {
			zlog.Warn().Err(err).Msg("redis unavailable, using noop view cache and in-process feed")
			_ = client.Close()
		} else {
			viewCache = redisCache
			feed = events.NewRedisFeed(client, redisFeedChannel)
			closers = append(closers, client.Close)
			zlog.Info().Msg("view cache and feed: redis")
		}
	}

	publishers := events.MultiPublisher{feed}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publishers = append(publishers, kafka)
		closers = append(closers, kafka.Close)
		zlog.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("event log: kafka")
	}

	svc := service.New(repo, service.Options{
		Publisher:       publishers,
		ViewCache:       viewCache,
		CallTimeout:     cfg.StoreCallTimeout(),
		ViewTTL:         cfg.ViewCacheTTL(),
		Location:        cfg.Location(),
		DefaultBranchID: cfg.BranchID,
	})

	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if cfg.BootstrapAdminPass != "" {
		if err := auth.EnsureAdmin(ctx, cfg.BootstrapAdminUser, cfg.BootstrapAdminPass); err != nil {
			zlog.Fatal().Err(err).Msg("bootstrap admin failed")
		}
	}
	api := httpapi.New(svc, auth, feed, cfg.AllowedOrigin)

	reconcileJob := jobs.NewReturnReconcileJob(svc, cfg.ReconcileSchedule, zlog.Logger)
	if err := reconcileJob.Start(); err != nil {
		zlog.Fatal().Err(err).Str("schedule", cfg.ReconcileSchedule).Msg("invalid reconcile schedule")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", cfg.Address()).Msg("retailops backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	reconcileJob.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Error().Err(err).Msg("close error")
		}
	}

	zlog.Info().Msg("server stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat == "console" {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "retailops").Logger()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapAdminPass != "" && len(cfg.BootstrapAdminPass) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	if cfg.StoreCallTimeout() <= 0 {
		return fmt.Errorf("STORE_CALL_TIMEOUT_MS must be positive")
	}
	return nil
}

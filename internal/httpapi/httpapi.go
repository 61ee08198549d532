package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/service"
	"retailops/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	feed          events.Subscriber
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, feed events.Subscriber, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		feed:          feed,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

const (
	cashierRoles   = domain.RoleCashier
	warehouseRoles = domain.RoleWarehouse
	approverRoles  = domain.RoleApprover
)

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { writeMethodNotAllowed(w) })

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/feed", a.handleFeed)

		r.With(a.requireAuth()).Get("/products", a.handleProducts)

		r.With(a.requireAuth(cashierRoles)).Post("/sales", a.handleRecordSale)
		r.With(a.requireAuth(cashierRoles, warehouseRoles, approverRoles)).Get("/sales/{saleID}", a.handleGetSale)
		r.With(a.requireAuth(cashierRoles)).Post("/sales/{saleID}/returns", a.handleInitiateReturn)
		r.With(a.requireAuth(approverRoles)).Post("/sales/{saleID}/returns/approve", a.handleApproveReturns)
		r.With(a.requireAuth(approverRoles)).Post("/sales/{saleID}/returns/reject", a.handleRejectReturns)
		r.With(a.requireAuth(warehouseRoles)).Post("/sales/{saleID}/start-picking", a.handleStartPicking)
		r.With(a.requireAuth(cashierRoles)).Post("/sales/{saleID}/coupon", a.handleIssueCoupon)
		r.With(a.requireAuth(domain.RoleAdmin)).Post("/sales/{saleID}/coupon/reissue", a.handleReissueCoupon)

		r.With(a.requireAuth(cashierRoles)).Post("/coupons/{couponID}/printed", a.handleMarkPrinted)
		r.With(a.requireAuth(warehouseRoles)).Post("/coupons/receive", a.handleReceiveCoupon)
		r.With(a.requireAuth(warehouseRoles)).Post("/sale-items/{itemID}/picked", a.handleSetPicked)

		r.With(a.requireAuth(cashierRoles, warehouseRoles)).Get("/queues/coupons", a.handleCouponQueues)
		r.With(a.requireAuth(approverRoles)).Get("/queues/returns", a.handleReturnQueue)

		r.With(a.requireAuth(domain.RoleAdmin)).Get("/audit-logs", a.handleAuditLogs)
		r.With(a.requireAuth(domain.RoleAdmin)).Get("/users/staff", a.handleListStaff)
		r.With(a.requireAuth(domain.RoleAdmin)).Post("/users/staff", a.handleCreateStaff)
	})

	return r
}

type actorKey struct{}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorKey{}).(domain.Actor)
	return actor
}

// requireAuth validates the bearer token. Admin passes every role check.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && actor.Role != domain.RoleAdmin && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zlog.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(startedAt)).
			Msg("http request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(r, dest)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrGuard):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrTransport):
		zlog.Warn().Err(err).Msg("store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": service.ErrTransport.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("not found"))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses never carry internal details.
	msg := err.Error()
	if status >= 500 {
		zlog.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

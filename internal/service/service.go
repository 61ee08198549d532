package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"retailops/backend/internal/cache"
	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/store"
	"retailops/backend/internal/views"
	"retailops/backend/internal/xid"
)

const (
	defaultCallTimeout = 5 * time.Second
	defaultViewTTL     = 15 * time.Second
	defaultBranchID    = "main-branch"
)

var tracer = otel.Tracer("retailops/service")

type Options struct {
	Publisher       events.Publisher
	ViewCache       cache.ViewCache
	CallTimeout     time.Duration
	ViewTTL         time.Duration
	Location        *time.Location
	DefaultBranchID string
	Logger          *zerolog.Logger
}

// Service coordinates the coupon gate, picking, the sale lifecycle and
// returns. It holds no locks: every guard is enforced by a conditional write
// or an atomic procedure in the repository.
type Service struct {
	repo            store.Repository
	publisher       events.Publisher
	viewCache       cache.ViewCache
	callTimeout     time.Duration
	viewTTL         time.Duration
	location        *time.Location
	defaultBranchID string
	logger          zerolog.Logger
	now             func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.ViewCache == nil {
		opts.ViewCache = cache.NoopViewCache{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.ViewTTL <= 0 {
		opts.ViewTTL = defaultViewTTL
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = defaultBranchID
	}
	logger := zlog.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Service{
		repo:            repo,
		publisher:       opts.Publisher,
		viewCache:       opts.ViewCache,
		callTimeout:     opts.CallTimeout,
		viewTTL:         opts.ViewTTL,
		location:        opts.Location,
		defaultBranchID: opts.DefaultBranchID,
		logger:          logger.With().Str("component", "service").Logger(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// call runs one repository call under the per-call timeout and classifies
// connectivity failures as ErrTransport.
func call[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	v, err := fn(callCtx)
	if err != nil {
		err = classify(err)
		if isTransport(err) {
			storeUnavailableTotal.WithLabelValues(op).Inc()
		}
		return v, err
	}
	return v, nil
}

func exec(ctx context.Context, s *Service, op string, fn func(context.Context) error) error {
	_, err := call(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// warn records a partial-success condition and returns its message.
func (s *Service) warn(op string, msg string, err error) string {
	warningsTotal.WithLabelValues(op).Inc()
	event := s.logger.Warn().Str("op", op)
	if err != nil {
		event = event.Err(err)
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	event.Msg(msg)
	return msg
}

func (s *Service) logAudit(ctx context.Context, branchID string, actor domain.Actor, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if strings.TrimSpace(actor.Username) == "" {
		actor = systemActor
	}

	err := exec(ctx, s, "audit", func(ctx context.Context) error {
		return s.repo.CreateAuditLog(ctx, domain.AuditLog{
			ID:            xid.New("audit"),
			BranchID:      branchID,
			ActorUsername: actor.Username,
			ActorRole:     actor.Role,
			Action:        action,
			EntityType:    entityType,
			EntityID:      entityID,
			Detail:        detail,
			CreatedAt:     s.now(),
		})
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
	}
}

// emit publishes a change event and drops cached views. Both are best effort.
func (s *Service) emit(ctx context.Context, eventType events.Type, entityType string, entityID string, saleID string, actor domain.Actor, detail string) {
	event := events.Event{
		ID:         xid.New("evt"),
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		SaleID:     saleID,
		Actor:      actor.Username,
		Detail:     detail,
		At:         s.now(),
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Str("entity_id", entityID).Msg("failed to publish change event")
	}
	if err := s.viewCache.Delete(pubCtx, s.viewCacheKeys()...); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate view cache")
	}
}

var systemActor = domain.Actor{Username: "system", Role: domain.RoleSystem}

func requireRole(op string, actor domain.Actor, roles ...string) error {
	if strings.TrimSpace(actor.Username) == "" {
		return guard(op, "actor is required")
	}
	if actor.Role == domain.RoleAdmin || actor.Role == domain.RoleSystem {
		return nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%s: %w: %s", op, ErrForbidden, actor.Role)
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if limit < 1 {
		limit = 100
	}

	from, to := views.DayBounds(s.now(), s.location)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.ParseInLocation("2006-01-02", date, s.location)
		if err != nil {
			return nil, guard("list_audit_logs", "date must be YYYY-MM-DD")
		}
		from, to = parsed, parsed.AddDate(0, 0, 1)
	}

	return call(ctx, s, "list_audit_logs", func(ctx context.Context) ([]domain.AuditLog, error) {
		return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
	})
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return call(ctx, s, "list_products", s.repo.ListProducts)
}

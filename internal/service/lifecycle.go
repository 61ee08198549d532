package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
)

// StartPicking moves a pending sale to picking once its coupon has been
// printed and received.
func (s *Service) StartPicking(ctx context.Context, saleID string, actor domain.Actor) (result domain.TransitionResult, err error) {
	const op = "start_picking"
	ctx, span := startSpan(ctx, op, attribute.String("sale_id", saleID))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleWarehouse); err != nil {
		return domain.TransitionResult{}, err
	}
	sale, err := s.loadSale(ctx, op, saleID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	coupon, err := s.activeCoupon(ctx, op, saleID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if !domain.IsPickingEligible(*sale, coupon) {
		return domain.TransitionResult{}, guard(op, "%s", pickingBlocker(*sale, coupon))
	}

	result, err = s.transition(ctx, op, *sale, domain.SaleStatusPicking, actor)
	if err != nil || result.Outcome != domain.OutcomeLostRace || result.Current != domain.SaleStatusPending {
		return result, err
	}
	// Still pending after a refused write: the coupon changed underneath us.
	coupon, err = s.activeCoupon(ctx, op, saleID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	current := *sale
	current.Status = result.Current
	reason := pickingBlocker(current, coupon)
	if domain.IsPickingEligible(current, coupon) {
		reason = "coupon changed while picking was starting"
	}
	return domain.TransitionResult{}, guard(op, "%s", reason)
}

// CompleteSale moves a picking sale to completed.
func (s *Service) CompleteSale(ctx context.Context, saleID string, actor domain.Actor) (domain.TransitionResult, error) {
	sale, err := s.loadSale(ctx, "complete_sale", saleID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	return s.transition(ctx, "complete_sale", *sale, domain.SaleStatusCompleted, actor)
}

// MarkReturned moves a sale to returned from any non-final state.
func (s *Service) MarkReturned(ctx context.Context, saleID string, actor domain.Actor) (domain.TransitionResult, error) {
	sale, err := s.loadSale(ctx, "mark_returned", saleID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	return s.transition(ctx, "mark_returned", *sale, domain.SaleStatusReturned, actor)
}

// transition issues the conditional write for sale -> to. When no row
// matched, the sale is re-read: already at the target is reported as
// already_applied, anything else as lost_race. Neither is an error.
func (s *Service) transition(ctx context.Context, op string, sale domain.Sale, to domain.SaleStatus, actor domain.Actor) (domain.TransitionResult, error) {
	from := domain.SourcesFor(to)
	result := domain.TransitionResult{SaleID: sale.ID, From: from, To: to}

	applied, err := call(ctx, s, op, func(ctx context.Context) (bool, error) {
		return s.repo.TransitionSaleStatus(ctx, sale.ID, from, to)
	})
	if err != nil {
		return result, err
	}

	if applied {
		result.Current = to
		result.Outcome = domain.OutcomeApplied
		saleTransitionsTotal.WithLabelValues(to.String(), string(result.Outcome)).Inc()
		s.logAudit(ctx, sale.BranchID, actor, op, "sale", sale.ID, fmt.Sprintf("to=%s", to))
		s.emit(ctx, events.SaleStatusChanged, "sale", sale.ID, sale.ID, actor, to.String())
		return result, nil
	}

	current, err := s.loadSale(ctx, op, sale.ID)
	if err != nil {
		return result, err
	}
	result.Current = current.Status
	if current.Status == to {
		result.Outcome = domain.OutcomeAlreadyApplied
		result.Message = fmt.Sprintf("sale is already %s", to)
	} else {
		result.Outcome = domain.OutcomeLostRace
		result.Message = fmt.Sprintf("cannot transition sale from %s to %s", current.Status, to)
	}
	saleTransitionsTotal.WithLabelValues(to.String(), string(result.Outcome)).Inc()
	s.logger.Info().Str("op", op).Str("sale_id", sale.ID).Str("outcome", string(result.Outcome)).Msg(result.Message)
	return result, nil
}

func (s *Service) loadSale(ctx context.Context, op string, saleID string) (*domain.Sale, error) {
	return call(ctx, s, op, func(ctx context.Context) (*domain.Sale, error) {
		return s.repo.GetSale(ctx, saleID)
	})
}

func pickingBlocker(sale domain.Sale, coupon *domain.SaleCoupon) string {
	switch {
	case sale.Status != domain.SaleStatusPending:
		return fmt.Sprintf("sale is %s, picking can only start from pending", sale.Status)
	case coupon == nil:
		return "sale has no active coupon"
	case coupon.PrintedAt == nil:
		return "coupon has not been printed"
	case coupon.ReceivedAt == nil:
		return "coupon has not been received at the warehouse"
	default:
		return "sale is not eligible for picking"
	}
}

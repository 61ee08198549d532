package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/store"
	"retailops/backend/internal/xid"
)

const openReturnRefusal = "a return is already open for this sale, refresh and check the returns queue"

// InitiateFullReturn creates one pending return row per item of the sale.
// It refuses when any item already has a pending or approved return.
func (s *Service) InitiateFullReturn(ctx context.Context, saleID string, reason string, actor domain.Actor) (result domain.InitiateReturnResult, err error) {
	const op = "initiate_return"
	ctx, span := startSpan(ctx, op, attribute.String("sale_id", saleID))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleCashier); err != nil {
		return domain.InitiateReturnResult{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.InitiateReturnResult{}, guard(op, "reason is required")
	}

	sale, err := s.loadSale(ctx, op, saleID)
	if err != nil {
		return domain.InitiateReturnResult{}, err
	}
	if sale.Status.IsFinal() {
		return domain.InitiateReturnResult{}, guard(op, "sale is already %s", sale.Status)
	}
	items, err := call(ctx, s, op, func(ctx context.Context) ([]domain.SaleItem, error) {
		return s.repo.ListSaleItems(ctx, saleID)
	})
	if err != nil {
		return domain.InitiateReturnResult{}, err
	}
	if len(items) == 0 {
		return domain.InitiateReturnResult{}, guard(op, "sale has no items")
	}

	open, err := s.openReturns(ctx, op, saleID)
	if err != nil {
		return domain.InitiateReturnResult{}, err
	}
	if len(open) > 0 {
		return domain.InitiateReturnResult{}, guard(op, openReturnRefusal)
	}

	now := s.now()
	rows := make([]domain.Return, 0, len(items))
	for _, item := range items {
		rows = append(rows, domain.Return{
			ID:          xid.New("ret"),
			SaleID:      saleID,
			SaleItemID:  item.ID,
			Qty:         item.Qty,
			Reason:      reason,
			InitiatedBy: actor.Username,
			Status:      domain.ReturnStatusPending,
			CreatedAt:   now,
		})
	}

	err = exec(ctx, s, op, func(ctx context.Context) error {
		return s.repo.CreateReturns(ctx, rows)
	})
	switch {
	case errors.Is(err, store.ErrDuplicateReturn):
		return domain.InitiateReturnResult{}, guard(op, openReturnRefusal)
	case isTransport(err):
		// The insert may have landed. Look for our own rows before reporting.
		if landed, checkErr := s.returnsLanded(ctx, op, saleID, rows); checkErr == nil && landed {
			s.logger.Info().Str("op", op).Str("sale_id", saleID).Msg("return insert confirmed after transport failure")
			break
		}
		return domain.InitiateReturnResult{}, err
	case err != nil:
		return domain.InitiateReturnResult{}, err
	}

	s.logAudit(ctx, sale.BranchID, actor, op, "sale", saleID, fmt.Sprintf("rows=%d,reason=%s", len(rows), reason))
	s.emit(ctx, events.ReturnsInitiated, "sale", saleID, saleID, actor, reason)
	return domain.InitiateReturnResult{Returns: rows}, nil
}

// ApproveGroup approves return rows of one sale one by one through the
// atomic approval procedure, then moves the sale to returned once no row of
// the sale is still pending. When that second step fails the approvals stay
// and the result carries a warning.
func (s *Service) ApproveGroup(ctx context.Context, saleID string, returnIDs []string, actor domain.Actor) (result domain.ApproveGroupResult, err error) {
	const op = "approve_returns"
	ctx, span := startSpan(ctx, op, attribute.String("sale_id", saleID), attribute.Int("requested", len(returnIDs)))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleApprover); err != nil {
		return domain.ApproveGroupResult{}, err
	}
	sale, err := s.loadSale(ctx, op, saleID)
	if err != nil {
		return domain.ApproveGroupResult{}, err
	}
	ids, err := s.resolveGroupIDs(ctx, op, saleID, returnIDs)
	if err != nil {
		return domain.ApproveGroupResult{}, err
	}

	result = domain.ApproveGroupResult{
		SaleID:   saleID,
		Approved: []string{},
		Skipped:  []string{},
		Failed:   []string{},
	}
	var transportErr error
	for _, id := range ids {
		applied, err := call(ctx, s, op, func(ctx context.Context) (bool, error) {
			return s.repo.ApproveReturn(ctx, id, actor.Username, s.now())
		})
		switch {
		case err != nil:
			if transportErr == nil && isTransport(err) {
				transportErr = err
			}
			result.Failed = append(result.Failed, id)
			result.Warnings = append(result.Warnings, s.warn(op, "return "+id+" was not approved", err))
		case applied:
			result.Approved = append(result.Approved, id)
		default:
			result.Skipped = append(result.Skipped, id)
		}
	}

	// Nothing approved and the store was unreachable: report the outage, not a
	// successful no-op.
	if len(result.Approved) == 0 && transportErr != nil {
		return domain.ApproveGroupResult{}, transportErr
	}
	if len(result.Approved) > 0 {
		s.logAudit(ctx, sale.BranchID, actor, op, "sale", saleID, "returns="+strings.Join(result.Approved, ","))
		s.emit(ctx, events.ReturnsApproved, "sale", saleID, saleID, actor, strings.Join(result.Approved, ","))
	}

	rows, err := call(ctx, s, op, func(ctx context.Context) ([]domain.Return, error) {
		return s.repo.ListReturnsForSale(ctx, saleID)
	})
	if err != nil {
		result.Warnings = append(result.Warnings, s.warn(op, "approvals saved but the sale status could not be checked", err))
		return result, nil
	}
	pending, approved := countReturnStatuses(rows)
	if pending > 0 {
		if len(result.Failed) > 0 {
			result.Warnings = append(result.Warnings, s.warn(op, fmt.Sprintf("%d return rows still pending, sale stays %s", pending, sale.Status), nil))
		}
		return result, nil
	}
	if approved == 0 {
		return result, nil
	}

	transition, err := s.transition(ctx, "mark_returned", *sale, domain.SaleStatusReturned, actor)
	if err != nil {
		result.Warnings = append(result.Warnings, s.warn(op, "returns approved but the sale could not be marked returned", err))
		return result, nil
	}
	result.SaleTransition = &transition
	if transition.Outcome == domain.OutcomeLostRace {
		result.Warnings = append(result.Warnings, s.warn(op, "returns approved but "+transition.Message, nil))
	}
	return result, nil
}

// RejectGroup rejects the still-pending rows among returnIDs in one
// conditional write. Rows already acted on are left as they are. The sale
// status never changes.
func (s *Service) RejectGroup(ctx context.Context, saleID string, returnIDs []string, actor domain.Actor) (result domain.RejectGroupResult, err error) {
	const op = "reject_returns"
	ctx, span := startSpan(ctx, op, attribute.String("sale_id", saleID), attribute.Int("requested", len(returnIDs)))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleApprover); err != nil {
		return domain.RejectGroupResult{}, err
	}
	sale, err := s.loadSale(ctx, op, saleID)
	if err != nil {
		return domain.RejectGroupResult{}, err
	}
	ids, err := s.resolveGroupIDs(ctx, op, saleID, returnIDs)
	if err != nil {
		return domain.RejectGroupResult{}, err
	}

	rejected, err := call(ctx, s, op, func(ctx context.Context) ([]string, error) {
		return s.repo.RejectReturns(ctx, saleID, ids, actor.Username, s.now())
	})
	if err != nil {
		return domain.RejectGroupResult{}, err
	}

	result = domain.RejectGroupResult{SaleID: saleID, Rejected: rejected, Skipped: []string{}}
	for _, id := range ids {
		if !slices.Contains(rejected, id) {
			result.Skipped = append(result.Skipped, id)
		}
	}
	if len(rejected) > 0 {
		s.logAudit(ctx, sale.BranchID, actor, op, "sale", saleID, "returns="+strings.Join(rejected, ","))
		s.emit(ctx, events.ReturnsRejected, "sale", saleID, saleID, actor, strings.Join(rejected, ","))
	}
	return result, nil
}

// ReconcileReturnedSales finishes approvals whose sale transition did not
// land: every sale with approved returns and nothing pending is moved to
// returned.
func (s *Service) ReconcileReturnedSales(ctx context.Context, limit int) (result domain.ReconcileResult, err error) {
	const op = "reconcile_returns"
	ctx, span := startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	if limit < 1 {
		limit = 100
	}
	saleIDs, err := call(ctx, s, op, func(ctx context.Context) ([]string, error) {
		return s.repo.ListSalesAwaitingReturn(ctx, limit)
	})
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	result = domain.ReconcileResult{Checked: len(saleIDs), Reconciled: []string{}}
	for _, saleID := range saleIDs {
		transition, err := s.MarkReturned(ctx, saleID, systemActor)
		if err != nil {
			result.Warnings = append(result.Warnings, s.warn(op, "sale "+saleID+" not reconciled", err))
			continue
		}
		if transition.Applied() {
			result.Reconciled = append(result.Reconciled, saleID)
		}
	}
	return result, nil
}

// resolveGroupIDs validates that every id belongs to the sale. With no ids it
// selects every pending row of the sale.
func (s *Service) resolveGroupIDs(ctx context.Context, op string, saleID string, returnIDs []string) ([]string, error) {
	rows, err := call(ctx, s, op, func(ctx context.Context) ([]domain.Return, error) {
		return s.repo.ListReturnsForSale(ctx, saleID)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, guard(op, "sale has no returns")
	}

	byID := make(map[string]domain.Return, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	ids := make([]string, 0, len(rows))
	if len(returnIDs) == 0 {
		for _, row := range rows {
			if row.Status == domain.ReturnStatusPending {
				ids = append(ids, row.ID)
			}
		}
		if len(ids) == 0 {
			return nil, guard(op, "sale has no pending returns")
		}
		return ids, nil
	}

	for _, id := range returnIDs {
		id = strings.TrimSpace(id)
		if _, ok := byID[id]; !ok {
			return nil, guard(op, "return %s does not belong to sale %s", id, saleID)
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Service) openReturns(ctx context.Context, op string, saleID string) ([]domain.Return, error) {
	return call(ctx, s, op, func(ctx context.Context) ([]domain.Return, error) {
		return s.repo.ListReturns(ctx, store.ReturnFilter{
			SaleID:   saleID,
			Statuses: []domain.ReturnStatus{domain.ReturnStatusPending, domain.ReturnStatusApproved},
		})
	})
}

func (s *Service) returnsLanded(ctx context.Context, op string, saleID string, rows []domain.Return) (bool, error) {
	existing, err := call(ctx, s, op, func(ctx context.Context) ([]domain.Return, error) {
		return s.repo.ListReturnsForSale(ctx, saleID)
	})
	if err != nil {
		return false, err
	}
	found := 0
	for _, row := range rows {
		if slices.ContainsFunc(existing, func(r domain.Return) bool { return r.ID == row.ID }) {
			found++
		}
	}
	return found == len(rows), nil
}

func countReturnStatuses(rows []domain.Return) (pending int, approved int) {
	for _, row := range rows {
		switch row.Status {
		case domain.ReturnStatusPending:
			pending++
		case domain.ReturnStatusApproved:
			approved++
		}
	}
	return pending, approved
}

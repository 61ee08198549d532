package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/store"
	"retailops/backend/internal/xid"
)

// IssueCoupon makes sure the sale has an active coupon and returns it.
// Calling it again returns the existing coupon.
func (s *Service) IssueCoupon(ctx context.Context, saleID string, actor domain.Actor) (coupon domain.SaleCoupon, err error) {
	const op = "issue_coupon"
	ctx, span := startSpan(ctx, op, attribute.String("sale_id", saleID))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleCashier); err != nil {
		return domain.SaleCoupon{}, err
	}
	existing, err := s.activeCoupon(ctx, op, saleID)
	if err != nil {
		return domain.SaleCoupon{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	issued, err := call(ctx, s, op, func(ctx context.Context) (*domain.SaleCoupon, error) {
		return s.repo.IssueCoupon(ctx, domain.SaleCoupon{
			ID:       xid.New("cpn"),
			SaleID:   saleID,
			IssuedAt: s.now(),
		})
	})
	if errors.Is(err, store.ErrConflict) {
		// Another caller issued one first.
		existing, err = s.activeCoupon(ctx, op, saleID)
		if err != nil {
			return domain.SaleCoupon{}, err
		}
		if existing == nil {
			return domain.SaleCoupon{}, guard(op, "coupon state changed, refresh and retry")
		}
		return *existing, nil
	}
	if err != nil {
		return domain.SaleCoupon{}, err
	}

	s.logAudit(ctx, "", actor, op, "coupon", issued.ID, "sale="+saleID)
	s.emit(ctx, events.CouponIssued, "coupon", issued.ID, saleID, actor, "")
	return *issued, nil
}

// MarkPrinted records that a voucher was dispatched to the printer. It runs
// after the physical print, so it never fails the print: a failure to record
// comes back as Recorded=false with a warning.
func (s *Service) MarkPrinted(ctx context.Context, couponID string, actor domain.Actor) domain.PrintResult {
	const op = "mark_printed"
	ctx, span := startSpan(ctx, op, attribute.String("coupon_id", couponID))
	var err error
	defer func() { endSpan(span, err) }()

	if err = requireRole(op, actor, domain.RoleCashier); err != nil {
		return domain.PrintResult{Warning: s.warn(op, "print not recorded", err)}
	}
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		err = guard(op, "coupon id is required")
		return domain.PrintResult{Warning: s.warn(op, "print not recorded", err)}
	}

	coupon, err := call(ctx, s, op, func(ctx context.Context) (*domain.SaleCoupon, error) {
		return s.repo.MarkCouponPrinted(ctx, couponID, actor.Username, s.now())
	})
	if err != nil {
		reason := "print not recorded"
		switch {
		case errors.Is(err, store.ErrNotFound):
			reason = "print not recorded, coupon not found"
		case errors.Is(err, store.ErrConditionFailed):
			reason = "print not recorded, coupon was revoked"
		}
		return domain.PrintResult{Warning: s.warn(op, reason, err)}
	}

	s.logAudit(ctx, "", actor, op, "coupon", coupon.ID, fmt.Sprintf("sale=%s,print_count=%d", coupon.SaleID, coupon.PrintCount))
	s.emit(ctx, events.CouponPrinted, "coupon", coupon.ID, coupon.SaleID, actor, "")
	return domain.PrintResult{Coupon: coupon, Recorded: true}
}

// ReceiveByReceiptNumber records that the warehouse holds the physical
// coupon. Receiving twice returns the original receipt time.
func (s *Service) ReceiveByReceiptNumber(ctx context.Context, receiptNumber string, actor domain.Actor) (result domain.ReceiveResult, err error) {
	const op = "receive_coupon"
	ctx, span := startSpan(ctx, op, attribute.String("receipt_number", receiptNumber))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleWarehouse); err != nil {
		return domain.ReceiveResult{}, err
	}
	receiptNumber = strings.TrimSpace(receiptNumber)
	if receiptNumber == "" {
		return domain.ReceiveResult{}, guard(op, "receipt number is required")
	}

	type received struct {
		coupon  *domain.SaleCoupon
		already bool
	}
	got, err := call(ctx, s, op, func(ctx context.Context) (received, error) {
		coupon, already, err := s.repo.ReceiveCouponByReceiptNumber(ctx, receiptNumber, actor.Username, s.now())
		return received{coupon: coupon, already: already}, err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.ReceiveResult{}, guard(op, "no sale with receipt %s", receiptNumber)
	case errors.Is(err, store.ErrNoActiveCoupon):
		return domain.ReceiveResult{}, guard(op, "sale %s has no active coupon", receiptNumber)
	case err != nil:
		return domain.ReceiveResult{}, err
	}

	sale, err := call(ctx, s, op, func(ctx context.Context) (*domain.Sale, error) {
		return s.repo.GetSale(ctx, got.coupon.SaleID)
	})
	if err != nil {
		return domain.ReceiveResult{}, err
	}

	if !got.already {
		s.logAudit(ctx, sale.BranchID, actor, op, "coupon", got.coupon.ID, "receipt="+receiptNumber)
		s.emit(ctx, events.CouponReceived, "coupon", got.coupon.ID, sale.ID, actor, receiptNumber)
	}

	return domain.ReceiveResult{
		Coupon:          *got.coupon,
		Sale:            *sale,
		AlreadyReceived: got.already,
		PickingEligible: domain.IsPickingEligible(*sale, got.coupon),
	}, nil
}

// ReissueCoupon revokes the active coupon and issues a fresh one, for a lost
// or damaged voucher. Only allowed while the sale is pending.
func (s *Service) ReissueCoupon(ctx context.Context, saleID string, actor domain.Actor) (coupon domain.SaleCoupon, err error) {
	const op = "reissue_coupon"
	ctx, span := startSpan(ctx, op, attribute.String("sale_id", saleID))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor); err != nil {
		return domain.SaleCoupon{}, err
	}

	now := s.now()
	issued, err := call(ctx, s, op, func(ctx context.Context) (*domain.SaleCoupon, error) {
		return s.repo.ReissueCoupon(ctx, saleID, domain.SaleCoupon{
			ID:       xid.New("cpn"),
			SaleID:   saleID,
			IssuedAt: now,
		}, now)
	})
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return domain.SaleCoupon{}, guard(op, "coupon can only be reissued while the sale is pending and before warehouse receipt")
	case err != nil:
		return domain.SaleCoupon{}, err
	}

	s.logAudit(ctx, "", actor, op, "coupon", issued.ID, "sale="+saleID)
	s.emit(ctx, events.CouponReissued, "coupon", issued.ID, saleID, actor, "")
	return *issued, nil
}

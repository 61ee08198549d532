package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/store"
	"retailops/backend/internal/xid"
)

// RecordSale stores a finished checkout as a pending sale together with its
// first pickup coupon.
func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest, actor domain.Actor) (detail domain.SaleDetail, err error) {
	const op = "record_sale"
	ctx, span := startSpan(ctx, op, attribute.String("actor", actor.Username))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleCashier); err != nil {
		return domain.SaleDetail{}, err
	}
	lines := normalizeLines(req.Items)
	if len(lines) == 0 {
		return domain.SaleDetail{}, guard(op, "at least one item with qty > 0 is required")
	}

	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := call(ctx, s, op, func(ctx context.Context) (map[string]domain.Product, error) {
		return s.repo.GetProductsByIDs(ctx, productIDs)
	})
	if err != nil {
		return domain.SaleDetail{}, err
	}

	now := s.now()
	sale := domain.Sale{
		ID:              xid.New("sale"),
		ReceiptNumber:   xid.ReceiptNumber(now),
		BranchID:        strings.TrimSpace(req.BranchID),
		CashierUsername: actor.Username,
		Status:          domain.SaleStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sale.BranchID == "" {
		sale.BranchID = s.defaultBranchID
	}

	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return domain.SaleDetail{}, guard(op, "product %s is not available", line.ProductID)
		}
		items = append(items, domain.SaleItem{
			ID:             xid.New("item"),
			SaleID:         sale.ID,
			ProductID:      product.ID,
			Qty:            line.Qty,
			UnitPriceCents: product.PriceCents,
		})
		sale.TotalCents += product.PriceCents * int64(line.Qty)
	}
	coupon := domain.SaleCoupon{
		ID:       xid.New("cpn"),
		SaleID:   sale.ID,
		IssuedAt: now,
	}

	err = exec(ctx, s, op, func(ctx context.Context) error {
		return s.repo.CreateSale(ctx, sale, items, coupon)
	})
	if errors.Is(err, store.ErrConflict) {
		// Receipt suffixes are random; one collision gets a fresh identity.
		s.logger.Warn().Str("op", op).Str("receipt_number", sale.ReceiptNumber).Msg("sale identity collided, retrying")
		reidentify(&sale, items, &coupon, now)
		err = exec(ctx, s, op, func(ctx context.Context) error {
			return s.repo.CreateSale(ctx, sale, items, coupon)
		})
	}
	if err != nil {
		return domain.SaleDetail{}, err
	}

	s.logAudit(ctx, sale.BranchID, actor, op, "sale", sale.ID, fmt.Sprintf("receipt=%s,items=%d,total=%d", sale.ReceiptNumber, len(items), sale.TotalCents))
	s.emit(ctx, events.SaleRecorded, "sale", sale.ID, sale.ID, actor, sale.ReceiptNumber)

	return domain.SaleDetail{Sale: sale, Items: items, Coupon: &coupon, Returns: []domain.Return{}}, nil
}

func reidentify(sale *domain.Sale, items []domain.SaleItem, coupon *domain.SaleCoupon, now time.Time) {
	sale.ID = xid.New("sale")
	sale.ReceiptNumber = xid.ReceiptNumber(now)
	for i := range items {
		items[i].ID = xid.New("item")
		items[i].SaleID = sale.ID
	}
	coupon.ID = xid.New("cpn")
	coupon.SaleID = sale.ID
}

// GetSaleDetail returns the sale with its items, active coupon and return rows.
func (s *Service) GetSaleDetail(ctx context.Context, saleID string) (domain.SaleDetail, error) {
	const op = "get_sale"
	sale, err := call(ctx, s, op, func(ctx context.Context) (*domain.Sale, error) {
		return s.repo.GetSale(ctx, saleID)
	})
	if err != nil {
		return domain.SaleDetail{}, err
	}
	items, err := call(ctx, s, op, func(ctx context.Context) ([]domain.SaleItem, error) {
		return s.repo.ListSaleItems(ctx, saleID)
	})
	if err != nil {
		return domain.SaleDetail{}, err
	}
	coupon, err := s.activeCoupon(ctx, op, saleID)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	returns, err := call(ctx, s, op, func(ctx context.Context) ([]domain.Return, error) {
		return s.repo.ListReturnsForSale(ctx, saleID)
	})
	if err != nil {
		return domain.SaleDetail{}, err
	}
	return domain.SaleDetail{Sale: *sale, Items: items, Coupon: coupon, Returns: returns}, nil
}

// activeCoupon returns nil without error when the sale has no active coupon.
func (s *Service) activeCoupon(ctx context.Context, op string, saleID string) (*domain.SaleCoupon, error) {
	coupon, err := call(ctx, s, op, func(ctx context.Context) (*domain.SaleCoupon, error) {
		return s.repo.GetActiveCoupon(ctx, saleID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return coupon, err
}

func normalizeLines(lines []domain.RecordSaleLine) []domain.RecordSaleLine {
	merged := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" || line.Qty <= 0 {
			continue
		}
		if _, seen := merged[id]; !seen {
			order = append(order, id)
		}
		merged[id] += line.Qty
	}

	result := make([]domain.RecordSaleLine, 0, len(order))
	for _, id := range order {
		result = append(result, domain.RecordSaleLine{ProductID: id, Qty: merged[id]})
	}
	return result
}

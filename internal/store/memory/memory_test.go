package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
)

func seedSale(t *testing.T, s *Store, id string, status domain.SaleStatus, itemCount int) []domain.SaleItem {
	t.Helper()
	now := time.Now().UTC()
	items := make([]domain.SaleItem, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		items = append(items, domain.SaleItem{
			ID:             fmt.Sprintf("%s-item-%d", id, i),
			ProductID:      "prod-rice-5kg",
			Qty:            1,
			UnitPriceCents: 68500,
		})
	}
	err := s.CreateSale(context.Background(), domain.Sale{
		ID:            id,
		ReceiptNumber: "RCP-" + id,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, items, domain.SaleCoupon{ID: id + "-cpn", IssuedAt: now})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return items
}

// readyCoupon prints and receives the seeded coupon so picking may start.
func readyCoupon(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := s.MarkCouponPrinted(ctx, id+"-cpn", "cashier", now); err != nil {
		t.Fatalf("print coupon: %v", err)
	}
	if _, _, err := s.ReceiveCouponByReceiptNumber(ctx, "RCP-"+id, "wh", now); err != nil {
		t.Fatalf("receive coupon: %v", err)
	}
}

func TestTransitionSaleStatusIsConditional(t *testing.T) {
	s := New()
	seedSale(t, s, "sale-1", domain.SaleStatusPending, 1)
	readyCoupon(t, s, "sale-1")
	ctx := context.Background()

	applied, err := s.TransitionSaleStatus(ctx, "sale-1", []domain.SaleStatus{domain.SaleStatusPicking}, domain.SaleStatusCompleted)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if applied {
		t.Fatalf("expected transition from wrong source status to be skipped")
	}

	applied, err = s.TransitionSaleStatus(ctx, "sale-1", []domain.SaleStatus{domain.SaleStatusPending}, domain.SaleStatusPicking)
	if err != nil || !applied {
		t.Fatalf("expected transition to apply, applied=%v err=%v", applied, err)
	}

	applied, _ = s.TransitionSaleStatus(ctx, "missing", []domain.SaleStatus{domain.SaleStatusPending}, domain.SaleStatusPicking)
	if applied {
		t.Fatalf("expected missing sale to report zero rows")
	}
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	s := New()
	seedSale(t, s, "sale-race", domain.SaleStatusPending, 1)
	readyCoupon(t, s, "sale-race")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.TransitionSaleStatus(context.Background(), "sale-race", []domain.SaleStatus{domain.SaleStatusPending}, domain.SaleStatusPicking)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if applied {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestReceiveCouponByReceiptNumberIsIdempotent(t *testing.T) {
	s := New()
	seedSale(t, s, "sale-rcv", domain.SaleStatusPending, 1)
	ctx := context.Background()

	first, already, err := s.ReceiveCouponByReceiptNumber(ctx, "RCP-sale-rcv", "wh-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if already {
		t.Fatalf("expected first receive to stamp the coupon")
	}

	second, already, err := s.ReceiveCouponByReceiptNumber(ctx, "RCP-sale-rcv", "wh-2", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("receive again: %v", err)
	}
	if !already {
		t.Fatalf("expected second receive to report existing state")
	}
	if !second.ReceivedAt.Equal(*first.ReceivedAt) || *second.ReceivedBy != "wh-1" {
		t.Fatalf("expected received_at to be set once, got %v by %v", second.ReceivedAt, *second.ReceivedBy)
	}

	if _, _, err := s.ReceiveCouponByReceiptNumber(ctx, "RCP-unknown", "wh-1", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown receipt, got %v", err)
	}
}

func TestConcurrentCreateReturnsAllowsOneOpenRowPerItem(t *testing.T) {
	s := New()
	items := seedSale(t, s, "sale-ret", domain.SaleStatusCompleted, 2)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			batch := make([]domain.Return, 0, len(items))
			for _, item := range items {
				batch = append(batch, domain.Return{
					ID:         fmt.Sprintf("ret-%d-%s", attempt, item.ID),
					SaleID:     "sale-ret",
					SaleItemID: item.ID,
					Qty:        item.Qty,
					Status:     domain.ReturnStatusPending,
				})
			}
			results <- s.CreateReturns(context.Background(), batch)
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrDuplicateReturn):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected one batch to win, got %d", succeeded)
	}

	rows, _ := s.ListReturnsForSale(context.Background(), "sale-ret")
	if len(rows) != len(items) {
		t.Fatalf("expected %d rows, got %d", len(items), len(rows))
	}
}

func TestRejectReturnsSkipsRowsAlreadyActedOn(t *testing.T) {
	s := New()
	items := seedSale(t, s, "sale-rej", domain.SaleStatusCompleted, 2)
	ctx := context.Background()
	err := s.CreateReturns(ctx, []domain.Return{
		{ID: "ret-a", SaleID: "sale-rej", SaleItemID: items[0].ID, Qty: 1, Status: domain.ReturnStatusPending},
		{ID: "ret-b", SaleID: "sale-rej", SaleItemID: items[1].ID, Qty: 1, Status: domain.ReturnStatusPending},
	})
	if err != nil {
		t.Fatalf("create returns: %v", err)
	}
	if ok, err := s.ApproveReturn(ctx, "ret-a", "approver", time.Now()); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}

	rejected, err := s.RejectReturns(ctx, "sale-rej", []string{"ret-a", "ret-b"}, "approver", time.Now())
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(rejected) != 1 || rejected[0] != "ret-b" {
		t.Fatalf("expected only ret-b to be rejected, got %v", rejected)
	}

	if ok, _ := s.ApproveReturn(ctx, "ret-b", "approver", time.Now()); ok {
		t.Fatalf("expected rejected row to stay rejected")
	}
}

func TestSetItemPickedRequiresPickingSale(t *testing.T) {
	s := New()
	items := seedSale(t, s, "sale-pick", domain.SaleStatusPending, 1)
	ctx := context.Background()

	if _, err := s.SetItemPicked(ctx, items[0].ID, true, "wh", time.Now()); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected condition failure while pending, got %v", err)
	}

	readyCoupon(t, s, "sale-pick")
	_, _ = s.TransitionSaleStatus(ctx, "sale-pick", []domain.SaleStatus{domain.SaleStatusPending}, domain.SaleStatusPicking)
	item, err := s.SetItemPicked(ctx, items[0].ID, true, "wh", time.Now())
	if err != nil {
		t.Fatalf("set picked: %v", err)
	}
	if !item.Picked || item.PickedBy == nil || item.PickedAt == nil {
		t.Fatalf("expected picked fields to move together, got %+v", item)
	}

	item, err = s.SetItemPicked(ctx, items[0].ID, false, "wh", time.Now())
	if err != nil {
		t.Fatalf("unset picked: %v", err)
	}
	if item.Picked || item.PickedBy != nil || item.PickedAt != nil {
		t.Fatalf("expected picked fields to clear together, got %+v", item)
	}
}

func TestReissueCouponKeepsOneActiveCoupon(t *testing.T) {
	s := New()
	seedSale(t, s, "sale-cpn", domain.SaleStatusPending, 1)
	ctx := context.Background()

	replacement, err := s.ReissueCoupon(ctx, "sale-cpn", domain.SaleCoupon{ID: "cpn-2", IssuedAt: time.Now()}, time.Now())
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	active, err := s.GetActiveCoupon(ctx, "sale-cpn")
	if err != nil {
		t.Fatalf("active coupon: %v", err)
	}
	if active.ID != replacement.ID {
		t.Fatalf("expected replacement to be active, got %s", active.ID)
	}
	old, _ := s.GetCoupon(ctx, "sale-cpn-cpn")
	if old.RevokedAt == nil {
		t.Fatalf("expected original coupon to be revoked")
	}

	if _, err := s.IssueCoupon(ctx, domain.SaleCoupon{ID: "cpn-3", SaleID: "sale-cpn"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for second active coupon, got %v", err)
	}
}

func TestTransitionToPickingRequiresReceivedCoupon(t *testing.T) {
	s := New()
	seedSale(t, s, "sale-gate", domain.SaleStatusPending, 1)
	ctx := context.Background()
	pending := []domain.SaleStatus{domain.SaleStatusPending}

	if applied, _ := s.TransitionSaleStatus(ctx, "sale-gate", pending, domain.SaleStatusPicking); applied {
		t.Fatalf("expected picking to be refused without a printed coupon")
	}
	if _, err := s.MarkCouponPrinted(ctx, "sale-gate-cpn", "cashier", time.Now()); err != nil {
		t.Fatalf("print coupon: %v", err)
	}
	if applied, _ := s.TransitionSaleStatus(ctx, "sale-gate", pending, domain.SaleStatusPicking); applied {
		t.Fatalf("expected picking to be refused before the coupon is received")
	}

	readyCoupon(t, s, "sale-gate")
	if _, err := s.ReissueCoupon(ctx, "sale-gate", domain.SaleCoupon{ID: "cpn-fresh", IssuedAt: time.Now()}, time.Now()); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected reissue of a received coupon to be refused, got %v", err)
	}
	active, err := s.GetActiveCoupon(ctx, "sale-gate")
	if err != nil || active.ID != "sale-gate-cpn" {
		t.Fatalf("expected received coupon to stay active, got %+v err=%v", active, err)
	}

	applied, err := s.TransitionSaleStatus(ctx, "sale-gate", pending, domain.SaleStatusPicking)
	if err != nil || !applied {
		t.Fatalf("expected picking to start with a received coupon, applied=%v err=%v", applied, err)
	}
}

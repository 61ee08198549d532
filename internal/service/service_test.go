package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
	"retailops/backend/internal/store/memory"
)

var (
	cashier   = domain.Actor{Username: "cashier", Role: domain.RoleCashier}
	warehouse = domain.Actor{Username: "warehouse", Role: domain.RoleWarehouse}
	approver  = domain.Actor{Username: "approver", Role: domain.RoleApprover}
	admin     = domain.Actor{Username: "admin", Role: domain.RoleAdmin}
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, Options{CallTimeout: time.Second}), repo
}

func recordTwoItemSale(t *testing.T, svc *Service) domain.SaleDetail {
	t.Helper()
	detail, err := svc.RecordSale(context.Background(), domain.RecordSaleRequest{
		Items: []domain.RecordSaleLine{
			{ProductID: "prod-fan-16", Qty: 1},
			{ProductID: "prod-kettle", Qty: 2},
		},
	}, cashier)
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	return detail
}

// readyForPicking prints and receives the coupon of a fresh sale.
func readyForPicking(t *testing.T, svc *Service, detail domain.SaleDetail) {
	t.Helper()
	ctx := context.Background()
	if res := svc.MarkPrinted(ctx, detail.Coupon.ID, cashier); !res.Recorded {
		t.Fatalf("expected print to be recorded, warning=%q", res.Warning)
	}
	if _, err := svc.ReceiveByReceiptNumber(ctx, detail.Sale.ReceiptNumber, warehouse); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
}

func saleStatus(t *testing.T, svc *Service, saleID string) domain.SaleStatus {
	t.Helper()
	detail, err := svc.GetSaleDetail(context.Background(), saleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	return detail.Sale.Status
}

func TestRecordSaleIssuesCouponAndMergesLines(t *testing.T) {
	svc, _ := newTestService()

	detail, err := svc.RecordSale(context.Background(), domain.RecordSaleRequest{
		Items: []domain.RecordSaleLine{
			{ProductID: "prod-oil-2l", Qty: 1},
			{ProductID: "prod-oil-2l", Qty: 2},
			{ProductID: "prod-sugar-1kg", Qty: 0},
		},
	}, cashier)
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if detail.Sale.Status != domain.SaleStatusPending {
		t.Fatalf("expected pending sale, got %s", detail.Sale.Status)
	}
	if len(detail.Items) != 1 || detail.Items[0].Qty != 3 {
		t.Fatalf("expected one merged line with qty 3, got %+v", detail.Items)
	}
	if detail.Sale.TotalCents != 3*36900 {
		t.Fatalf("unexpected total %d", detail.Sale.TotalCents)
	}
	if detail.Coupon == nil || !detail.Coupon.Active() {
		t.Fatalf("expected an active coupon")
	}
	if detail.Sale.BranchID != defaultBranchID {
		t.Fatalf("expected default branch, got %q", detail.Sale.BranchID)
	}
}

func TestRecordSaleRejectsUnknownProductAndWrongRole(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.RecordSale(ctx, domain.RecordSaleRequest{
		Items: []domain.RecordSaleLine{{ProductID: "prod-missing", Qty: 1}},
	}, cashier)
	if !errors.Is(err, ErrGuard) {
		t.Fatalf("expected guard error, got %v", err)
	}

	_, err = svc.RecordSale(ctx, domain.RecordSaleRequest{
		Items: []domain.RecordSaleLine{{ProductID: "prod-oil-2l", Qty: 1}},
	}, warehouse)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestFullFulfilmentAndReturnScenario(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)
	saleID := detail.Sale.ID

	if _, err := svc.StartPicking(ctx, saleID, warehouse); !errors.Is(err, ErrGuard) {
		t.Fatalf("expected start picking to be refused before print, got %v", err)
	}

	if res := svc.MarkPrinted(ctx, detail.Coupon.ID, cashier); !res.Recorded {
		t.Fatalf("print not recorded: %s", res.Warning)
	}
	if _, err := svc.StartPicking(ctx, saleID, warehouse); !errors.Is(err, ErrGuard) {
		t.Fatalf("expected start picking to be refused before receive, got %v", err)
	}

	received, err := svc.ReceiveByReceiptNumber(ctx, detail.Sale.ReceiptNumber, warehouse)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !received.PickingEligible {
		t.Fatalf("expected sale to be eligible after print and receive")
	}

	started, err := svc.StartPicking(ctx, saleID, warehouse)
	if err != nil {
		t.Fatalf("start picking failed: %v", err)
	}
	if started.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected applied, got %s", started.Outcome)
	}

	first, err := svc.SetPicked(ctx, detail.Items[0].ID, true, warehouse)
	if err != nil {
		t.Fatalf("pick first item failed: %v", err)
	}
	if first.AllPicked || first.Completion != nil {
		t.Fatalf("sale must not complete with one item left")
	}
	second, err := svc.SetPicked(ctx, detail.Items[1].ID, true, warehouse)
	if err != nil {
		t.Fatalf("pick second item failed: %v", err)
	}
	if !second.AllPicked || second.Completion == nil || !second.Completion.Applied() {
		t.Fatalf("expected completion after last pick, got %+v", second)
	}
	if status := saleStatus(t, svc, saleID); status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	initiated, err := svc.InitiateFullReturn(ctx, saleID, "customer changed mind", cashier)
	if err != nil {
		t.Fatalf("initiate return failed: %v", err)
	}
	if len(initiated.Returns) != 2 {
		t.Fatalf("expected one return row per item, got %d", len(initiated.Returns))
	}
	if _, err := svc.InitiateFullReturn(ctx, saleID, "again", cashier); !errors.Is(err, ErrGuard) {
		t.Fatalf("expected second initiation to be refused, got %v", err)
	}

	approved, err := svc.ApproveGroup(ctx, saleID, nil, approver)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if len(approved.Approved) != 2 || len(approved.Warnings) != 0 {
		t.Fatalf("unexpected approval result %+v", approved)
	}
	if approved.SaleTransition == nil || !approved.SaleTransition.Applied() {
		t.Fatalf("expected sale to be marked returned, got %+v", approved.SaleTransition)
	}
	if status := saleStatus(t, svc, saleID); status != domain.SaleStatusReturned {
		t.Fatalf("expected returned, got %s", status)
	}
	if _, err := svc.StartPicking(ctx, saleID, warehouse); !errors.Is(err, ErrGuard) {
		t.Fatalf("expected start picking on a returned sale to be refused, got %v", err)
	}
}

func TestStartPickingTwiceReportsAlreadyApplied(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)
	readyForPicking(t, svc, detail)

	if _, err := svc.StartPicking(ctx, detail.Sale.ID, warehouse); err != nil {
		t.Fatalf("start picking failed: %v", err)
	}

	// A stale caller that still sees the sale as pending loses the conditional write.
	sale, err := repo.GetSale(ctx, detail.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	sale.Status = domain.SaleStatusPending
	result, err := svc.transition(ctx, "start_picking", *sale, domain.SaleStatusPicking, warehouse)
	if err != nil {
		t.Fatalf("expected no error on a lost conditional write, got %v", err)
	}
	if result.Outcome != domain.OutcomeAlreadyApplied || result.Current != domain.SaleStatusPicking {
		t.Fatalf("expected already_applied, got %+v", result)
	}
}

func TestCompleteAfterReturnReportsLostRace(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)

	if _, err := svc.MarkReturned(ctx, detail.Sale.ID, admin); err != nil {
		t.Fatalf("mark returned failed: %v", err)
	}
	result, err := svc.CompleteSale(ctx, detail.Sale.ID, admin)
	if err != nil {
		t.Fatalf("expected lost race without error, got %v", err)
	}
	if result.Outcome != domain.OutcomeLostRace {
		t.Fatalf("expected lost_race, got %s", result.Outcome)
	}
	if result.Message != "cannot transition sale from returned to completed" {
		t.Fatalf("unexpected message %q", result.Message)
	}
}

func TestConcurrentStartPickingHasOneWinner(t *testing.T) {
	svc, _ := newTestService()
	detail := recordTwoItemSale(t, svc)
	readyForPicking(t, svc, detail)

	const workers = 8
	outcomes := make(chan domain.TransitionOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.StartPicking(context.Background(), detail.Sale.ID, warehouse)
			if err != nil {
				if errors.Is(err, ErrGuard) {
					outcomes <- domain.OutcomeAlreadyApplied
					return
				}
				t.Errorf("unexpected error: %v", err)
				return
			}
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for outcome := range outcomes {
		if outcome == domain.OutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied)
	}
}

func TestReceiveTwiceKeepsFirstTimestamp(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)

	first, err := svc.ReceiveByReceiptNumber(ctx, detail.Sale.ReceiptNumber, warehouse)
	if err != nil {
		t.Fatalf("first receive failed: %v", err)
	}
	svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	second, err := svc.ReceiveByReceiptNumber(ctx, detail.Sale.ReceiptNumber, warehouse)
	if err != nil {
		t.Fatalf("second receive failed: %v", err)
	}
	if !second.AlreadyReceived {
		t.Fatalf("expected second receive to be flagged")
	}
	if !first.Coupon.ReceivedAt.Equal(*second.Coupon.ReceivedAt) {
		t.Fatalf("receipt time changed: %v -> %v", first.Coupon.ReceivedAt, second.Coupon.ReceivedAt)
	}
	if first.PickingEligible {
		t.Fatalf("coupon was never printed, sale must not be eligible")
	}
}

func TestReceiveUnknownReceiptIsGuard(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.ReceiveByReceiptNumber(context.Background(), "RCP-00000000-deadbeef", warehouse)
	if !errors.Is(err, ErrGuard) {
		t.Fatalf("expected guard error, got %v", err)
	}
}

func TestMarkPrintedUnknownCouponWarns(t *testing.T) {
	svc, _ := newTestService()
	res := svc.MarkPrinted(context.Background(), "cpn-missing", cashier)
	if res.Recorded {
		t.Fatalf("expected print not to be recorded")
	}
	if res.Warning == "" {
		t.Fatalf("expected a warning")
	}
}

func TestIssueCouponReturnsExistingActiveCoupon(t *testing.T) {
	svc, _ := newTestService()
	detail := recordTwoItemSale(t, svc)

	coupon, err := svc.IssueCoupon(context.Background(), detail.Sale.ID, cashier)
	if err != nil {
		t.Fatalf("issue coupon failed: %v", err)
	}
	if coupon.ID != detail.Coupon.ID {
		t.Fatalf("expected existing coupon %s, got %s", detail.Coupon.ID, coupon.ID)
	}
	if _, err := svc.IssueCoupon(context.Background(), detail.Sale.ID, warehouse); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for warehouse, got %v", err)
	}
}

func TestReissueCouponReplacesActiveCoupon(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)

	if _, err := svc.ReissueCoupon(ctx, detail.Sale.ID, cashier); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier reissue to be forbidden, got %v", err)
	}
	replacement, err := svc.ReissueCoupon(ctx, detail.Sale.ID, admin)
	if err != nil {
		t.Fatalf("reissue failed: %v", err)
	}
	if replacement.ID == detail.Coupon.ID {
		t.Fatalf("expected a new coupon")
	}

	current, err := svc.GetSaleDetail(ctx, detail.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if current.Coupon == nil || current.Coupon.ID != replacement.ID {
		t.Fatalf("expected replacement to be the active coupon")
	}
	if res := svc.MarkPrinted(ctx, detail.Coupon.ID, cashier); res.Recorded {
		t.Fatalf("printing a revoked coupon must not be recorded")
	}
}

func TestSetPickedRequiresPicking(t *testing.T) {
	svc, _ := newTestService()
	detail := recordTwoItemSale(t, svc)

	_, err := svc.SetPicked(context.Background(), detail.Items[0].ID, true, warehouse)
	if !errors.Is(err, ErrGuard) {
		t.Fatalf("expected guard error on a pending sale, got %v", err)
	}
}

func TestInitiateReturnRequiresReason(t *testing.T) {
	svc, _ := newTestService()
	detail := recordTwoItemSale(t, svc)

	_, err := svc.InitiateFullReturn(context.Background(), detail.Sale.ID, "  ", cashier)
	if !errors.Is(err, ErrGuard) {
		t.Fatalf("expected guard error, got %v", err)
	}
}

func TestConcurrentInitiateReturnCreatesOneSet(t *testing.T) {
	svc, repo := newTestService()
	detail := recordTwoItemSale(t, svc)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.InitiateFullReturn(context.Background(), detail.Sale.ID, "damaged box", cashier)
			if err != nil && !errors.Is(err, ErrGuard) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected one successful initiation, got %d", successes)
	}
	rows, err := repo.ListReturnsForSale(context.Background(), detail.Sale.ID)
	if err != nil {
		t.Fatalf("list returns: %v", err)
	}
	if len(rows) != len(detail.Items) {
		t.Fatalf("expected %d rows, got %d", len(detail.Items), len(rows))
	}
}

func TestRejectGroupLeavesSaleUnchanged(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)

	if _, err := svc.InitiateFullReturn(ctx, detail.Sale.ID, "wrong colour", cashier); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	result, err := svc.RejectGroup(ctx, detail.Sale.ID, nil, approver)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if len(result.Rejected) != 2 || len(result.Skipped) != 0 {
		t.Fatalf("unexpected reject result %+v", result)
	}
	if status := saleStatus(t, svc, detail.Sale.ID); status != domain.SaleStatusPending {
		t.Fatalf("expected sale to stay pending, got %s", status)
	}

	again, err := svc.RejectGroup(ctx, detail.Sale.ID, result.Rejected, approver)
	if err != nil {
		t.Fatalf("second reject failed: %v", err)
	}
	if len(again.Rejected) != 0 || len(again.Skipped) != 2 {
		t.Fatalf("expected acted rows to be skipped, got %+v", again)
	}

	// Rejected rows do not block a fresh return.
	if _, err := svc.InitiateFullReturn(ctx, detail.Sale.ID, "second try", cashier); err != nil {
		t.Fatalf("expected a new return after rejection, got %v", err)
	}
}

func TestApproveGroupRejectsForeignReturnIDs(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)
	if _, err := svc.InitiateFullReturn(ctx, detail.Sale.ID, "broken", cashier); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	_, err := svc.ApproveGroup(ctx, detail.Sale.ID, []string{"ret-other"}, approver)
	if !errors.Is(err, ErrGuard) {
		t.Fatalf("expected guard error, got %v", err)
	}
}

func TestPartialApprovalKeepsSaleOpen(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)
	initiated, err := svc.InitiateFullReturn(ctx, detail.Sale.ID, "broken", cashier)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	result, err := svc.ApproveGroup(ctx, detail.Sale.ID, []string{initiated.Returns[0].ID}, approver)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if result.SaleTransition != nil {
		t.Fatalf("sale must not transition while a row is pending")
	}
	if status := saleStatus(t, svc, detail.Sale.ID); status != domain.SaleStatusPending {
		t.Fatalf("expected pending, got %s", status)
	}
}

// flakyTransitions fails every sale status write.
type flakyTransitions struct {
	store.Repository
}

func (flakyTransitions) TransitionSaleStatus(context.Context, string, []domain.SaleStatus, domain.SaleStatus) (bool, error) {
	return false, store.ErrUnavailable
}

func TestApproveWarnsWhenSaleTransitionFailsAndReconcileFinishes(t *testing.T) {
	repo := memory.NewSeeded()
	healthy := New(repo, Options{CallTimeout: time.Second})
	flaky := New(flakyTransitions{Repository: repo}, Options{CallTimeout: time.Second})
	ctx := context.Background()

	detail := recordTwoItemSale(t, healthy)
	if _, err := healthy.InitiateFullReturn(ctx, detail.Sale.ID, "faulty", cashier); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	result, err := flaky.ApproveGroup(ctx, detail.Sale.ID, nil, approver)
	if err != nil {
		t.Fatalf("approve must not fail on the follow-up transition: %v", err)
	}
	if len(result.Approved) != 2 || len(result.Warnings) == 0 {
		t.Fatalf("expected approvals with a warning, got %+v", result)
	}
	if status := saleStatus(t, healthy, detail.Sale.ID); status != domain.SaleStatusPending {
		t.Fatalf("expected sale to remain pending, got %s", status)
	}

	reconciled, err := healthy.ReconcileReturnedSales(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(reconciled.Reconciled) != 1 || reconciled.Reconciled[0] != detail.Sale.ID {
		t.Fatalf("expected the sale to be reconciled, got %+v", reconciled)
	}
	if status := saleStatus(t, healthy, detail.Sale.ID); status != domain.SaleStatusReturned {
		t.Fatalf("expected returned, got %s", status)
	}
}

// stalledStore never answers sale reads.
type stalledStore struct {
	store.Repository
}

func (stalledStore) GetSale(ctx context.Context, _ string) (*domain.Sale, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutIsTransportError(t *testing.T) {
	svc := New(stalledStore{Repository: memory.New()}, Options{CallTimeout: 20 * time.Millisecond})

	_, err := svc.StartPicking(context.Background(), "sale-any", warehouse)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if errors.Is(err, ErrGuard) {
		t.Fatalf("transport error must not look like a guard failure")
	}
}

func TestCouponQueuesGroupBySaleStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	pending := recordTwoItemSale(t, svc)
	picking := recordTwoItemSale(t, svc)
	readyForPicking(t, svc, picking)
	if _, err := svc.StartPicking(ctx, picking.Sale.ID, warehouse); err != nil {
		t.Fatalf("start picking failed: %v", err)
	}

	queues, err := svc.CouponQueues(ctx)
	if err != nil {
		t.Fatalf("coupon queues failed: %v", err)
	}
	if len(queues.Pending) != 1 || queues.Pending[0].Sale.ID != pending.Sale.ID {
		t.Fatalf("unexpected pending queue %+v", queues.Pending)
	}
	if len(queues.Picking) != 1 || queues.Picking[0].Sale.ID != picking.Sale.ID {
		t.Fatalf("unexpected picking queue %+v", queues.Picking)
	}
	if len(queues.Completed) != 0 {
		t.Fatalf("expected empty completed queue")
	}
}

func TestReturnQueueTabs(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	open := recordTwoItemSale(t, svc)
	done := recordTwoItemSale(t, svc)

	if _, err := svc.InitiateFullReturn(ctx, open.Sale.ID, "scratched", cashier); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := svc.InitiateFullReturn(ctx, done.Sale.ID, "not needed", cashier); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := svc.ApproveGroup(ctx, done.Sale.ID, nil, approver); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	pending, err := svc.ReturnQueue(ctx, domain.ReturnTabPending)
	if err != nil {
		t.Fatalf("pending tab failed: %v", err)
	}
	if len(pending.Groups) != 1 || pending.Groups[0].SaleID != open.Sale.ID {
		t.Fatalf("unexpected pending tab %+v", pending.Groups)
	}
	if len(pending.Groups[0].Lines) != 2 || pending.Groups[0].Lines[0].ProductName == "" {
		t.Fatalf("expected labelled lines, got %+v", pending.Groups[0].Lines)
	}

	today, err := svc.ReturnQueue(ctx, domain.ReturnTabApprovedToday)
	if err != nil {
		t.Fatalf("approved tab failed: %v", err)
	}
	if len(today.Groups) != 1 || today.Groups[0].SaleID != done.Sale.ID {
		t.Fatalf("unexpected approved tab %+v", today.Groups)
	}
	if today.Groups[0].ReceiptNumber != done.Sale.ReceiptNumber {
		t.Fatalf("expected receipt label, got %q", today.Groups[0].ReceiptNumber)
	}

	if _, err := svc.ReturnQueue(ctx, "archived"); !errors.Is(err, ErrGuard) {
		t.Fatalf("expected unknown tab to be refused, got %v", err)
	}
}

func TestAuditLogRecordsLifecycleActions(t *testing.T) {
	svc, _ := newTestService()
	detail := recordTwoItemSale(t, svc)

	logs, err := svc.ListAuditLogs(context.Background(), "", "", 10)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "record_sale" && entry.EntityID == detail.Sale.ID && entry.ActorUsername == "cashier" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a record_sale audit entry, got %+v", logs)
	}
}

// staleCouponReads answers the first active-coupon read with a printed and
// received copy, as if the coupon changed right after it was read.
type staleCouponReads struct {
	store.Repository
	served bool
}

func (r *staleCouponReads) GetActiveCoupon(ctx context.Context, saleID string) (*domain.SaleCoupon, error) {
	coupon, err := r.Repository.GetActiveCoupon(ctx, saleID)
	if err != nil || r.served {
		return coupon, err
	}
	r.served = true
	now := time.Now().UTC()
	stale := *coupon
	stale.PrintedAt = &now
	stale.ReceivedAt = &now
	return &stale, nil
}

func TestStartPickingRechecksCouponAtWrite(t *testing.T) {
	repo := memory.NewSeeded()
	healthy := New(repo, Options{CallTimeout: time.Second})
	stale := New(&staleCouponReads{Repository: repo}, Options{CallTimeout: time.Second})
	detail := recordTwoItemSale(t, healthy)

	_, err := stale.StartPicking(context.Background(), detail.Sale.ID, warehouse)
	if !errors.Is(err, ErrGuard) {
		t.Fatalf("expected guard error when the coupon is not ready at write time, got %v", err)
	}
	if status := saleStatus(t, healthy, detail.Sale.ID); status != domain.SaleStatusPending {
		t.Fatalf("expected sale to stay pending, got %s", status)
	}
}

func TestReissueRefusedAfterWarehouseReceipt(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)
	readyForPicking(t, svc, detail)

	if _, err := svc.ReissueCoupon(ctx, detail.Sale.ID, admin); !errors.Is(err, ErrGuard) {
		t.Fatalf("expected guard error for reissue after receipt, got %v", err)
	}
	current, err := svc.GetSaleDetail(ctx, detail.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if current.Coupon == nil || current.Coupon.ID != detail.Coupon.ID {
		t.Fatalf("expected received coupon to stay active, got %+v", current.Coupon)
	}

	result, err := svc.StartPicking(ctx, detail.Sale.ID, warehouse)
	if err != nil || result.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected picking to start, got %+v err=%v", result, err)
	}
}

// unreachableApprovals fails every approval write.
type unreachableApprovals struct {
	store.Repository
}

func (unreachableApprovals) ApproveReturn(context.Context, string, string, time.Time) (bool, error) {
	return false, store.ErrUnavailable
}

func TestApproveGroupReportsTransportErrorWhenNothingApproved(t *testing.T) {
	repo := memory.NewSeeded()
	healthy := New(repo, Options{CallTimeout: time.Second})
	flaky := New(unreachableApprovals{Repository: repo}, Options{CallTimeout: time.Second})
	ctx := context.Background()

	detail := recordTwoItemSale(t, healthy)
	if _, err := healthy.InitiateFullReturn(ctx, detail.Sale.ID, "faulty", cashier); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	_, err := flaky.ApproveGroup(ctx, detail.Sale.ID, nil, approver)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	current, err := healthy.GetSaleDetail(ctx, detail.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	for _, row := range current.Returns {
		if row.Status != domain.ReturnStatusPending {
			t.Fatalf("expected rows to stay pending, got %+v", row)
		}
	}
}

// returnedMidPick marks the sale returned right after the item write lands.
type returnedMidPick struct {
	store.Repository
}

func (r returnedMidPick) SetItemPicked(ctx context.Context, itemID string, picked bool, by string, at time.Time) (*domain.SaleItem, error) {
	item, err := r.Repository.SetItemPicked(ctx, itemID, picked, by, at)
	if err != nil {
		return nil, err
	}
	if _, err := r.Repository.TransitionSaleStatus(ctx, item.SaleID, []domain.SaleStatus{domain.SaleStatusPicking}, domain.SaleStatusReturned); err != nil {
		return nil, err
	}
	return item, nil
}

func TestLastPickWarnsWhenSaleCannotComplete(t *testing.T) {
	repo := memory.NewSeeded()
	healthy := New(repo, Options{CallTimeout: time.Second})
	racing := New(returnedMidPick{Repository: repo}, Options{CallTimeout: time.Second})
	ctx := context.Background()

	detail := recordTwoItemSale(t, healthy)
	readyForPicking(t, healthy, detail)
	if _, err := healthy.StartPicking(ctx, detail.Sale.ID, warehouse); err != nil {
		t.Fatalf("start picking: %v", err)
	}
	if _, err := healthy.SetPicked(ctx, detail.Items[0].ID, true, warehouse); err != nil {
		t.Fatalf("first pick: %v", err)
	}

	result, err := racing.SetPicked(ctx, detail.Items[1].ID, true, warehouse)
	if err != nil {
		t.Fatalf("the item write must not fail on completion: %v", err)
	}
	if !result.Item.Picked || !result.AllPicked {
		t.Fatalf("expected the item to be picked, got %+v", result)
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a completion warning")
	}
	if result.Completion == nil || result.Completion.Outcome != domain.OutcomeLostRace {
		t.Fatalf("expected lost race on completion, got %+v", result.Completion)
	}

	current, err := healthy.GetSaleDetail(ctx, detail.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if current.Sale.Status != domain.SaleStatusReturned {
		t.Fatalf("expected sale to stay returned, got %s", current.Sale.Status)
	}
	for _, item := range current.Items {
		if !item.Picked {
			t.Fatalf("expected item %s to stay picked", item.ID)
		}
	}
}

func TestUnpickClearsPickedFields(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	detail := recordTwoItemSale(t, svc)
	readyForPicking(t, svc, detail)
	if _, err := svc.StartPicking(ctx, detail.Sale.ID, warehouse); err != nil {
		t.Fatalf("start picking: %v", err)
	}

	picked, err := svc.SetPicked(ctx, detail.Items[0].ID, true, warehouse)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if picked.Item.PickedBy == nil || *picked.Item.PickedBy != warehouse.Username || picked.Item.PickedAt == nil {
		t.Fatalf("expected picker fields to be set, got %+v", picked.Item)
	}

	unpicked, err := svc.SetPicked(ctx, detail.Items[0].ID, false, warehouse)
	if err != nil {
		t.Fatalf("unpick: %v", err)
	}
	if unpicked.Item.Picked || unpicked.Item.PickedBy != nil || unpicked.Item.PickedAt != nil {
		t.Fatalf("expected picker fields to clear, got %+v", unpicked.Item)
	}
	if unpicked.AllPicked || unpicked.Completion != nil {
		t.Fatalf("unpicking must not complete the sale, got %+v", unpicked)
	}
	if status := saleStatus(t, svc, detail.Sale.ID); status != domain.SaleStatusPicking {
		t.Fatalf("expected picking, got %s", status)
	}
}

// collidingCreates refuses the first sale insert as a duplicate.
type collidingCreates struct {
	store.Repository
	receipts []string
}

func (r *collidingCreates) CreateSale(ctx context.Context, sale domain.Sale, items []domain.SaleItem, coupon domain.SaleCoupon) error {
	r.receipts = append(r.receipts, sale.ReceiptNumber)
	if len(r.receipts) == 1 {
		return store.ErrConflict
	}
	return r.Repository.CreateSale(ctx, sale, items, coupon)
}

func TestRecordSaleRetriesReceiptCollisionOnce(t *testing.T) {
	repo := &collidingCreates{Repository: memory.NewSeeded()}
	svc := New(repo, Options{CallTimeout: time.Second})

	detail := recordTwoItemSale(t, svc)
	if len(repo.receipts) != 2 {
		t.Fatalf("expected one retry, got %d attempts", len(repo.receipts))
	}
	if repo.receipts[0] == repo.receipts[1] {
		t.Fatalf("expected a fresh receipt number on retry")
	}
	if detail.Sale.ReceiptNumber != repo.receipts[1] {
		t.Fatalf("expected the stored receipt %s, got %s", repo.receipts[1], detail.Sale.ReceiptNumber)
	}
	for _, item := range detail.Items {
		if item.SaleID != detail.Sale.ID {
			t.Fatalf("expected items to follow the new sale id, got %+v", item)
		}
	}
	if detail.Coupon.SaleID != detail.Sale.ID {
		t.Fatalf("expected coupon to follow the new sale id")
	}
	if _, err := svc.GetSaleDetail(context.Background(), detail.Sale.ID); err != nil {
		t.Fatalf("expected the retried sale to be stored: %v", err)
	}
}

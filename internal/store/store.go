package store

import (
	"context"
	"errors"
	"time"

	"retailops/backend/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrConflict       = errors.New("conflicting record")
	ErrNoActiveCoupon = errors.New("sale has no active coupon")
	// ErrDuplicateReturn is returned when a sale item already has a pending or
	// approved return row.
	ErrDuplicateReturn = errors.New("open return already exists for sale item")
	// ErrConditionFailed is returned when a conditional write found its
	// precondition false at commit time.
	ErrConditionFailed = errors.New("condition failed")
	// ErrUnavailable marks connectivity and timeout failures. The write may or
	// may not have been applied.
	ErrUnavailable = errors.New("store unavailable")
)

type ReturnFilter struct {
	SaleID       string
	SaleIDs      []string
	Statuses     []domain.ReturnStatus
	ApprovedFrom *time.Time
	ApprovedTo   *time.Time
	Limit        int
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)

	// CreateSale inserts the sale, its items and its first active coupon atomically.
	CreateSale(ctx context.Context, sale domain.Sale, items []domain.SaleItem, coupon domain.SaleCoupon) error
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetSaleByReceipt(ctx context.Context, receiptNumber string) (*domain.Sale, error)
	GetSalesByIDs(ctx context.Context, ids []string) (map[string]domain.Sale, error)
	// TransitionSaleStatus sets status=to only where the current status is in
	// from. A move to picking also requires a printed and received active
	// coupon. It reports whether a row was updated.
	TransitionSaleStatus(ctx context.Context, id string, from []domain.SaleStatus, to domain.SaleStatus) (bool, error)
	// ListSalesAwaitingReturn lists sales that have approved returns, no
	// pending returns and a status other than returned.
	ListSalesAwaitingReturn(ctx context.Context, limit int) ([]string, error)

	ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error)
	GetSaleItem(ctx context.Context, id string) (*domain.SaleItem, error)
	GetSaleItemsByIDs(ctx context.Context, ids []string) (map[string]domain.SaleItem, error)
	// SetItemPicked writes one item while the owning sale is in picking.
	// It returns ErrConditionFailed otherwise.
	SetItemPicked(ctx context.Context, itemID string, picked bool, by string, at time.Time) (*domain.SaleItem, error)

	GetCoupon(ctx context.Context, id string) (*domain.SaleCoupon, error)
	GetActiveCoupon(ctx context.Context, saleID string) (*domain.SaleCoupon, error)
	ListActiveCoupons(ctx context.Context, limit int) ([]domain.SaleCoupon, error)
	// IssueCoupon inserts an active coupon; ErrConflict when one already exists.
	IssueCoupon(ctx context.Context, coupon domain.SaleCoupon) (*domain.SaleCoupon, error)
	// ReissueCoupon revokes the active coupon and inserts the replacement in
	// one step, only while the sale is pending and the active coupon has not
	// been received. ErrConditionFailed otherwise.
	ReissueCoupon(ctx context.Context, saleID string, replacement domain.SaleCoupon, at time.Time) (*domain.SaleCoupon, error)
	MarkCouponPrinted(ctx context.Context, couponID string, by string, at time.Time) (*domain.SaleCoupon, error)
	// ReceiveCouponByReceiptNumber stamps received_at on the active coupon
	// of the sale if it is unset. The bool reports an earlier receipt.
	ReceiveCouponByReceiptNumber(ctx context.Context, receiptNumber string, by string, at time.Time) (*domain.SaleCoupon, bool, error)

	ListReturnsForSale(ctx context.Context, saleID string) ([]domain.Return, error)
	ListReturns(ctx context.Context, filter ReturnFilter) ([]domain.Return, error)
	// CreateReturns inserts every row or none. ErrDuplicateReturn when any
	// item already has an open return.
	CreateReturns(ctx context.Context, returns []domain.Return) error
	// ApproveReturn moves one pending row to approved. It reports false when
	// the row was no longer pending.
	ApproveReturn(ctx context.Context, returnID string, by string, at time.Time) (bool, error)
	// RejectReturns rejects the still-pending rows among ids for the sale and
	// returns the ids it changed.
	RejectReturns(ctx context.Context, saleID string, ids []string, by string, at time.Time) ([]string, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

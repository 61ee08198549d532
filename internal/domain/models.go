package domain

import "time"

const (
	RoleAdmin     = "admin"
	RoleCashier   = "cashier"
	RoleWarehouse = "warehouse"
	RoleApprover  = "approver"
	RoleSystem    = "system"
)

type Product struct {
	ID         string `json:"id" db:"id"`
	SKU        string `json:"sku" db:"sku"`
	Name       string `json:"name" db:"name"`
	PriceCents int64  `json:"price_cents" db:"price_cents"`
	Active     bool   `json:"active" db:"active"`
}

type Sale struct {
	ID              string     `json:"id" db:"id"`
	ReceiptNumber   string     `json:"receipt_number" db:"receipt_number"`
	BranchID        string     `json:"branch_id" db:"branch_id"`
	CashierUsername string     `json:"cashier_username" db:"cashier_username"`
	Status          SaleStatus `json:"status" db:"status"`
	TotalCents      int64      `json:"total_cents" db:"total_cents"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// SaleItem is one line of a sale. Picked, PickedBy and PickedAt always move together.
type SaleItem struct {
	ID             string     `json:"id" db:"id"`
	SaleID         string     `json:"sale_id" db:"sale_id"`
	ProductID      string     `json:"product_id" db:"product_id"`
	Qty            int        `json:"qty" db:"qty"`
	UnitPriceCents int64      `json:"unit_price_cents" db:"unit_price_cents"`
	Picked         bool       `json:"picked" db:"picked"`
	PickedBy       *string    `json:"picked_by,omitempty" db:"picked_by"`
	PickedAt       *time.Time `json:"picked_at,omitempty" db:"picked_at"`
}

// SaleCoupon is the pickup authorization for a sale. A sale has at most one
// coupon with RevokedAt unset.
type SaleCoupon struct {
	ID         string     `json:"id" db:"id"`
	SaleID     string     `json:"sale_id" db:"sale_id"`
	IssuedAt   time.Time  `json:"issued_at" db:"issued_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	PrintedAt  *time.Time `json:"printed_at,omitempty" db:"printed_at"`
	PrintedBy  *string    `json:"printed_by,omitempty" db:"printed_by"`
	PrintCount int        `json:"print_count" db:"print_count"`
	ReceivedAt *time.Time `json:"received_at,omitempty" db:"received_at"`
	ReceivedBy *string    `json:"received_by,omitempty" db:"received_by"`
}

func (c SaleCoupon) Active() bool {
	return c.RevokedAt == nil
}

type Return struct {
	ID          string       `json:"id" db:"id"`
	SaleID      string       `json:"sale_id" db:"sale_id"`
	SaleItemID  string       `json:"sale_item_id" db:"sale_item_id"`
	Qty         int          `json:"qty" db:"qty"`
	Reason      string       `json:"reason" db:"reason"`
	InitiatedBy string       `json:"initiated_by" db:"initiated_by"`
	Status      ReturnStatus `json:"status" db:"status"`
	ApprovedBy  *string      `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt  *time.Time   `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id" db:"id"`
	BranchID      string    `json:"branch_id" db:"branch_id"`
	ActorUsername string    `json:"actor_username" db:"actor_username"`
	ActorRole     string    `json:"actor_role" db:"actor_role"`
	Action        string    `json:"action" db:"action"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	Detail        string    `json:"detail" db:"detail"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type RecordSaleLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type RecordSaleRequest struct {
	BranchID string           `json:"branch_id"`
	Items    []RecordSaleLine `json:"items"`
}

type SaleDetail struct {
	Sale    Sale        `json:"sale"`
	Items   []SaleItem  `json:"items"`
	Coupon  *SaleCoupon `json:"coupon,omitempty"`
	Returns []Return    `json:"returns"`
}

type ReceiveCouponRequest struct {
	ReceiptNumber string `json:"receipt_number"`
}

type SetPickedRequest struct {
	Picked bool `json:"picked"`
}

type InitiateReturnRequest struct {
	Reason string `json:"reason"`
}

type ReturnGroupActionRequest struct {
	ReturnIDs []string `json:"return_ids"`
}

type PrintResult struct {
	Coupon   *SaleCoupon `json:"coupon,omitempty"`
	Recorded bool        `json:"recorded"`
	Warning  string      `json:"warning,omitempty"`
}

type ReceiveResult struct {
	Coupon          SaleCoupon `json:"coupon"`
	Sale            Sale       `json:"sale"`
	AlreadyReceived bool       `json:"already_received"`
	PickingEligible bool       `json:"picking_eligible"`
}

type TransitionOutcome string

const (
	OutcomeApplied        TransitionOutcome = "applied"
	OutcomeAlreadyApplied TransitionOutcome = "already_applied"
	OutcomeLostRace       TransitionOutcome = "lost_race"
)

// TransitionResult reports a conditional status write. A lost race is not an error.
type TransitionResult struct {
	SaleID  string            `json:"sale_id"`
	From    []SaleStatus      `json:"from"`
	To      SaleStatus        `json:"to"`
	Current SaleStatus        `json:"current"`
	Outcome TransitionOutcome `json:"outcome"`
	Message string            `json:"message,omitempty"`
}

func (r TransitionResult) Applied() bool {
	return r.Outcome == OutcomeApplied
}

type PickResult struct {
	Item       SaleItem          `json:"item"`
	AllPicked  bool              `json:"all_picked"`
	Completion *TransitionResult `json:"completion,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

type InitiateReturnResult struct {
	Returns []Return `json:"returns"`
}

type ApproveGroupResult struct {
	SaleID         string            `json:"sale_id"`
	Approved       []string          `json:"approved"`
	Skipped        []string          `json:"skipped"`
	Failed         []string          `json:"failed"`
	SaleTransition *TransitionResult `json:"sale_transition,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
}

type RejectGroupResult struct {
	SaleID   string   `json:"sale_id"`
	Rejected []string `json:"rejected"`
	Skipped  []string `json:"skipped"`
}

type ReconcileResult struct {
	Checked    int      `json:"checked"`
	Reconciled []string `json:"reconciled"`
	Warnings   []string `json:"warnings,omitempty"`
}

type CouponQueueEntry struct {
	Coupon SaleCoupon `json:"coupon"`
	Sale   Sale       `json:"sale"`
}

type CouponQueues struct {
	Pending   []CouponQueueEntry `json:"pending"`
	Picking   []CouponQueueEntry `json:"picking"`
	Completed []CouponQueueEntry `json:"completed"`
}

type ReturnGroupLine struct {
	ReturnID    string       `json:"return_id"`
	SaleItemID  string       `json:"sale_item_id"`
	ProductName string       `json:"product_name"`
	SKU         string       `json:"sku"`
	Qty         int          `json:"qty"`
	Status      ReturnStatus `json:"status"`
}

type ReturnGroup struct {
	SaleID        string            `json:"sale_id"`
	ReceiptNumber string            `json:"receipt_number"`
	Status        ReturnGroupStatus `json:"status"`
	InitiatedBy   string            `json:"initiated_by"`
	Reason        string            `json:"reason"`
	CreatedAt     time.Time         `json:"created_at"`
	ApprovedAt    *time.Time        `json:"approved_at,omitempty"`
	Lines         []ReturnGroupLine `json:"lines"`
}

type ReturnQueueTab string

const (
	ReturnTabPending       ReturnQueueTab = "pending"
	ReturnTabApprovedToday ReturnQueueTab = "approved_today"
)

type ReturnQueue struct {
	Tab    ReturnQueueTab `json:"tab"`
	Groups []ReturnGroup  `json:"groups"`
}

package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
	"retailops/backend/internal/xid"
)

// Store keeps every record in process. Each method holds the lock for its
// whole body, which gives the same per-call atomicity the database procedures
// provide.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	sales           map[string]domain.Sale
	saleByReceipt   map[string]string
	items           map[string]domain.SaleItem
	itemsBySale     map[string][]string
	coupons         map[string]domain.SaleCoupon
	couponsBySale   map[string][]string
	returns         map[string]domain.Return
	returnsBySale   map[string][]string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Passwords come from SEED_<ROLE>_PASSWORD and fall back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	accounts := []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"cashier", "SEED_CASHIER_PASSWORD", "cashier123", domain.RoleCashier},
		{"warehouse", "SEED_WAREHOUSE_PASSWORD", "warehouse123", domain.RoleWarehouse},
		{"approver", "SEED_APPROVER_PASSWORD", "approver123", domain.RoleApprover},
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(accounts))
	usingDefaults := false
	for _, u := range accounts {
		password := os.Getenv(u.envKey)
		if password == "" {
			password = u.fallback
			usingDefaults = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			zlog.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	if usingDefaults {
		zlog.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_*_PASSWORD to override")
	}
	return users
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		sales:           make(map[string]domain.Sale),
		saleByReceipt:   make(map[string]string),
		items:           make(map[string]domain.SaleItem),
		itemsBySale:     make(map[string][]string),
		coupons:         make(map[string]domain.SaleCoupon),
		couponsBySale:   make(map[string][]string),
		returns:         make(map[string]domain.Return),
		returnsBySale:   make(map[string][]string),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func NewSeeded() *Store {
	s := New()
	for _, p := range []domain.Product{
		{ID: "prod-rice-5kg", SKU: "SKU-RICE-5KG", Name: "Rice 5kg", PriceCents: 68500, Active: true},
		{ID: "prod-oil-2l", SKU: "SKU-OIL-2L", Name: "Cooking Oil 2L", PriceCents: 36900, Active: true},
		{ID: "prod-sugar-1kg", SKU: "SKU-SUGAR-1KG", Name: "Sugar 1kg", PriceCents: 17400, Active: true},
		{ID: "prod-fan-16", SKU: "SKU-FAN-16", Name: "Standing Fan 16in", PriceCents: 289000, Active: true},
		{ID: "prod-kettle", SKU: "SKU-KETTLE-17", Name: "Electric Kettle 1.7L", PriceCents: 159000, Active: true},
		{ID: "prod-detergent", SKU: "SKU-DETERGENT-1KG", Name: "Detergent 1kg", PriceCents: 24500, Active: true},
	} {
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

// PutProduct registers a product. Used by seeding and tests.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, items []domain.SaleItem, coupon domain.SaleCoupon) error {
	if sale.ID == "" || sale.ReceiptNumber == "" || len(items) == 0 || coupon.ID == "" {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	if _, exists := s.saleByReceipt[sale.ReceiptNumber]; exists {
		return store.ErrConflict
	}

	s.sales[sale.ID] = sale
	s.saleByReceipt[sale.ReceiptNumber] = sale.ID
	for _, item := range items {
		item.SaleID = sale.ID
		s.items[item.ID] = cloneItem(item)
		s.itemsBySale[sale.ID] = append(s.itemsBySale[sale.ID], item.ID)
	}
	coupon.SaleID = sale.ID
	coupon.RevokedAt = nil
	s.coupons[coupon.ID] = cloneCoupon(coupon)
	s.couponsBySale[sale.ID] = append(s.couponsBySale[sale.ID], coupon.ID)
	return nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) GetSaleByReceipt(_ context.Context, receiptNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.saleByReceipt[strings.TrimSpace(receiptNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := s.sales[id]
	return &sale, nil
}

func (s *Store) GetSalesByIDs(_ context.Context, ids []string) (map[string]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Sale, len(ids))
	for _, id := range ids {
		if sale, ok := s.sales[id]; ok {
			result[id] = sale
		}
	}
	return result, nil
}

func (s *Store) TransitionSaleStatus(_ context.Context, id string, from []domain.SaleStatus, to domain.SaleStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return false, nil
	}
	if !slices.Contains(from, sale.Status) {
		return false, nil
	}
	if to == domain.SaleStatusPicking {
		coupon, exists := s.activeCouponLocked(id)
		if !exists || coupon.PrintedAt == nil || coupon.ReceivedAt == nil {
			return false, nil
		}
	}
	sale.Status = to
	sale.UpdatedAt = time.Now().UTC()
	s.sales[id] = sale
	return true, nil
}

func (s *Store) ListSalesAwaitingReturn(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0, 8)
	for saleID, returnIDs := range s.returnsBySale {
		sale, ok := s.sales[saleID]
		if !ok || sale.Status == domain.SaleStatusReturned {
			continue
		}
		var approved, pending int
		for _, returnID := range returnIDs {
			switch s.returns[returnID].Status {
			case domain.ReturnStatusApproved:
				approved++
			case domain.ReturnStatusPending:
				pending++
			}
		}
		if approved > 0 && pending == 0 {
			result = append(result, saleID)
		}
	}
	slices.Sort(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListSaleItems(_ context.Context, saleID string) ([]domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.itemsBySale[saleID]
	items := make([]domain.SaleItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, cloneItem(s.items[id]))
	}
	return items, nil
}

func (s *Store) GetSaleItem(_ context.Context, id string) (*domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneItem(item)
	return &clone, nil
}

func (s *Store) GetSaleItemsByIDs(_ context.Context, ids []string) (map[string]domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.SaleItem, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			result[id] = cloneItem(item)
		}
	}
	return result, nil
}

func (s *Store) SetItemPicked(_ context.Context, itemID string, picked bool, by string, at time.Time) (*domain.SaleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale, ok := s.sales[item.SaleID]; !ok || sale.Status != domain.SaleStatusPicking {
		return nil, store.ErrConditionFailed
	}

	item.Picked = picked
	if picked {
		pickedBy := by
		pickedAt := at
		item.PickedBy = &pickedBy
		item.PickedAt = &pickedAt
	} else {
		item.PickedBy = nil
		item.PickedAt = nil
	}
	s.items[itemID] = item
	clone := cloneItem(item)
	return &clone, nil
}

func (s *Store) GetCoupon(_ context.Context, id string) (*domain.SaleCoupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, ok := s.coupons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneCoupon(coupon)
	return &clone, nil
}

func (s *Store) GetActiveCoupon(_ context.Context, saleID string) (*domain.SaleCoupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, ok := s.activeCouponLocked(saleID)
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneCoupon(coupon)
	return &clone, nil
}

func (s *Store) ListActiveCoupons(_ context.Context, limit int) ([]domain.SaleCoupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleCoupon, 0, len(s.coupons))
	for _, coupon := range s.coupons {
		if coupon.Active() {
			result = append(result, cloneCoupon(coupon))
		}
	}
	slices.SortFunc(result, func(a, b domain.SaleCoupon) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) IssueCoupon(_ context.Context, coupon domain.SaleCoupon) (*domain.SaleCoupon, error) {
	if coupon.ID == "" || coupon.SaleID == "" {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[coupon.SaleID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.activeCouponLocked(coupon.SaleID); exists {
		return nil, store.ErrConflict
	}
	coupon.RevokedAt = nil
	s.coupons[coupon.ID] = cloneCoupon(coupon)
	s.couponsBySale[coupon.SaleID] = append(s.couponsBySale[coupon.SaleID], coupon.ID)
	clone := cloneCoupon(coupon)
	return &clone, nil
}

func (s *Store) ReissueCoupon(_ context.Context, saleID string, replacement domain.SaleCoupon, at time.Time) (*domain.SaleCoupon, error) {
	if replacement.ID == "" {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusPending {
		return nil, store.ErrConditionFailed
	}
	current, exists := s.activeCouponLocked(saleID)
	if exists && current.ReceivedAt != nil {
		return nil, store.ErrConditionFailed
	}
	if exists {
		revokedAt := at
		current.RevokedAt = &revokedAt
		s.coupons[current.ID] = current
	}

	replacement.SaleID = saleID
	replacement.RevokedAt = nil
	s.coupons[replacement.ID] = cloneCoupon(replacement)
	s.couponsBySale[saleID] = append(s.couponsBySale[saleID], replacement.ID)
	clone := cloneCoupon(replacement)
	return &clone, nil
}

func (s *Store) MarkCouponPrinted(_ context.Context, couponID string, by string, at time.Time) (*domain.SaleCoupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupon, ok := s.coupons[couponID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !coupon.Active() {
		return nil, store.ErrConditionFailed
	}
	printedBy := by
	printedAt := at
	coupon.PrintedBy = &printedBy
	coupon.PrintedAt = &printedAt
	coupon.PrintCount++
	s.coupons[couponID] = coupon
	clone := cloneCoupon(coupon)
	return &clone, nil
}

func (s *Store) ReceiveCouponByReceiptNumber(_ context.Context, receiptNumber string, by string, at time.Time) (*domain.SaleCoupon, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saleID, ok := s.saleByReceipt[strings.TrimSpace(receiptNumber)]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	coupon, ok := s.activeCouponLocked(saleID)
	if !ok {
		return nil, false, store.ErrNoActiveCoupon
	}
	if coupon.ReceivedAt != nil {
		clone := cloneCoupon(coupon)
		return &clone, true, nil
	}
	receivedBy := by
	receivedAt := at
	coupon.ReceivedBy = &receivedBy
	coupon.ReceivedAt = &receivedAt
	s.coupons[coupon.ID] = coupon
	clone := cloneCoupon(coupon)
	return &clone, false, nil
}

func (s *Store) ListReturnsForSale(_ context.Context, saleID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.returnsBySale[saleID]
	result := make([]domain.Return, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneReturn(s.returns[id]))
	}
	return result, nil
}

func (s *Store) ListReturns(_ context.Context, filter store.ReturnFilter) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Return, 0, 32)
	for _, ret := range s.returns {
		if filter.SaleID != "" && ret.SaleID != filter.SaleID {
			continue
		}
		if len(filter.SaleIDs) > 0 && !slices.Contains(filter.SaleIDs, ret.SaleID) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, ret.Status) {
			continue
		}
		if filter.ApprovedFrom != nil && (ret.ApprovedAt == nil || ret.ApprovedAt.Before(*filter.ApprovedFrom)) {
			continue
		}
		if filter.ApprovedTo != nil && (ret.ApprovedAt == nil || !ret.ApprovedAt.Before(*filter.ApprovedTo)) {
			continue
		}
		result = append(result, cloneReturn(ret))
	}
	slices.SortFunc(result, func(a, b domain.Return) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) CreateReturns(_ context.Context, returns []domain.Return) error {
	if len(returns) == 0 {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(returns))
	for _, ret := range returns {
		if ret.ID == "" || ret.SaleItemID == "" {
			return store.ErrInvalidRecord
		}
		item, ok := s.items[ret.SaleItemID]
		if !ok || item.SaleID != ret.SaleID {
			return store.ErrNotFound
		}
		if _, dup := batch[ret.SaleItemID]; dup {
			return store.ErrDuplicateReturn
		}
		batch[ret.SaleItemID] = struct{}{}
		if s.hasOpenReturnLocked(ret.SaleItemID) {
			return store.ErrDuplicateReturn
		}
	}

	for _, ret := range returns {
		s.returns[ret.ID] = cloneReturn(ret)
		s.returnsBySale[ret.SaleID] = append(s.returnsBySale[ret.SaleID], ret.ID)
	}
	return nil
}

func (s *Store) ApproveReturn(_ context.Context, returnID string, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returns[returnID]
	if !ok {
		return false, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusPending {
		return false, nil
	}
	approvedBy := by
	approvedAt := at
	ret.Status = domain.ReturnStatusApproved
	ret.ApprovedBy = &approvedBy
	ret.ApprovedAt = &approvedAt
	s.returns[returnID] = ret
	return true, nil
}

func (s *Store) RejectReturns(_ context.Context, saleID string, ids []string, by string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rejected := make([]string, 0, len(ids))
	for _, id := range ids {
		ret, ok := s.returns[id]
		if !ok || ret.SaleID != saleID || ret.Status != domain.ReturnStatusPending {
			continue
		}
		rejectedBy := by
		rejectedAt := at
		ret.Status = domain.ReturnStatusRejected
		ret.ApprovedBy = &rejectedBy
		ret.ApprovedAt = &rejectedAt
		s.returns[id] = ret
		rejected = append(rejected, id)
	}
	return rejected, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) activeCouponLocked(saleID string) (domain.SaleCoupon, bool) {
	for _, id := range s.couponsBySale[saleID] {
		if coupon := s.coupons[id]; coupon.Active() {
			return coupon, true
		}
	}
	return domain.SaleCoupon{}, false
}

func (s *Store) hasOpenReturnLocked(saleItemID string) bool {
	for _, ret := range s.returns {
		if ret.SaleItemID == saleItemID && ret.Status.IsOpen() {
			return true
		}
	}
	return false
}

func cloneItem(src domain.SaleItem) domain.SaleItem {
	dst := src
	dst.PickedBy = cloneString(src.PickedBy)
	dst.PickedAt = cloneTime(src.PickedAt)
	return dst
}

func cloneCoupon(src domain.SaleCoupon) domain.SaleCoupon {
	dst := src
	dst.RevokedAt = cloneTime(src.RevokedAt)
	dst.PrintedAt = cloneTime(src.PrintedAt)
	dst.PrintedBy = cloneString(src.PrintedBy)
	dst.ReceivedAt = cloneTime(src.ReceivedAt)
	dst.ReceivedBy = cloneString(src.ReceivedBy)
	return dst
}

func cloneReturn(src domain.Return) domain.Return {
	dst := src
	dst.ApprovedBy = cloneString(src.ApprovedBy)
	dst.ApprovedAt = cloneTime(src.ApprovedAt)
	return dst
}

func cloneString(src *string) *string {
	if src == nil {
		return nil
	}
	v := *src
	return &v
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	v := *src
	return &v
}

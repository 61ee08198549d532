package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(wrapErr(err), "ping postgres")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return wrapErr(s.db.PingContext(ctx))
}

const (
	saleColumns   = `id, receipt_number, branch_id, cashier_username, status, total_cents, created_at, updated_at`
	itemColumns   = `id, sale_id, product_id, qty, unit_price_cents, picked, picked_by, picked_at`
	couponColumns = `id, sale_id, issued_at, revoked_at, printed_at, printed_by, print_count, received_at, received_by`
)

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	err := s.db.SelectContext(ctx, &products, `
		SELECT id, sku, name, price_cents, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, errors.Wrap(wrapErr(err), "list products")
	}
	return products, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var products []domain.Product
	if err := s.selectIn(ctx, &products, `
		SELECT id, sku, name, price_cents, active
		FROM products
		WHERE id IN (?)
	`, ids); err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, items []domain.SaleItem, coupon domain.SaleCoupon) error {
	if sale.ID == "" || sale.ReceiptNumber == "" || len(items) == 0 || coupon.ID == "" {
		return store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, sale.ReceiptNumber, sale.BranchID, sale.CashierUsername, sale.Status, sale.TotalCents, sale.CreatedAt, sale.UpdatedAt); err != nil {
		if isCode(err, codeUniqueViolation) {
			return store.ErrConflict
		}
		return errors.Wrap(wrapErr(err), "insert sale")
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, item.ID, sale.ID, item.ProductID, item.Qty, item.UnitPriceCents); err != nil {
			if isCode(err, codeForeignKeyAbsent) {
				return store.ErrInvalidRecord
			}
			return errors.Wrap(wrapErr(err), "insert sale item")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sale_coupons (id, sale_id, issued_at)
		VALUES ($1,$2,$3)
	`, coupon.ID, sale.ID, coupon.IssuedAt); err != nil {
		return errors.Wrap(wrapErr(err), "insert coupon")
	}

	return wrapErr(tx.Commit())
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.GetContext(ctx, &sale, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "get sale")
	}
	return &sale, nil
}

func (s *Store) GetSaleByReceipt(ctx context.Context, receiptNumber string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.GetContext(ctx, &sale, `SELECT `+saleColumns+` FROM sales WHERE receipt_number = $1`, receiptNumber)
	if err != nil {
		return nil, notFound(err, "get sale by receipt")
	}
	return &sale, nil
}

func (s *Store) GetSalesByIDs(ctx context.Context, ids []string) (map[string]domain.Sale, error) {
	result := make(map[string]domain.Sale, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var sales []domain.Sale
	if err := s.selectIn(ctx, &sales, `SELECT `+saleColumns+` FROM sales WHERE id IN (?)`, ids); err != nil {
		return nil, errors.Wrap(err, "get sales")
	}
	for _, sale := range sales {
		result[sale.ID] = sale
	}
	return result, nil
}

func (s *Store) TransitionSaleStatus(ctx context.Context, id string, from []domain.SaleStatus, to domain.SaleStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	sources := make([]string, 0, len(from))
	for _, status := range from {
		sources = append(sources, status.String())
	}

	query := `
		UPDATE sales
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`
	if to == domain.SaleStatusPicking {
		query += pickingCouponGate
	}
	res, err := s.db.ExecContext(ctx, query, id, to.String(), sources)
	if err != nil {
		return false, errors.Wrap(wrapErr(err), "transition sale")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(err)
	}
	return affected == 1, nil
}

func (s *Store) ListSalesAwaitingReturn(ctx context.Context, limit int) ([]string, error) {
	if limit < 1 {
		limit = 100
	}
	ids := make([]string, 0, 8)
	err := s.db.SelectContext(ctx, &ids, `
		SELECT s.id
		FROM sales s
		WHERE s.status <> 'returned'
			AND EXISTS (SELECT 1 FROM returns r WHERE r.sale_id = s.id AND r.status = 'approved')
			AND NOT EXISTS (SELECT 1 FROM returns r WHERE r.sale_id = s.id AND r.status = 'pending')
		ORDER BY s.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(wrapErr(err), "list sales awaiting return")
	}
	return ids, nil
}

func (s *Store) ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	items := make([]domain.SaleItem, 0, 8)
	err := s.db.SelectContext(ctx, &items, `
		SELECT `+itemColumns+`
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, errors.Wrap(wrapErr(err), "list sale items")
	}
	return items, nil
}

func (s *Store) GetSaleItem(ctx context.Context, id string) (*domain.SaleItem, error) {
	var item domain.SaleItem
	err := s.db.GetContext(ctx, &item, `SELECT `+itemColumns+` FROM sale_items WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "get sale item")
	}
	return &item, nil
}

func (s *Store) GetSaleItemsByIDs(ctx context.Context, ids []string) (map[string]domain.SaleItem, error) {
	result := make(map[string]domain.SaleItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var items []domain.SaleItem
	if err := s.selectIn(ctx, &items, `SELECT `+itemColumns+` FROM sale_items WHERE id IN (?)`, ids); err != nil {
		return nil, errors.Wrap(err, "get sale items")
	}
	for _, item := range items {
		result[item.ID] = item
	}
	return result, nil
}

// SetItemPicked writes the pick flag only while the owning sale is picking.
func (s *Store) SetItemPicked(ctx context.Context, itemID string, picked bool, by string, at time.Time) (*domain.SaleItem, error) {
	var item domain.SaleItem
	err := s.db.GetContext(ctx, &item, `
		UPDATE sale_items i
		SET picked = $2::boolean,
			picked_by = CASE WHEN $2::boolean THEN $3::text ELSE NULL END,
			picked_at = CASE WHEN $2::boolean THEN $4::timestamptz ELSE NULL END
		FROM sales s
		WHERE i.id = $1 AND s.id = i.sale_id AND s.status = 'picking'
		RETURNING i.id, i.sale_id, i.product_id, i.qty, i.unit_price_cents, i.picked, i.picked_by, i.picked_at
	`, itemID, picked, by, at)
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(wrapErr(err), "set item picked")
	}

	if _, err := s.GetSaleItem(ctx, itemID); err != nil {
		return nil, err
	}
	return nil, store.ErrConditionFailed
}

func (s *Store) GetCoupon(ctx context.Context, id string) (*domain.SaleCoupon, error) {
	var coupon domain.SaleCoupon
	err := s.db.GetContext(ctx, &coupon, `SELECT `+couponColumns+` FROM sale_coupons WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "get coupon")
	}
	return &coupon, nil
}

func (s *Store) GetActiveCoupon(ctx context.Context, saleID string) (*domain.SaleCoupon, error) {
	var coupon domain.SaleCoupon
	err := s.db.GetContext(ctx, &coupon, `
		SELECT `+couponColumns+`
		FROM sale_coupons
		WHERE sale_id = $1 AND revoked_at IS NULL
	`, saleID)
	if err != nil {
		return nil, notFound(err, "get active coupon")
	}
	return &coupon, nil
}

func (s *Store) ListActiveCoupons(ctx context.Context, limit int) ([]domain.SaleCoupon, error) {
	if limit < 1 {
		limit = 500
	}
	coupons := make([]domain.SaleCoupon, 0, 64)
	err := s.db.SelectContext(ctx, &coupons, `
		SELECT `+couponColumns+`
		FROM sale_coupons
		WHERE revoked_at IS NULL
		ORDER BY issued_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(wrapErr(err), "list active coupons")
	}
	return coupons, nil
}

func (s *Store) IssueCoupon(ctx context.Context, coupon domain.SaleCoupon) (*domain.SaleCoupon, error) {
	if coupon.ID == "" || coupon.SaleID == "" {
		return nil, store.ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sale_coupons (id, sale_id, issued_at)
		VALUES ($1,$2,$3)
	`, coupon.ID, coupon.SaleID, coupon.IssuedAt)
	switch {
	case isCode(err, codeUniqueViolation):
		return nil, store.ErrConflict
	case isCode(err, codeForeignKeyAbsent):
		return nil, store.ErrNotFound
	case err != nil:
		return nil, errors.Wrap(wrapErr(err), "issue coupon")
	}
	return s.GetCoupon(ctx, coupon.ID)
}

func (s *Store) ReissueCoupon(ctx context.Context, saleID string, replacement domain.SaleCoupon, at time.Time) (*domain.SaleCoupon, error) {
	if replacement.ID == "" {
		return nil, store.ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `SELECT reissue_coupon($1, $2, $3)`, saleID, replacement.ID, at)
	switch {
	case isCode(err, codeNoData):
		return nil, store.ErrNotFound
	case isCode(err, codeSaleNotPending), isCode(err, codeCouponReceived):
		return nil, store.ErrConditionFailed
	case err != nil:
		return nil, errors.Wrap(wrapErr(err), "reissue coupon")
	}
	return s.GetCoupon(ctx, replacement.ID)
}

func (s *Store) MarkCouponPrinted(ctx context.Context, couponID string, by string, at time.Time) (*domain.SaleCoupon, error) {
	var coupon domain.SaleCoupon
	err := s.db.GetContext(ctx, &coupon, `
		UPDATE sale_coupons
		SET printed_at = $3, printed_by = $2, print_count = print_count + 1
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+couponColumns, couponID, by, at)
	if err == nil {
		return &coupon, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(wrapErr(err), "mark coupon printed")
	}

	if _, err := s.GetCoupon(ctx, couponID); err != nil {
		return nil, err
	}
	return nil, store.ErrConditionFailed
}

func (s *Store) ReceiveCouponByReceiptNumber(ctx context.Context, receiptNumber string, by string, at time.Time) (*domain.SaleCoupon, bool, error) {
	var row struct {
		CouponID        string `db:"coupon_id"`
		AlreadyReceived bool   `db:"already_received"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT coupon_id, already_received
		FROM receive_coupon_by_receipt_number($1, $2, $3)
	`, receiptNumber, by, at)
	switch {
	case isCode(err, codeNoData):
		return nil, false, store.ErrNotFound
	case isCode(err, codeNoActiveCoupon):
		return nil, false, store.ErrNoActiveCoupon
	case err != nil:
		return nil, false, errors.Wrap(wrapErr(err), "receive coupon")
	}

	coupon, err := s.GetCoupon(ctx, row.CouponID)
	if err != nil {
		return nil, false, err
	}
	return coupon, row.AlreadyReceived, nil
}

// selectIn expands a single IN (?) list and rebinds it for postgres.
func (s *Store) selectIn(ctx context.Context, dest any, query string, ids []string) error {
	query, args, err := sqlx.In(query, ids)
	if err != nil {
		return err
	}
	return wrapErr(s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...))
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return errors.Wrap(wrapErr(err), op)
}

// wrapErr marks connectivity failures with store.ErrUnavailable so callers
// can tell them apart from rejected statements.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &connectErr),
		errors.As(err, &netErr),
		pgconn.SafeToRetry(err):
		return errors.WithMessage(store.ErrUnavailable, err.Error())
	}
	return err
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

package postgres

import (
	"context"

	"github.com/pkg/errors"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		receipt_number TEXT NOT NULL UNIQUE,
		branch_id TEXT NOT NULL,
		cashier_username TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','picking','completed','returned')),
		total_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sales_status_idx ON sales (status)`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		qty INTEGER NOT NULL CHECK (qty > 0),
		unit_price_cents BIGINT NOT NULL,
		picked BOOLEAN NOT NULL DEFAULT FALSE,
		picked_by TEXT,
		picked_at TIMESTAMPTZ,
		CHECK ((picked AND picked_by IS NOT NULL AND picked_at IS NOT NULL)
			OR (NOT picked AND picked_by IS NULL AND picked_at IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS sale_items_sale_idx ON sale_items (sale_id)`,
	`CREATE TABLE IF NOT EXISTS sale_coupons (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		issued_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		printed_at TIMESTAMPTZ,
		printed_by TEXT,
		print_count INTEGER NOT NULL DEFAULT 0,
		received_at TIMESTAMPTZ,
		received_by TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sale_coupons_active_uniq ON sale_coupons (sale_id) WHERE revoked_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS returns (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		sale_item_id TEXT NOT NULL REFERENCES sale_items(id),
		qty INTEGER NOT NULL CHECK (qty > 0),
		reason TEXT NOT NULL,
		initiated_by TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','approved','rejected')),
		approved_by TEXT,
		approved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS returns_sale_idx ON returns (sale_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS returns_open_item_uniq ON returns (sale_item_id) WHERE status IN ('pending','approved')`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_branch_created_idx ON audit_logs (branch_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// P0002 reports a missing row, RT001 a sale without an active coupon and
	// RT002 a sale that is no longer pending.
	`CREATE OR REPLACE FUNCTION receive_coupon_by_receipt_number(p_receipt TEXT, p_by TEXT, p_at TIMESTAMPTZ)
	RETURNS TABLE (coupon_id TEXT, already_received BOOLEAN)
	LANGUAGE plpgsql AS $$
	DECLARE
		v_sale_id TEXT;
		v_coupon sale_coupons%ROWTYPE;
	BEGIN
		SELECT s.id INTO v_sale_id FROM sales s WHERE s.receipt_number = p_receipt;
		IF NOT FOUND THEN
			RAISE EXCEPTION 'sale % not found', p_receipt USING ERRCODE = 'P0002';
		END IF;

		SELECT * INTO v_coupon FROM sale_coupons c
		WHERE c.sale_id = v_sale_id AND c.revoked_at IS NULL
		FOR UPDATE;
		IF NOT FOUND THEN
			RAISE EXCEPTION 'sale % has no active coupon', p_receipt USING ERRCODE = 'RT001';
		END IF;

		IF v_coupon.received_at IS NOT NULL THEN
			RETURN QUERY SELECT v_coupon.id, TRUE;
			RETURN;
		END IF;

		UPDATE sale_coupons c SET received_at = p_at, received_by = p_by WHERE c.id = v_coupon.id;
		RETURN QUERY SELECT v_coupon.id, FALSE;
	END;
	$$`,
	`CREATE OR REPLACE FUNCTION approve_return(p_id TEXT, p_by TEXT, p_at TIMESTAMPTZ)
	RETURNS BOOLEAN
	LANGUAGE plpgsql AS $$
	BEGIN
		UPDATE returns r
		SET status = 'approved', approved_by = p_by, approved_at = p_at
		WHERE r.id = p_id AND r.status = 'pending';
		IF FOUND THEN
			RETURN TRUE;
		END IF;

		PERFORM 1 FROM returns r WHERE r.id = p_id;
		IF NOT FOUND THEN
			RAISE EXCEPTION 'return % not found', p_id USING ERRCODE = 'P0002';
		END IF;
		RETURN FALSE;
	END;
	$$`,
	`CREATE OR REPLACE FUNCTION reissue_coupon(p_sale_id TEXT, p_coupon_id TEXT, p_at TIMESTAMPTZ)
	RETURNS VOID
	LANGUAGE plpgsql AS $$
	DECLARE
		v_status TEXT;
	BEGIN
		SELECT s.status INTO v_status FROM sales s WHERE s.id = p_sale_id FOR UPDATE;
		IF NOT FOUND THEN
			RAISE EXCEPTION 'sale % not found', p_sale_id USING ERRCODE = 'P0002';
		END IF;
		IF v_status <> 'pending' THEN
			RAISE EXCEPTION 'sale % is %', p_sale_id, v_status USING ERRCODE = 'RT002';
		END IF;
		PERFORM 1 FROM sale_coupons c
		WHERE c.sale_id = p_sale_id AND c.revoked_at IS NULL AND c.received_at IS NOT NULL
		FOR UPDATE;
		IF FOUND THEN
			RAISE EXCEPTION 'coupon for sale % already received', p_sale_id USING ERRCODE = 'RT003';
		END IF;

		UPDATE sale_coupons c SET revoked_at = p_at WHERE c.sale_id = p_sale_id AND c.revoked_at IS NULL;
		INSERT INTO sale_coupons (id, sale_id, issued_at) VALUES (p_coupon_id, p_sale_id, p_at);
	END;
	$$`,

	`INSERT INTO products (id, sku, name, price_cents, active) VALUES
		('prod-rice-5kg', 'SKU-RICE-5KG', 'Rice 5kg', 68500, TRUE),
		('prod-oil-2l', 'SKU-OIL-2L', 'Cooking Oil 2L', 36900, TRUE),
		('prod-sugar-1kg', 'SKU-SUGAR-1KG', 'Sugar 1kg', 17400, TRUE),
		('prod-fan-16', 'SKU-FAN-16', 'Standing Fan 16in', 289000, TRUE),
		('prod-kettle', 'SKU-KETTLE-17', 'Electric Kettle 1.7L', 159000, TRUE),
		('prod-detergent', 'SKU-DETERGENT-1KG', 'Detergent 1kg', 24500, TRUE)
	ON CONFLICT (id) DO NOTHING`,
}

// pickingCouponGate keeps pending to picking behind a printed and received
// active coupon in the same statement.
const pickingCouponGate = `
		AND EXISTS (
			SELECT 1 FROM sale_coupons c
			WHERE c.sale_id = sales.id
			  AND c.revoked_at IS NULL
			  AND c.printed_at IS NOT NULL
			  AND c.received_at IS NOT NULL
		)`

const (
	codeNoData           = "P0002"
	codeNoActiveCoupon   = "RT001"
	codeSaleNotPending   = "RT002"
	codeCouponReceived   = "RT003"
	codeUniqueViolation  = "23505"
	codeForeignKeyAbsent = "23503"
)

// Migrate creates the tables, indexes and procedures the store relies on.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(wrapErr(err), "migration step %d", i)
		}
	}
	return nil
}

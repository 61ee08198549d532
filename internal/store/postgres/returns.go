package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
)

const returnColumns = `id, sale_id, sale_item_id, qty, reason, initiated_by, status, approved_by, approved_at, created_at`

func (s *Store) ListReturnsForSale(ctx context.Context, saleID string) ([]domain.Return, error) {
	return s.ListReturns(ctx, store.ReturnFilter{SaleID: saleID})
}

func (s *Store) ListReturns(ctx context.Context, filter store.ReturnFilter) ([]domain.Return, error) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.SaleID != "" {
		conditions = append(conditions, "sale_id = "+arg(filter.SaleID))
	}
	if len(filter.SaleIDs) > 0 {
		conditions = append(conditions, "sale_id = ANY("+arg(filter.SaleIDs)+")")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, status.String())
		}
		conditions = append(conditions, "status = ANY("+arg(statuses)+")")
	}
	if filter.ApprovedFrom != nil {
		conditions = append(conditions, "approved_at >= "+arg(*filter.ApprovedFrom))
	}
	if filter.ApprovedTo != nil {
		conditions = append(conditions, "approved_at < "+arg(*filter.ApprovedTo))
	}

	query := `SELECT ` + returnColumns + ` FROM returns`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows := make([]domain.Return, 0, 16)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(wrapErr(err), "list returns")
	}
	return rows, nil
}

// CreateReturns inserts every row or none. A second open return for an item
// trips returns_open_item_uniq and is reported as ErrDuplicateReturn.
func (s *Store) CreateReturns(ctx context.Context, returns []domain.Return) error {
	if len(returns) == 0 {
		return store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ret := range returns {
		if ret.ID == "" || ret.SaleItemID == "" || ret.Qty < 1 {
			return store.ErrInvalidRecord
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO returns (id, sale_id, sale_item_id, qty, reason, initiated_by, status, created_at)
			SELECT $1, i.sale_id, i.id, $4, $5, $6, $7, $8
			FROM sale_items i
			WHERE i.id = $3 AND i.sale_id = $2
		`, ret.ID, ret.SaleID, ret.SaleItemID, ret.Qty, ret.Reason, ret.InitiatedBy, ret.Status, ret.CreatedAt)
		if err != nil {
			if isCode(err, codeUniqueViolation) {
				return store.ErrDuplicateReturn
			}
			return errors.Wrap(wrapErr(err), "insert return")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapErr(err)
		}
		if affected == 0 {
			return store.ErrNotFound
		}
	}

	return wrapErr(tx.Commit())
}

func (s *Store) ApproveReturn(ctx context.Context, returnID string, by string, at time.Time) (bool, error) {
	var applied bool
	err := s.db.GetContext(ctx, &applied, `SELECT approve_return($1, $2, $3)`, returnID, by, at)
	switch {
	case isCode(err, codeNoData):
		return false, store.ErrNotFound
	case err != nil:
		return false, errors.Wrap(wrapErr(err), "approve return")
	}
	return applied, nil
}

func (s *Store) RejectReturns(ctx context.Context, saleID string, ids []string, by string, at time.Time) ([]string, error) {
	rejected := make([]string, 0, len(ids))
	if len(ids) == 0 {
		return rejected, nil
	}
	err := s.db.SelectContext(ctx, &rejected, `
		UPDATE returns
		SET status = 'rejected', approved_by = $3, approved_at = $4
		WHERE sale_id = $1 AND id = ANY($2) AND status = 'pending'
		RETURNING id
	`, saleID, ids, by, at)
	if err != nil {
		return nil, errors.Wrap(wrapErr(err), "reject returns")
	}
	return rejected, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :branch_id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)
	`, entry)
	if err != nil {
		return errors.Wrap(wrapErr(err), "create audit log")
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, 64)
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::text IS NULL OR branch_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, nullIfEmpty(branchID), from, to, limit)
	if err != nil {
		return nil, errors.Wrap(wrapErr(err), "list audit logs")
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isCode(err, codeUniqueViolation) {
			return store.ErrConflict
		}
		return errors.Wrap(wrapErr(err), "create user")
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	err := s.db.SelectContext(ctx, &users, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, errors.Wrap(wrapErr(err), "list users")
	}
	for i := range users {
		users[i].CreatedAt = users[i].CreatedAt.UTC()
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return errors.Wrap(wrapErr(err), "update user password")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

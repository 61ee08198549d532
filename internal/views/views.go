// Package views builds the read-only queues shown to cashiers, warehouse
// staff and approvers. Every function here is pure; loading is done by the
// service.
package views

import (
	"slices"
	"strings"
	"time"

	"retailops/backend/internal/domain"
)

const (
	UnknownProduct = "(unknown product)"
	UnknownItem    = "(unknown item)"
	UnknownReceipt = "(unknown receipt)"
)

// GroupCouponQueues splits active coupons by the status of the owning sale.
// Revoked coupons, returned sales and coupons whose sale is missing are left out.
func GroupCouponQueues(coupons []domain.SaleCoupon, sales map[string]domain.Sale) domain.CouponQueues {
	queues := domain.CouponQueues{
		Pending:   []domain.CouponQueueEntry{},
		Picking:   []domain.CouponQueueEntry{},
		Completed: []domain.CouponQueueEntry{},
	}
	for _, coupon := range coupons {
		if !coupon.Active() {
			continue
		}
		sale, ok := sales[coupon.SaleID]
		if !ok {
			continue
		}
		entry := domain.CouponQueueEntry{Coupon: coupon, Sale: sale}
		switch sale.Status {
		case domain.SaleStatusPending:
			queues.Pending = append(queues.Pending, entry)
		case domain.SaleStatusPicking:
			queues.Picking = append(queues.Picking, entry)
		case domain.SaleStatusCompleted:
			queues.Completed = append(queues.Completed, entry)
		}
	}
	for _, tab := range [][]domain.CouponQueueEntry{queues.Pending, queues.Picking, queues.Completed} {
		slices.SortFunc(tab, func(a, b domain.CouponQueueEntry) int {
			if c := a.Coupon.IssuedAt.Compare(b.Coupon.IssuedAt); c != 0 {
				return c
			}
			return strings.Compare(a.Coupon.ID, b.Coupon.ID)
		})
	}
	return queues
}

// ReturnLookup holds the related records used to label return lines.
// Missing entries fall back to placeholder labels.
type ReturnLookup struct {
	Sales    map[string]domain.Sale
	Items    map[string]domain.SaleItem
	Products map[string]domain.Product
}

// GroupReturns folds return rows into one group per sale, oldest first.
func GroupReturns(rows []domain.Return, lookup ReturnLookup) []domain.ReturnGroup {
	bySale := make(map[string][]domain.Return, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, seen := bySale[row.SaleID]; !seen {
			order = append(order, row.SaleID)
		}
		bySale[row.SaleID] = append(bySale[row.SaleID], row)
	}

	groups := make([]domain.ReturnGroup, 0, len(order))
	for _, saleID := range order {
		groups = append(groups, buildGroup(saleID, bySale[saleID], lookup))
	}
	slices.SortFunc(groups, func(a, b domain.ReturnGroup) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SaleID, b.SaleID)
	})
	return groups
}

func buildGroup(saleID string, rows []domain.Return, lookup ReturnLookup) domain.ReturnGroup {
	slices.SortFunc(rows, func(a, b domain.Return) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	source := headlineRow(rows)
	group := domain.ReturnGroup{
		SaleID:        saleID,
		ReceiptNumber: UnknownReceipt,
		InitiatedBy:   source.InitiatedBy,
		Reason:        source.Reason,
		CreatedAt:     rows[0].CreatedAt,
		Lines:         make([]domain.ReturnGroupLine, 0, len(rows)),
	}
	if sale, ok := lookup.Sales[saleID]; ok && sale.ReceiptNumber != "" {
		group.ReceiptNumber = sale.ReceiptNumber
	}

	statuses := make([]domain.ReturnStatus, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, row.Status)
		if row.ApprovedAt != nil && row.Status == domain.ReturnStatusApproved {
			if group.ApprovedAt == nil || row.ApprovedAt.After(*group.ApprovedAt) {
				approvedAt := *row.ApprovedAt
				group.ApprovedAt = &approvedAt
			}
		}
		group.Lines = append(group.Lines, buildLine(row, lookup))
	}
	group.Status = domain.SummarizeReturnStatuses(statuses)
	return group
}

// headlineRow picks the row whose initiator and reason describe the group:
// the newest pending row, else the newest row. rows must be sorted oldest
// first.
func headlineRow(rows []domain.Return) domain.Return {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Status == domain.ReturnStatusPending {
			return rows[i]
		}
	}
	return rows[len(rows)-1]
}

func buildLine(row domain.Return, lookup ReturnLookup) domain.ReturnGroupLine {
	line := domain.ReturnGroupLine{
		ReturnID:    row.ID,
		SaleItemID:  row.SaleItemID,
		ProductName: UnknownItem,
		Qty:         row.Qty,
		Status:      row.Status,
	}
	item, ok := lookup.Items[row.SaleItemID]
	if !ok {
		return line
	}
	product, ok := lookup.Products[item.ProductID]
	if !ok || product.Name == "" {
		line.ProductName = UnknownProduct
		return line
	}
	line.ProductName = product.Name
	line.SKU = product.SKU
	return line
}

// FilterReturnTab keeps the groups that belong on the given tab.
// approved_today uses the calendar day of now in loc.
func FilterReturnTab(groups []domain.ReturnGroup, tab domain.ReturnQueueTab, now time.Time, loc *time.Location) []domain.ReturnGroup {
	result := make([]domain.ReturnGroup, 0, len(groups))
	switch tab {
	case domain.ReturnTabPending:
		for _, group := range groups {
			if group.Status == domain.ReturnGroupPending {
				result = append(result, group)
			}
		}
	case domain.ReturnTabApprovedToday:
		from, to := DayBounds(now, loc)
		for _, group := range groups {
			if group.Status != domain.ReturnGroupApproved && group.Status != domain.ReturnGroupMixed {
				continue
			}
			if group.ApprovedAt == nil || group.ApprovedAt.Before(from) || !group.ApprovedAt.Before(to) {
				continue
			}
			result = append(result, group)
		}
	}
	return result
}

// DayBounds returns [start of day, start of next day) for now in loc.
func DayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

// SaleIDsOf returns the distinct sale ids of rows in first-seen order.
func SaleIDsOf(rows []domain.Return) []string {
	seen := make(map[string]struct{}, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.SaleID]; ok {
			continue
		}
		seen[row.SaleID] = struct{}{}
		ids = append(ids, row.SaleID)
	}
	return ids
}

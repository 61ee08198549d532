package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/store"
)

// SetPicked toggles one item of a sale in picking. The item set is re-read
// from the store after the write; when every item is picked the sale is
// completed. A failed completion is reported as a warning and the item write
// stays committed.
func (s *Service) SetPicked(ctx context.Context, itemID string, picked bool, actor domain.Actor) (result domain.PickResult, err error) {
	const op = "set_picked"
	ctx, span := startSpan(ctx, op, attribute.String("item_id", itemID), attribute.Bool("picked", picked))
	defer func() { endSpan(span, err) }()

	if err := requireRole(op, actor, domain.RoleWarehouse); err != nil {
		return domain.PickResult{}, err
	}
	item, err := call(ctx, s, op, func(ctx context.Context) (*domain.SaleItem, error) {
		return s.repo.GetSaleItem(ctx, itemID)
	})
	if err != nil {
		return domain.PickResult{}, err
	}
	sale, err := s.loadSale(ctx, op, item.SaleID)
	if err != nil {
		return domain.PickResult{}, err
	}
	if sale.Status != domain.SaleStatusPicking {
		return domain.PickResult{}, guard(op, "sale is %s, items can only be picked while picking", sale.Status)
	}

	updated, err := call(ctx, s, op, func(ctx context.Context) (*domain.SaleItem, error) {
		return s.repo.SetItemPicked(ctx, itemID, picked, actor.Username, s.now())
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return domain.PickResult{}, guard(op, "sale left picking, refresh and retry")
	}
	if err != nil {
		return domain.PickResult{}, err
	}
	result.Item = *updated

	s.logAudit(ctx, sale.BranchID, actor, op, "sale_item", updated.ID, fmt.Sprintf("sale=%s,picked=%t", sale.ID, picked))
	s.emit(ctx, events.ItemPicked, "sale_item", updated.ID, sale.ID, actor, fmt.Sprintf("picked=%t", picked))

	items, err := call(ctx, s, op, func(ctx context.Context) ([]domain.SaleItem, error) {
		return s.repo.ListSaleItems(ctx, sale.ID)
	})
	if err != nil {
		result.Warnings = append(result.Warnings, s.warn(op, "item saved but completion could not be checked", err))
		return result, nil
	}
	result.AllPicked = allPicked(items)
	if !result.AllPicked {
		return result, nil
	}

	completion, err := s.transition(ctx, "complete_sale", *sale, domain.SaleStatusCompleted, actor)
	if err != nil {
		result.Warnings = append(result.Warnings, s.warn(op, "all items picked but the sale could not be completed", err))
		return result, nil
	}
	result.Completion = &completion
	if completion.Outcome == domain.OutcomeLostRace {
		result.Warnings = append(result.Warnings, s.warn(op, "all items picked but "+completion.Message, nil))
	}
	return result, nil
}

func allPicked(items []domain.SaleItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !item.Picked {
			return false
		}
	}
	return true
}

package service

import (
	"context"

	"retailops/backend/internal/domain"
	"retailops/backend/internal/store"
	"retailops/backend/internal/views"
)

const (
	couponQueueKey   = "views:coupon-queues"
	returnQueueKey   = "views:returns:"
	couponQueueLimit = 500
	returnQueueLimit = 500
)

func (s *Service) viewCacheKeys() []string {
	return []string{
		couponQueueKey,
		s.returnQueueKey(domain.ReturnTabPending),
		s.returnQueueKey(domain.ReturnTabApprovedToday),
	}
}

func (s *Service) returnQueueKey(tab domain.ReturnQueueTab) string {
	if tab == domain.ReturnTabApprovedToday {
		return returnQueueKey + string(tab) + ":" + s.now().In(s.location).Format("2006-01-02")
	}
	return returnQueueKey + string(tab)
}

// CouponQueues lists active coupons grouped by the status of their sale.
func (s *Service) CouponQueues(ctx context.Context) (domain.CouponQueues, error) {
	const op = "coupon_queues"
	var cached domain.CouponQueues
	if s.cachedView(ctx, couponQueueKey, &cached) {
		return cached, nil
	}

	coupons, err := call(ctx, s, op, func(ctx context.Context) ([]domain.SaleCoupon, error) {
		return s.repo.ListActiveCoupons(ctx, couponQueueLimit)
	})
	if err != nil {
		return domain.CouponQueues{}, err
	}
	saleIDs := make([]string, 0, len(coupons))
	for _, coupon := range coupons {
		saleIDs = append(saleIDs, coupon.SaleID)
	}
	sales, err := call(ctx, s, op, func(ctx context.Context) (map[string]domain.Sale, error) {
		return s.repo.GetSalesByIDs(ctx, saleIDs)
	})
	if err != nil {
		return domain.CouponQueues{}, err
	}

	queues := views.GroupCouponQueues(coupons, sales)
	s.storeView(ctx, couponQueueKey, queues)
	return queues, nil
}

// ReturnQueue builds one tab of the approver's queue. Groups are formed from
// every return row of the sales that appear on the tab, so a group's status
// reflects all of its rows.
func (s *Service) ReturnQueue(ctx context.Context, tab domain.ReturnQueueTab) (domain.ReturnQueue, error) {
	const op = "return_queue"
	if tab == "" {
		tab = domain.ReturnTabPending
	}
	if tab != domain.ReturnTabPending && tab != domain.ReturnTabApprovedToday {
		return domain.ReturnQueue{}, guard(op, "unknown tab %q", tab)
	}

	key := s.returnQueueKey(tab)
	var cached domain.ReturnQueue
	if s.cachedView(ctx, key, &cached) {
		return cached, nil
	}

	now := s.now()
	filter := store.ReturnFilter{Limit: returnQueueLimit}
	if tab == domain.ReturnTabPending {
		filter.Statuses = []domain.ReturnStatus{domain.ReturnStatusPending}
	} else {
		from, to := views.DayBounds(now, s.location)
		filter.Statuses = []domain.ReturnStatus{domain.ReturnStatusApproved}
		filter.ApprovedFrom = &from
		filter.ApprovedTo = &to
	}
	seed, err := call(ctx, s, op, func(ctx context.Context) ([]domain.Return, error) {
		return s.repo.ListReturns(ctx, filter)
	})
	if err != nil {
		return domain.ReturnQueue{}, err
	}

	queue := domain.ReturnQueue{Tab: tab, Groups: []domain.ReturnGroup{}}
	saleIDs := views.SaleIDsOf(seed)
	if len(saleIDs) == 0 {
		s.storeView(ctx, key, queue)
		return queue, nil
	}

	rows, err := call(ctx, s, op, func(ctx context.Context) ([]domain.Return, error) {
		return s.repo.ListReturns(ctx, store.ReturnFilter{SaleIDs: saleIDs})
	})
	if err != nil {
		return domain.ReturnQueue{}, err
	}
	lookup, err := s.returnLookup(ctx, op, saleIDs, rows)
	if err != nil {
		return domain.ReturnQueue{}, err
	}

	queue.Groups = views.FilterReturnTab(views.GroupReturns(rows, lookup), tab, now, s.location)
	s.storeView(ctx, key, queue)
	return queue, nil
}

func (s *Service) returnLookup(ctx context.Context, op string, saleIDs []string, rows []domain.Return) (views.ReturnLookup, error) {
	sales, err := call(ctx, s, op, func(ctx context.Context) (map[string]domain.Sale, error) {
		return s.repo.GetSalesByIDs(ctx, saleIDs)
	})
	if err != nil {
		return views.ReturnLookup{}, err
	}

	itemIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		itemIDs = append(itemIDs, row.SaleItemID)
	}
	items, err := call(ctx, s, op, func(ctx context.Context) (map[string]domain.SaleItem, error) {
		return s.repo.GetSaleItemsByIDs(ctx, itemIDs)
	})
	if err != nil {
		return views.ReturnLookup{}, err
	}

	productIDs := make([]string, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := call(ctx, s, op, func(ctx context.Context) (map[string]domain.Product, error) {
		return s.repo.GetProductsByIDs(ctx, productIDs)
	})
	if err != nil {
		return views.ReturnLookup{}, err
	}

	return views.ReturnLookup{Sales: sales, Items: items, Products: products}, nil
}

func (s *Service) cachedView(ctx context.Context, key string, dest any) bool {
	cacheCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	found, err := s.viewCache.Get(cacheCtx, key, dest)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("view cache read failed")
		return false
	}
	return found
}

func (s *Service) storeView(ctx context.Context, key string, value any) {
	cacheCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.viewCache.Set(cacheCtx, key, value, s.viewTTL); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("view cache write failed")
	}
}

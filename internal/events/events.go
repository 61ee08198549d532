// Package events carries change notifications between the service and its
// readers. Notifications only trigger re-aggregation; no correctness depends
// on their delivery.
package events

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	SaleRecorded      Type = "sale.recorded"
	SaleStatusChanged Type = "sale.status_changed"
	CouponIssued      Type = "coupon.issued"
	CouponPrinted     Type = "coupon.printed"
	CouponReceived    Type = "coupon.received"
	CouponReissued    Type = "coupon.reissued"
	ItemPicked        Type = "sale_item.picked"
	ReturnsInitiated  Type = "returns.initiated"
	ReturnsApproved   Type = "returns.approved"
	ReturnsRejected   Type = "returns.rejected"
)

type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	SaleID     string    `json:"sale_id,omitempty"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber delivers events until ctx is cancelled, then closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type Feed interface {
	Publisher
	Subscriber
}

// MultiPublisher sends every event to each publisher and joins the failures.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

package domain

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// SaleStatus is the fulfillment state of a sale.
//
//	pending ──> picking ──> completed
//	   │           │            │
//	   └───────────┴────────────┴──> returned
//
// returned is final.
type SaleStatus int

const (
	SaleStatusUnknown SaleStatus = iota
	SaleStatusPending
	SaleStatusPicking
	SaleStatusCompleted
	SaleStatusReturned
)

var saleStatusNames = map[SaleStatus]string{
	SaleStatusPending:   "pending",
	SaleStatusPicking:   "picking",
	SaleStatusCompleted: "completed",
	SaleStatusReturned:  "returned",
}

// ReturnableSaleStatuses lists the states a sale may be returned from.
var ReturnableSaleStatuses = []SaleStatus{SaleStatusPending, SaleStatusPicking, SaleStatusCompleted}

func ParseSaleStatus(raw string) (SaleStatus, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for status, name := range saleStatusNames {
		if name == value {
			return status, nil
		}
	}
	return SaleStatusUnknown, fmt.Errorf("unknown sale status %q", raw)
}

func (s SaleStatus) String() string {
	if name, ok := saleStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s SaleStatus) Validate() error {
	if _, ok := saleStatusNames[s]; !ok {
		return fmt.Errorf("%d is not a valid sale status", int(s))
	}
	return nil
}

// IsFinal reports whether no further transition is possible.
func (s SaleStatus) IsFinal() bool {
	return s == SaleStatusReturned
}

// CanTransitionTo reports whether the edge s -> to exists in the lifecycle graph.
func (s SaleStatus) CanTransitionTo(to SaleStatus) bool {
	switch to {
	case SaleStatusPicking:
		return s == SaleStatusPending
	case SaleStatusCompleted:
		return s == SaleStatusPicking
	case SaleStatusReturned:
		return s == SaleStatusPending || s == SaleStatusPicking || s == SaleStatusCompleted
	default:
		return false
	}
}

// SourcesFor returns every status that may move to the target status.
func SourcesFor(to SaleStatus) []SaleStatus {
	switch to {
	case SaleStatusPicking:
		return []SaleStatus{SaleStatusPending}
	case SaleStatusCompleted:
		return []SaleStatus{SaleStatusPicking}
	case SaleStatusReturned:
		return append([]SaleStatus(nil), ReturnableSaleStatuses...)
	default:
		return nil
	}
}

func (s SaleStatus) StartPicking() (SaleStatus, error) {
	return s.transition(SaleStatusPicking)
}

func (s SaleStatus) Complete() (SaleStatus, error) {
	return s.transition(SaleStatusCompleted)
}

func (s SaleStatus) Return() (SaleStatus, error) {
	return s.transition(SaleStatusReturned)
}

func (s SaleStatus) transition(to SaleStatus) (SaleStatus, error) {
	if !s.CanTransitionTo(to) {
		return SaleStatusUnknown, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
	}
	return to, nil
}

func (s SaleStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SaleStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSaleStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s SaleStatus) Value() (driver.Value, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s.String(), nil
}

func (s *SaleStatus) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil {
		return err
	}
	return s.UnmarshalText([]byte(raw))
}

// ReturnStatus is the state of a single return row.
type ReturnStatus int

const (
	ReturnStatusUnknown ReturnStatus = iota
	ReturnStatusPending
	ReturnStatusApproved
	ReturnStatusRejected
)

var returnStatusNames = map[ReturnStatus]string{
	ReturnStatusPending:  "pending",
	ReturnStatusApproved: "approved",
	ReturnStatusRejected: "rejected",
}

func ParseReturnStatus(raw string) (ReturnStatus, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for status, name := range returnStatusNames {
		if name == value {
			return status, nil
		}
	}
	return ReturnStatusUnknown, fmt.Errorf("unknown return status %q", raw)
}

func (s ReturnStatus) String() string {
	if name, ok := returnStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsOpen reports whether the row still blocks another return of the same item.
func (s ReturnStatus) IsOpen() bool {
	return s == ReturnStatusPending || s == ReturnStatusApproved
}

func (s ReturnStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ReturnStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseReturnStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s ReturnStatus) Value() (driver.Value, error) {
	if _, ok := returnStatusNames[s]; !ok {
		return nil, fmt.Errorf("%d is not a valid return status", int(s))
	}
	return s.String(), nil
}

func (s *ReturnStatus) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil {
		return err
	}
	return s.UnmarshalText([]byte(raw))
}

// ReturnGroupStatus summarises every return row of one sale.
type ReturnGroupStatus string

const (
	ReturnGroupPending  ReturnGroupStatus = "pending"
	ReturnGroupApproved ReturnGroupStatus = "approved"
	ReturnGroupRejected ReturnGroupStatus = "rejected"
	ReturnGroupMixed    ReturnGroupStatus = "mixed"
)

// SummarizeReturnStatuses collapses row statuses into a group status.
// Any pending row makes the group pending; otherwise the group is approved or
// rejected only when every row agrees.
func SummarizeReturnStatuses(statuses []ReturnStatus) ReturnGroupStatus {
	if len(statuses) == 0 {
		return ReturnGroupPending
	}
	var pending, approved, rejected int
	for _, status := range statuses {
		switch status {
		case ReturnStatusPending:
			pending++
		case ReturnStatusApproved:
			approved++
		case ReturnStatusRejected:
			rejected++
		}
	}
	switch {
	case pending > 0:
		return ReturnGroupPending
	case approved == len(statuses):
		return ReturnGroupApproved
	case rejected == len(statuses):
		return ReturnGroupRejected
	default:
		return ReturnGroupMixed
	}
}

// IsPickingEligible is the coupon gate: the sale may enter picking only once
// its active coupon has been printed and handed over at the warehouse.
func IsPickingEligible(sale Sale, coupon *SaleCoupon) bool {
	if coupon == nil {
		return false
	}
	return coupon.RevokedAt == nil &&
		coupon.PrintedAt != nil &&
		coupon.ReceivedAt != nil &&
		sale.Status == SaleStatusPending
}

func scanText(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", errors.New("status is null")
	default:
		return "", fmt.Errorf("cannot scan %T into status", src)
	}
}

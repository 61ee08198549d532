package service

import (
	"context"
	"errors"
	"fmt"

	"retailops/backend/internal/store"
)

var (
	// ErrGuard marks a refused request whose precondition was false. Nothing was written.
	ErrGuard = errors.New("precondition failed")
	// ErrTransport marks a store call that timed out or could not reach the
	// store. The write may have been applied; callers should re-read before retrying.
	ErrTransport = errors.New("store unreachable, change may or may not be applied")
	ErrForbidden = errors.New("role not permitted")
)

type GuardError struct {
	Op     string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *GuardError) Unwrap() error {
	return ErrGuard
}

func guard(op string, format string, args ...any) error {
	guardRejectionsTotal.WithLabelValues(op).Inc()
	return &GuardError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	if errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return err
}

func isTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

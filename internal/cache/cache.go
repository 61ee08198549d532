package cache

import (
	"context"
	"time"
)

// ViewCache stores rendered aggregation views. Values are JSON encoded and a
// miss is reported with found=false and a nil error.
type ViewCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopViewCache struct{}

func (NoopViewCache) Get(_ context.Context, _ string, _ any) (bool, error) {
	return false, nil
}

func (NoopViewCache) Set(_ context.Context, _ string, _ any, _ time.Duration) error {
	return nil
}

func (NoopViewCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

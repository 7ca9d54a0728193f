// Package store provides the TTL key-value cache that holds scan progress and
// final results.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is missing or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is a TTL key-value cache with atomic per-key writes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

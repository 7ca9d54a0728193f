package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/store"
)

const keyPrefix = "discovery:"

func resultKey(scanID string) string   { return keyPrefix + scanID }
func progressKey(scanID string) string { return keyPrefix + scanID + ":progress" }

// results reads and writes scan snapshots in the TTL store.
type results struct {
	store store.Store
	ttl   time.Duration
}

func (r results) put(ctx context.Context, key string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := r.store.Set(ctx, key, data, r.ttl); err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	return nil
}

func (r results) get(ctx context.Context, key string) (Snapshot, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return snap, nil
}

// latest returns the final result when present, else the progress snapshot.
func (r results) latest(ctx context.Context, scanID string) (Snapshot, error) {
	snap, err := r.get(ctx, resultKey(scanID))
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, err
	}
	return r.get(ctx, progressKey(scanID))
}

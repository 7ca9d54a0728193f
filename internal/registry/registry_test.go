package registry

import (
	"context"
	"testing"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *GormRegistry {
	t.Helper()
	r, err := Open(Config{
		Driver:       "sqlite",
		DSN:          "file:" + t.Name() + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegisterBatch(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	summary, err := r.RegisterBatch(ctx, "alice", []device.Device{
		{IP: "192.168.1.10", MAC: "C0-56-E3-01-02-03", Protocol: device.ProtocolPrivate, Port: 37777,
			Brand: "ZKTeco", Classification: device.ClassAccessController, Verified: true},
		{IP: "192.168.1.11", Protocol: device.ProtocolSSDP},
		{IP: "192.168.1.10", Protocol: device.ProtocolSNMP},
		{IP: "not-an-ip"},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Requested)
	assert.Equal(t, 2, summary.Registered)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 4)
	assert.Equal(t, OutcomeSkipped, summary.Results[2].Outcome)
	assert.Equal(t, "duplicate in batch", summary.Results[2].Reason)
	assert.Equal(t, OutcomeFailed, summary.Results[3].Outcome)

	rec, err := r.Lookup(ctx, "192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, "c0:56:e3:01:02:03", rec.MAC)
	assert.Equal(t, "alice", rec.RegisteredBy)
	assert.Equal(t, "ACCESS_CONTROLLER", rec.Classification)
	assert.Equal(t, 37777, rec.Port)
	assert.True(t, rec.Verified)

	unnamed, err := r.Lookup(ctx, "192.168.1.11")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", unnamed.Name)
	assert.False(t, unnamed.DiscoveredAt.IsZero())
}

func TestRegisterBatch_SkipsAlreadyRegistered(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	d := device.Device{IP: "10.0.0.5", Name: "door-1", DiscoveredAt: time.Now()}

	first, err := r.RegisterBatch(ctx, "bob", []device.Device{d})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Registered)

	second, err := r.RegisterBatch(ctx, "carol", []device.Device{d})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Registered)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, "already registered", second.Results[0].Reason)

	rec, err := r.Lookup(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.RegisteredBy)
}

func TestRegisterBatch_EmptyBatch(t *testing.T) {
	r := openTestRegistry(t)

	summary, err := r.RegisterBatch(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Requested)
	assert.Empty(t, summary.Results)
}

func TestRegisterBatch_CancelledContext(t *testing.T) {
	r := openTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RegisterBatch(ctx, "alice", []device.Device{{IP: "10.0.0.1"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

func TestLookup_Missing(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Lookup(context.Background(), "10.9.9.9")
	assert.Error(t, err)
}

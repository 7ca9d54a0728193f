package app

import (
	"context"
	"testing"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/config"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/probe"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/scanner"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	chdir(t, t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildProbes_AppliesConfig(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Discovery.SNMP.MaxHosts = 7
	cfg.Discovery.SNMP.Community = "public"
	cfg.Discovery.Private.Ports = []int{4370}
	cfg.Discovery.Private.ReadTimeoutMS = 250

	probes, err := BuildProbes(cfg.Discovery, zap.NewNop().Sugar())
	require.NoError(t, err)

	names := make([]string, 0, len(probes))
	for _, p := range probes {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{
		device.ProtocolSSDP, device.ProtocolONVIF, device.ProtocolSNMP, device.ProtocolPrivate, device.ProtocolMDNS,
	}, names)

	snmp := probes[2].(*probe.SNMPProbe)
	assert.Equal(t, 7, snmp.MaxHosts)
	assert.NotNil(t, snmp.Limiter)
	require.IsType(t, probe.GoSNMPQuerier{}, snmp.Querier)
	assert.Equal(t, "public", snmp.Querier.(probe.GoSNMPQuerier).Community)

	private := probes[3].(*probe.PrivateProbe)
	assert.Equal(t, []int{4370}, private.Ports)
	assert.Equal(t, 250*time.Millisecond, private.ReadTimeout)
	assert.Same(t, snmp.Limiter, private.Limiter)
}

func TestBuildProbes_Errors(t *testing.T) {
	cfg := loadDefaults(t)

	bad := cfg.Discovery
	bad.Interface = "no-such-iface0"
	_, err := BuildProbes(bad, zap.NewNop().Sugar())
	assert.ErrorContains(t, err, "no-such-iface0")

	bad = cfg.Discovery
	bad.ClassifierRules = "missing-rules.yaml"
	_, err = BuildProbes(bad, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	st, err := OpenStore(context.Background(), config.CacheConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)
	require.NoError(t, st.Close())

	_, err = OpenStore(context.Background(), config.CacheConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestScannerConfig(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Discovery.CallbackAPIKey = "secret"

	sc := ScannerConfig(cfg)
	assert.Equal(t, 180*time.Second, sc.DefaultTimeout)
	assert.Equal(t, time.Hour, sc.MaxTimeout)
	assert.Equal(t, 5, sc.MaxConcurrentScans)
	assert.Equal(t, 30*time.Minute, sc.ResultTTL)
	assert.Equal(t, 16, sc.VerifyWorkers)
	assert.Equal(t, "secret", sc.CallbackAPIKey)
}

func TestBuild_RunsEmptyScan(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Registry.DSN = "file:" + t.Name() + "?mode=memory&cache=shared"
	cfg.Registry.MaxOpenConns = 1

	engine, err := Build(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotNil(t, engine.Registry)
	assert.Nil(t, engine.Publisher)

	task, err := engine.Scanner.StartScan(scanner.Request{Subnet: "10.0.0.0/30", Protocols: []string{}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := engine.Scanner.GetProgress(context.Background(), task.ID)
		return err == nil && snap.Status == scanner.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	summary, err := engine.Scanner.BatchRegister(context.Background(), "ops", []device.Device{{IP: "10.0.0.1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Registered)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, engine.Close(ctx))
}

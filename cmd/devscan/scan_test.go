package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/probe"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/scanner"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProbe struct {
	name    string
	devices []device.Device
	block   bool
}

func (p *stubProbe) Name() string { return p.name }

func (p *stubProbe) Discover(ctx context.Context, _ *net.IPNet, _ time.Duration) ([]device.Device, error) {
	if p.block {
		<-ctx.Done()
	}
	return p.devices, nil
}

type noDial struct{}

func (noDial) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func newScanner(t *testing.T, probes ...probe.Probe) *scanner.Scanner {
	t.Helper()
	s := scanner.New(scanner.DefaultConfig(), store.NewMemoryStore(0), probes, zap.NewNop().Sugar(),
		scanner.WithVerifier(&scanner.Verifier{Dialer: noDial{}, Ports: []int{80}, Timeout: 20 * time.Millisecond}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestScanOnce_Completes(t *testing.T) {
	s := newScanner(t, &stubProbe{name: device.ProtocolSSDP, devices: []device.Device{
		{IP: "192.168.1.50", Protocol: device.ProtocolSSDP, Port: 8080, Brand: "Hikvision", Classification: device.ClassVideo},
	}})

	snap, err := scanOnce(context.Background(), s, scanner.Request{
		Subnet: "192.168.1.0/24", Protocols: []string{"SSDP"}, Timeout: 2 * time.Second,
	}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, scanner.StatusCompleted, snap.Status)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "192.168.1.50", snap.Devices[0].IP)
}

func TestScanOnce_InterruptCancels(t *testing.T) {
	s := newScanner(t, &stubProbe{name: device.ProtocolSSDP, block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	snap, err := scanOnce(ctx, s, scanner.Request{
		Subnet: "10.0.0.0/24", Protocols: []string{"SSDP"}, Timeout: time.Minute,
	}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, scanner.StatusCancelled, snap.Status)
}

func TestScanOnce_InvalidSubnet(t *testing.T) {
	s := newScanner(t)

	_, err := scanOnce(context.Background(), s, scanner.Request{Subnet: "nope"}, 10*time.Millisecond)
	assert.ErrorIs(t, err, scanner.ErrInvalidRequest)
}

func TestPrintSnapshot(t *testing.T) {
	snap := scanner.Snapshot{
		ScanID: "abc",
		Status: scanner.StatusCompleted,
		Devices: []device.Device{
			{IP: "10.0.0.10", Protocol: device.ProtocolPrivate, Port: 37777, Brand: "ZKTeco",
				Classification: device.ClassAccessController, Verified: true},
		},
		FailedProtocols: []string{"SNMP"},
	}

	var table bytes.Buffer
	require.NoError(t, printSnapshot(&table, snap, "table"))
	out := table.String()
	assert.Contains(t, out, "Scan abc COMPLETED: 1 device(s)")
	assert.Contains(t, out, "Failed protocols: [SNMP]")
	assert.Contains(t, out, "Access controller")
	assert.Contains(t, out, "37777")

	var js bytes.Buffer
	require.NoError(t, printSnapshot(&js, snap, "json"))
	assert.Contains(t, js.String(), `"scan_id": "abc"`)
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.csv")
	snap := scanner.Snapshot{Devices: []device.Device{{IP: "10.0.0.1"}, {IP: "10.0.0.2", Port: 80}}}

	require.NoError(t, writeCSV(path, snap))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "IP Address,"))
}

func TestScanCommand_RequiresSubnet(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"scan"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "subnet")
}

func TestScanCommand_RejectsUnknownFormat(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"scan", "--subnet", "10.0.0.0/24", "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "unknown format")
}

func TestScanCommand_MissingConfigFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"scan", "--subnet", "10.0.0.0/24", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "failed to read config")
}

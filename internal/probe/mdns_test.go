package probe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrowser struct {
	byService map[string][]*zeroconf.ServiceEntry
	err       error
}

func (b *fakeBrowser) Browse(ctx context.Context, service, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	if b.err != nil {
		return b.err
	}
	go func() {
		for _, e := range b.byService[service] {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func entry(instance, service string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, service, "local.")
	e.HostName = instance + ".local."
	e.Port = port
	e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	e.Text = txt
	return e
}

func TestMDNSProbe_Discover(t *testing.T) {
	b := &fakeBrowser{byService: map[string][]*zeroconf.ServiceEntry{
		"_http._tcp": {
			entry("DS-K1T671-lobby", "_http._tcp", 80, "192.168.1.70", "vendor=Hikvision", "mac=c0:56:e3:01:02:03"),
			entry("printer", "_http._tcp", 631, "10.9.9.9"),
		},
		"_rtsp._tcp": {
			entry("cam-2", "_rtsp._tcp", 554, "192.168.1.71", "model=M3045"),
		},
	}}
	p := NewMDNSProbe(nil, nil, nil)
	p.newBrowser = func() (browser, error) { return b, nil }

	devices, err := p.Discover(context.Background(), mustSubnet(t, "192.168.1.0/24"), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	byIP := map[string]device.Device{}
	for _, d := range devices {
		byIP[d.IP] = d
	}

	lobby := byIP["192.168.1.70"]
	assert.Equal(t, device.ProtocolMDNS, lobby.Protocol)
	assert.Equal(t, "DS-K1T671-lobby", lobby.Name)
	assert.Equal(t, "Hikvision", lobby.Brand)
	assert.Equal(t, "DS-K1T series", lobby.Model)
	assert.Equal(t, device.ClassBiometric, lobby.Classification)
	assert.Equal(t, "c0:56:e3:01:02:03", lobby.MAC)
	assert.Equal(t, "DS-K1T671-lobby.local", lobby.Location)
	assert.Equal(t, 80, lobby.Port)

	cam := byIP["192.168.1.71"]
	assert.Equal(t, "M3045", cam.Model)
	assert.Equal(t, 554, cam.Port)
}

func TestMDNSProbe_AllBrowsesFail(t *testing.T) {
	p := NewMDNSProbe([]string{"_http._tcp"}, nil, nil)
	p.newBrowser = func() (browser, error) { return &fakeBrowser{err: errors.New("no multicast interface")}, nil }

	_, err := p.Discover(context.Background(), nil, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMDNSProbe_ParseEntryRejectsForeignAddress(t *testing.T) {
	p := NewMDNSProbe(nil, nil, nil)
	_, ok := p.parseEntry(entry("x", "_http._tcp", 80, "10.0.0.1"), mustSubnet(t, "192.168.1.0/24"), time.Now())
	assert.False(t, ok)

	_, ok = p.parseEntry(nil, nil, time.Now())
	assert.False(t, ok)
}

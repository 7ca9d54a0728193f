package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_ResultsInTargetOrder(t *testing.T) {
	targets := buildTargets([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, []int{80, 443})
	require.Len(t, targets, 6)

	got := sweep(context.Background(), targets, 4, nil, func(_ context.Context, tg target) (device.Device, bool) {
		// later targets finish first
		time.Sleep(time.Duration(6-tg.index) * time.Millisecond)
		return device.Device{IP: tg.ip, Port: tg.port}, tg.port == 443
	})

	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.1", got[0].IP)
	assert.Equal(t, "10.0.0.2", got[1].IP)
	assert.Equal(t, "10.0.0.3", got[2].IP)
}

func TestSweep_BoundsConcurrency(t *testing.T) {
	hosts := make([]string, 40)
	for i := range hosts {
		hosts[i] = "10.0.0.1"
	}
	var inFlight, peak int32

	sweep(context.Background(), buildTargets(hosts, []int{1}), 5, nil, func(context.Context, target) (device.Device, bool) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return device.Device{}, false
	})

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(5))
}

func TestSweep_CancelledContextSkipsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	got := sweep(ctx, buildTargets([]string{"10.0.0.1", "10.0.0.2"}, []int{1, 2, 3}), 2, nil,
		func(context.Context, target) (device.Device, bool) {
			atomic.AddInt32(&calls, 1)
			return device.Device{}, true
		})

	assert.Empty(t, got)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestSweep_NoTargets(t *testing.T) {
	got := sweep(context.Background(), nil, 10, nil, func(context.Context, target) (device.Device, bool) {
		return device.Device{}, true
	})
	assert.Empty(t, got)
}

func TestPrivateProbe_ClassifiesReplies(t *testing.T) {
	dialer := &fakeDialer{listeners: map[string]func(net.Conn){
		"192.168.1.10:37777": replyWith("ZKTeco InBio460 firmware 5.2\r\n"),
		"192.168.1.11:8000":  acceptOnly,
	}}
	p := NewPrivateProbe(dialer, nil, nil)

	devices, err := p.Discover(context.Background(), mustSubnet(t, "192.168.1.0/28"), 5*time.Second)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.Equal(t, "192.168.1.10", d.IP)
	assert.Equal(t, device.ProtocolPrivate, d.Protocol)
	assert.Equal(t, 37777, d.Port)
	assert.Equal(t, "ZKTeco", d.Brand)
	assert.Equal(t, "InBio series", d.Model)
	assert.Equal(t, device.ClassAccessController, d.Classification)
	assert.Equal(t, "ZKTeco access device", d.Name)
	assert.Equal(t, "ZKTeco InBio460 firmware 5.2", d.Raw)
	assert.True(t, d.Verified)

	// 14 usable hosts in a /28, five ports each
	assert.Equal(t, 14*len(DefaultPrivatePorts), dialer.attemptCount())
}

func TestPrivateProbe_RespectsHostCap(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewPrivateProbe(dialer, nil, nil)
	p.MaxHosts = 3
	p.Ports = []int{37777}

	devices, err := p.Discover(context.Background(), mustSubnet(t, "10.0.0.0/24"), time.Second)
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, 3, dialer.attemptCount())
}

func TestPrivateProbe_RequiresSubnet(t *testing.T) {
	_, err := NewPrivateProbe(&fakeDialer{}, nil, nil).Discover(context.Background(), nil, time.Second)
	assert.Error(t, err)
}

type fakeQuerier struct {
	mu      sync.Mutex
	answers map[string]string
	asked   []string
}

func (q *fakeQuerier) SysDescr(_ context.Context, ip string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.asked = append(q.asked, ip)
	if descr, ok := q.answers[ip]; ok {
		return descr, nil
	}
	return "", errors.New("request timeout")
}

func TestSNMPProbe_ReachableAndDescribedHosts(t *testing.T) {
	dialer := &fakeDialer{listeners: map[string]func(net.Conn){
		"192.168.5.6:161": acceptOnly,
	}}
	querier := &fakeQuerier{answers: map[string]string{
		"192.168.5.5": "Hikvision DS-K2604 access controller",
	}}
	p := NewSNMPProbe(dialer, nil, nil)
	p.Querier = querier

	devices, err := p.Discover(context.Background(), mustSubnet(t, "192.168.5.0/29"), 5*time.Second)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	described := devices[0]
	assert.Equal(t, "192.168.5.5", described.IP)
	assert.Equal(t, "Hikvision", described.Brand)
	assert.Equal(t, "DS-K2 series", described.Model)
	assert.Equal(t, device.ClassAccessController, described.Classification)
	assert.Equal(t, "Hikvision DS-K2604 access controller", described.Raw)
	assert.False(t, described.Verified)
	assert.Zero(t, described.Port)

	reachable := devices[1]
	assert.Equal(t, "192.168.5.6", reachable.IP)
	assert.Equal(t, device.ProtocolSNMP, reachable.Protocol)
	assert.Equal(t, "SNMP device", reachable.Name)
	assert.Equal(t, device.ClassNetwork, reachable.Classification)
	assert.Equal(t, device.UnknownBrand, reachable.Brand)
	assert.Equal(t, 161, reachable.Port)
	assert.True(t, reachable.Verified)

	assert.Len(t, querier.asked, 6)
}

func TestSNMPProbe_DefaultCapLimitsLargeSubnet(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewSNMPProbe(dialer, nil, nil)

	_, err := p.Discover(context.Background(), mustSubnet(t, "10.10.0.0/16"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 100, dialer.attemptCount())
}

func TestDialTimeout_WrapsError(t *testing.T) {
	_, err := dialTimeout(context.Background(), &fakeDialer{}, "10.0.0.1", 9, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial 10.0.0.1:9")
}

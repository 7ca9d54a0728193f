package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultPrivatePorts are the vendor SDK ports access-control hardware
// commonly listens on.
var DefaultPrivatePorts = []int{37777, 8000, 8080, 9900, 8008}

// PrivateProbe connects to vendor management ports, sends a short probe
// command and classifies the reply.
type PrivateProbe struct {
	Dialer      Dialer
	Classifier  Classifier
	Limiter     *rate.Limiter
	Ports       []int
	Command     string
	MaxHosts    int
	Workers     int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Logger      *zap.SugaredLogger

	now func() time.Time
}

// NewPrivateProbe creates a vendor probe with the default ports and bounds.
func NewPrivateProbe(d Dialer, c Classifier, logger *zap.SugaredLogger) *PrivateProbe {
	return &PrivateProbe{
		Dialer:      d,
		Classifier:  c,
		Ports:       DefaultPrivatePorts,
		Command:     "DISCOVER\r\n",
		MaxHosts:    50,
		Workers:     30,
		DialTimeout: time.Second,
		ReadTimeout: time.Second,
		Logger:      logger,
	}
}

// Name implements Probe.
func (p *PrivateProbe) Name() string { return device.ProtocolPrivate }

// Discover implements Probe.
func (p *PrivateProbe) Discover(ctx context.Context, subnet *net.IPNet, timeout time.Duration) ([]device.Device, error) {
	if subnet == nil {
		return nil, fmt.Errorf("private discovery requires a subnet")
	}
	ctx, cancel := withBudget(ctx, timeout)
	defer cancel()

	now := clock(p.now)
	hosts := Hosts(subnet, p.MaxHosts)
	targets := buildTargets(hosts, p.Ports)

	if p.Logger != nil {
		p.Logger.Debugw("Private protocol sweep starting",
			"subnet", subnet.String(), "hosts", len(hosts), "ports", p.Ports)
	}

	return sweep(ctx, targets, p.Workers, p.Limiter, func(ctx context.Context, t target) (device.Device, bool) {
		reply, err := p.query(ctx, t)
		if err != nil || reply == "" {
			return device.Device{}, false
		}

		guess := classify(p.Classifier, reply, device.ClassAccessController)
		return device.Device{
			IP:             t.ip,
			Protocol:       device.ProtocolPrivate,
			Port:           t.port,
			Name:           guess.Brand + " access device",
			Brand:          guess.Brand,
			Model:          guess.Model,
			Classification: guess.Classification,
			Raw:            reply,
			Verified:       true,
			DiscoveredAt:   now(),
		}, true
	}), nil
}

func (p *PrivateProbe) query(ctx context.Context, t target) (string, error) {
	conn, err := dialTimeout(ctx, p.Dialer, t.ip, t.port, p.DialTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	readTimeout := p.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	if err := conn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte(p.Command)); err != nil {
		return "", err
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if n == 0 {
		return "", err
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SysDescrOID is the MIB-II system description object.
const SysDescrOID = "1.3.6.1.2.1.1.1.0"

// SysDescrQuerier fetches sysDescr from an SNMP agent.
type SysDescrQuerier interface {
	SysDescr(ctx context.Context, ip string) (string, error)
}

// GoSNMPQuerier queries sysDescr with SNMP v2c. gosnmp handles are not safe
// for concurrent use, so each query opens its own.
type GoSNMPQuerier struct {
	Community string
	Port      uint16
	Timeout   time.Duration
}

// SysDescr implements SysDescrQuerier.
func (q GoSNMPQuerier) SysDescr(ctx context.Context, ip string) (string, error) {
	port := q.Port
	if port == 0 {
		port = 161
	}
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}

	params := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    ip,
		Port:      port,
		Community: q.Community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   0,
		Transport: "udp",
	}
	if err := params.Connect(); err != nil {
		return "", fmt.Errorf("snmp connect %s: %w", ip, err)
	}
	defer params.Conn.Close()

	result, err := params.Get([]string{SysDescrOID})
	if err != nil {
		return "", fmt.Errorf("snmp get %s: %w", ip, err)
	}
	if result == nil || result.Error != gosnmp.NoError || len(result.Variables) == 0 {
		return "", fmt.Errorf("snmp get %s: empty response", ip)
	}

	v := result.Variables[0]
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return strings.TrimSpace(string(b)), nil
		}
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return "", fmt.Errorf("snmp get %s: sysDescr not available", ip)
	}
	return strings.TrimSpace(fmt.Sprint(v.Value)), nil
}

// SNMPProbe sweeps the SNMP management port over a bounded slice of the
// subnet. When Querier is set each address is also asked for sysDescr.
type SNMPProbe struct {
	Dialer      Dialer
	Querier     SysDescrQuerier
	Classifier  Classifier
	Limiter     *rate.Limiter
	Port        int
	MaxHosts    int
	Workers     int
	DialTimeout time.Duration
	Logger      *zap.SugaredLogger

	now func() time.Time
}

// NewSNMPProbe creates an SNMP sweep with the default bounds.
func NewSNMPProbe(d Dialer, c Classifier, logger *zap.SugaredLogger) *SNMPProbe {
	return &SNMPProbe{
		Dialer:      d,
		Classifier:  c,
		Port:        161,
		MaxHosts:    100,
		Workers:     20,
		DialTimeout: time.Second,
		Logger:      logger,
	}
}

// Name implements Probe.
func (p *SNMPProbe) Name() string { return device.ProtocolSNMP }

// Discover implements Probe.
func (p *SNMPProbe) Discover(ctx context.Context, subnet *net.IPNet, timeout time.Duration) ([]device.Device, error) {
	if subnet == nil {
		return nil, fmt.Errorf("snmp discovery requires a subnet")
	}
	ctx, cancel := withBudget(ctx, timeout)
	defer cancel()

	now := clock(p.now)
	hosts := Hosts(subnet, p.MaxHosts)
	targets := buildTargets(hosts, []int{p.Port})

	if p.Logger != nil {
		p.Logger.Debugw("SNMP sweep starting", "subnet", subnet.String(), "hosts", len(hosts))
	}

	return sweep(ctx, targets, p.Workers, p.Limiter, func(ctx context.Context, t target) (device.Device, bool) {
		reachable := false
		if conn, err := dialTimeout(ctx, p.Dialer, t.ip, t.port, p.DialTimeout); err == nil {
			_ = conn.Close()
			reachable = true
		}

		var descr string
		if p.Querier != nil && ctx.Err() == nil {
			qctx, qcancel := context.WithTimeout(ctx, p.DialTimeout)
			descr, _ = p.Querier.SysDescr(qctx, t.ip)
			qcancel()
		}

		if !reachable && descr == "" {
			return device.Device{}, false
		}

		guess := classify(p.Classifier, descr, device.ClassNetwork)
		d := device.Device{
			IP:             t.ip,
			Protocol:       device.ProtocolSNMP,
			Name:           "SNMP device",
			Brand:          guess.Brand,
			Model:          guess.Model,
			Classification: guess.Classification,
			Raw:            descr,
			Verified:       reachable,
			DiscoveredAt:   now(),
		}
		if reachable {
			d.Port = t.port
		}
		return d, true
	}), nil
}

package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// DefaultMDNSServices are browsed when MDNSProbe.Services is empty.
var DefaultMDNSServices = []string{"_http._tcp", "_rtsp._tcp", "_onvif._tcp"}

// browser is the part of zeroconf.Resolver the probe uses.
type browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// MDNSProbe browses multicast DNS service types for advertised devices.
type MDNSProbe struct {
	Services   []string
	Domain     string
	Classifier Classifier
	Logger     *zap.SugaredLogger

	newBrowser func() (browser, error)
	now        func() time.Time
}

// NewMDNSProbe creates an mDNS probe over the given service types.
func NewMDNSProbe(services []string, c Classifier, logger *zap.SugaredLogger) *MDNSProbe {
	if len(services) == 0 {
		services = DefaultMDNSServices
	}
	return &MDNSProbe{
		Services:   services,
		Domain:     "local.",
		Classifier: c,
		Logger:     logger,
	}
}

// Name implements Probe.
func (p *MDNSProbe) Name() string { return device.ProtocolMDNS }

// Discover implements Probe.
func (p *MDNSProbe) Discover(ctx context.Context, subnet *net.IPNet, timeout time.Duration) ([]device.Device, error) {
	ctx, cancel := withBudget(ctx, timeout)
	defer cancel()

	newBrowser := p.newBrowser
	if newBrowser == nil {
		newBrowser = func() (browser, error) { return zeroconf.NewResolver(nil) }
	}
	now := clock(p.now)

	var (
		mu      sync.Mutex
		found   []device.Device
		wg      sync.WaitGroup
		started int
		lastErr error
	)

	for _, service := range p.Services {
		resolver, err := newBrowser()
		if err != nil {
			lastErr = fmt.Errorf("failed to create mDNS resolver: %w", err)
			continue
		}

		entries := make(chan *zeroconf.ServiceEntry)
		if err := resolver.Browse(ctx, service, p.Domain, entries); err != nil {
			lastErr = fmt.Errorf("failed to browse %s: %w", service, err)
			continue
		}
		started++

		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			for {
				select {
				case entry, ok := <-entries:
					if !ok {
						return
					}
					d, ok := p.parseEntry(entry, subnet, now())
					if !ok {
						continue
					}
					mu.Lock()
					found = append(found, d)
					mu.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}(service)
	}

	if started == 0 && lastErr != nil {
		return nil, lastErr
	}
	<-ctx.Done()
	wg.Wait()

	if lastErr != nil && p.Logger != nil {
		p.Logger.Warnw("Some mDNS service types could not be browsed", "error", lastErr)
	}
	return found, nil
}

func (p *MDNSProbe) parseEntry(entry *zeroconf.ServiceEntry, subnet *net.IPNet, at time.Time) (device.Device, bool) {
	if entry == nil {
		return device.Device{}, false
	}

	var ip net.IP
	for _, addr := range entry.AddrIPv4 {
		if inSubnet(subnet, addr) {
			ip = addr
			break
		}
	}
	if ip == nil {
		return device.Device{}, false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			txt[strings.ToLower(parts[0])] = parts[1]
		} else {
			txt[strings.ToLower(parts[0])] = ""
		}
	}

	raw := strings.Join(entry.Text, ";")
	guess := classify(p.Classifier, entry.Instance+" "+entry.HostName+" "+raw, device.ClassUnknown)

	d := device.Device{
		IP:             ip.String(),
		MAC:            txt["mac"],
		Protocol:       device.ProtocolMDNS,
		Port:           entry.Port,
		Name:           entry.Instance,
		Brand:          guess.Brand,
		Model:          guess.Model,
		Classification: guess.Classification,
		Location:       strings.TrimSuffix(entry.HostName, "."),
		Raw:            raw,
		DiscoveredAt:   at,
	}
	if model := txt["model"]; model != "" && d.Model == "" {
		d.Model = model
	}
	return d, true
}

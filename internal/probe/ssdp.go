package probe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"go.uber.org/zap"
)

// SSDP multicast defaults.
const (
	SSDPGroup = "239.255.255.250"
	SSDPPort  = 1900
)

// SSDPProbe sends one M-SEARCH to the SSDP group and collects the replies.
type SSDPProbe struct {
	Transport  Transport
	Group      *net.UDPAddr
	Classifier Classifier
	ReadTick   time.Duration
	Logger     *zap.SugaredLogger

	now func() time.Time
}

// NewSSDPProbe creates an SSDP probe on the standard group.
func NewSSDPProbe(t Transport, c Classifier, logger *zap.SugaredLogger) *SSDPProbe {
	return &SSDPProbe{
		Transport:  t,
		Group:      &net.UDPAddr{IP: net.ParseIP(SSDPGroup), Port: SSDPPort},
		Classifier: c,
		Logger:     logger,
	}
}

// Name implements Probe.
func (p *SSDPProbe) Name() string { return device.ProtocolSSDP }

// Discover implements Probe.
func (p *SSDPProbe) Discover(ctx context.Context, subnet *net.IPNet, timeout time.Duration) ([]device.Device, error) {
	now := clock(p.now)
	deadline := deadlineFor(ctx, now(), timeout)

	var found []device.Device
	err := exchange(ctx, p.Transport, p.Group, p.searchMessage(), deadline, now, p.ReadTick,
		func(data []byte, from net.IP) {
			if !inSubnet(subnet, from) {
				return
			}
			d, ok := p.parse(data, from, now())
			if !ok {
				if p.Logger != nil {
					p.Logger.Debugw("Unparsable SSDP response", "ip", from.String())
				}
				return
			}
			found = append(found, d)
		})
	if err != nil {
		return found, fmt.Errorf("ssdp discovery: %w", err)
	}
	return found, nil
}

func (p *SSDPProbe) searchMessage() []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + p.Group.String() + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: ssdp:all\r\n\r\n")
}

func (p *SSDPProbe) parse(data []byte, from net.IP, at time.Time) (device.Device, bool) {
	headers := parseHeaders(string(data))
	if len(headers) == 0 {
		return device.Device{}, false
	}

	raw := strings.TrimSpace(string(data))
	guess := classify(p.Classifier, raw, device.ClassUnknown)

	d := device.Device{
		IP:             from.String(),
		Protocol:       device.ProtocolSSDP,
		Location:       headers["LOCATION"],
		Server:         headers["SERVER"],
		USN:            headers["USN"],
		Brand:          guess.Brand,
		Model:          guess.Model,
		Classification: guess.Classification,
		Raw:            raw,
		DiscoveredAt:   at,
	}
	if d.Server != "" {
		d.Name = d.Server
	}
	if port := urlPort(d.Location); port > 0 {
		d.Port = port
	}
	return d, true
}

// parseHeaders reads "key: value" lines. Keys are upper-cased; the request or
// status line is skipped because it has no colon before the first space.
func parseHeaders(payload string) map[string]string {
	headers := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(payload))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		idx := strings.IndexByte(line, ':')
		if idx <= 0 || strings.ContainsAny(line[:idx], " \t") {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		headers[key] = strings.TrimSpace(line[idx+1:])
	}
	return headers
}

// urlPort returns the explicit or scheme-default port of rawURL, or 0.
func urlPort(rawURL string) int {
	if rawURL == "" {
		return 0
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		return n
	}
	switch u.Scheme {
	case "http":
		return 80
	case "https":
		return 443
	}
	return 0
}

package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WS-Discovery multicast defaults.
const (
	ONVIFGroup = "239.255.255.250"
	ONVIFPort  = 3702
)

var (
	xaddrsPattern  = regexp.MustCompile(`<(?:\w+:)?XAddrs>([^<]+)</(?:\w+:)?XAddrs>`)
	addressPattern = regexp.MustCompile(`<(?:\w+:)?Address>([^<]+)</(?:\w+:)?Address>`)
	scopesPattern  = regexp.MustCompile(`<(?:\w+:)?Scopes[^>]*>([^<]+)</(?:\w+:)?Scopes>`)
)

// ONVIFProbe sends a WS-Discovery Probe and collects ProbeMatch replies.
type ONVIFProbe struct {
	Transport  Transport
	Group      *net.UDPAddr
	Classifier Classifier
	ReadTick   time.Duration
	Logger     *zap.SugaredLogger

	now func() time.Time
}

// NewONVIFProbe creates an ONVIF probe on the standard WS-Discovery group.
func NewONVIFProbe(t Transport, c Classifier, logger *zap.SugaredLogger) *ONVIFProbe {
	return &ONVIFProbe{
		Transport:  t,
		Group:      &net.UDPAddr{IP: net.ParseIP(ONVIFGroup), Port: ONVIFPort},
		Classifier: c,
		Logger:     logger,
	}
}

// Name implements Probe.
func (p *ONVIFProbe) Name() string { return device.ProtocolONVIF }

// Discover implements Probe.
func (p *ONVIFProbe) Discover(ctx context.Context, subnet *net.IPNet, timeout time.Duration) ([]device.Device, error) {
	now := clock(p.now)
	deadline := deadlineFor(ctx, now(), timeout)

	var found []device.Device
	err := exchange(ctx, p.Transport, p.Group, probeEnvelope(uuid.New().String()), deadline, now, p.ReadTick,
		func(data []byte, from net.IP) {
			if !inSubnet(subnet, from) {
				return
			}
			if d, ok := p.parse(string(data), from, now()); ok {
				found = append(found, d)
			} else if p.Logger != nil {
				p.Logger.Debugw("Ignoring non-ONVIF response", "ip", from.String())
			}
		})
	if err != nil {
		return found, fmt.Errorf("onvif discovery: %w", err)
	}
	return found, nil
}

func probeEnvelope(messageID string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"
               xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing"
               xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
               xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
  <soap:Header>
    <wsa:MessageID>urn:uuid:` + messageID + `</wsa:MessageID>
    <wsa:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</wsa:To>
    <wsa:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</wsa:Action>
  </soap:Header>
  <soap:Body>
    <d:Probe><d:Types>dn:NetworkVideoTransmitter</d:Types></d:Probe>
  </soap:Body>
</soap:Envelope>`)
}

func (p *ONVIFProbe) parse(response string, from net.IP, at time.Time) (device.Device, bool) {
	if !strings.Contains(response, "ProbeMatch") && !strings.Contains(response, "XAddrs") {
		return device.Device{}, false
	}

	guess := classify(p.Classifier, response, device.ClassVideo)
	d := device.Device{
		IP:             from.String(),
		Protocol:       device.ProtocolONVIF,
		Brand:          guess.Brand,
		Model:          guess.Model,
		Classification: guess.Classification,
		Raw:            strings.TrimSpace(response),
		DiscoveredAt:   at,
	}

	if m := xaddrsPattern.FindStringSubmatch(response); m != nil {
		if fields := strings.Fields(m[1]); len(fields) > 0 {
			d.Location = fields[0]
		}
	}
	if d.Location == "" {
		if m := addressPattern.FindStringSubmatch(response); m != nil {
			d.Location = strings.TrimSpace(m[1])
		}
	}
	if strings.Contains(d.Location, "://") {
		d.Port = urlPort(d.Location)
		if d.Port == 0 {
			d.Port = 80
		}
	}

	if m := scopesPattern.FindStringSubmatch(response); m != nil {
		name, hardware := parseScopes(m[1])
		if name != "" {
			d.Name = name
		}
		if hardware != "" && d.Model == "" {
			d.Model = hardware
		}
	}
	if d.Name == "" && d.Brand != device.UnknownBrand {
		d.Name = d.Brand + " IP camera"
	}
	return d, true
}

// parseScopes extracts the onvif name and hardware scopes.
func parseScopes(scopes string) (name, hardware string) {
	for _, s := range strings.Fields(scopes) {
		switch {
		case strings.HasPrefix(s, "onvif://www.onvif.org/name/"):
			name = unescapeScope(strings.TrimPrefix(s, "onvif://www.onvif.org/name/"))
		case strings.HasPrefix(s, "onvif://www.onvif.org/hardware/"):
			hardware = unescapeScope(strings.TrimPrefix(s, "onvif://www.onvif.org/hardware/"))
		}
	}
	return name, hardware
}

func unescapeScope(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

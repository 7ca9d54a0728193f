// Package device defines the discovered-device record shared by probes, the
// scanner and the registry.
package device

import (
	"strings"
	"time"
)

// Protocol names accepted in scan requests.
const (
	ProtocolSSDP    = "SSDP"
	ProtocolONVIF   = "ONVIF"
	ProtocolSNMP    = "SNMP"
	ProtocolPrivate = "PRIVATE"
	ProtocolMDNS    = "MDNS"
)

// DefaultProtocols are used when a request does not name any protocol set.
var DefaultProtocols = []string{ProtocolONVIF, ProtocolSNMP, ProtocolPrivate, ProtocolSSDP}

// Classification is the coarse kind of hardware a sighting looks like.
type Classification string

const (
	ClassAccessController Classification = "ACCESS_CONTROLLER"
	ClassCardReader       Classification = "CARD_READER"
	ClassBiometric        Classification = "BIOMETRIC_TERMINAL"
	ClassVideo            Classification = "VIDEO_DEVICE"
	ClassNetwork          Classification = "NETWORK_DEVICE"
	ClassUnknown          Classification = "UNKNOWN"
)

// DisplayName returns the label used in exports.
func (c Classification) DisplayName() string {
	switch c {
	case ClassAccessController:
		return "Access controller"
	case ClassCardReader:
		return "Card reader"
	case ClassBiometric:
		return "Biometric terminal"
	case ClassVideo:
		return "Video device"
	case ClassNetwork:
		return "Network device"
	default:
		return "Unknown"
	}
}

// UnknownBrand is what classifiers report when no vendor token matched.
const UnknownBrand = "Unknown"

// Device is one physical device candidate. Probes emit raw sightings of this
// type; Merge collapses them into one record per identity.
type Device struct {
	IP             string         `json:"ip"`
	MAC            string         `json:"mac,omitempty"`
	Protocol       string         `json:"protocol"`
	Port           int            `json:"port,omitempty"`
	Name           string         `json:"name,omitempty"`
	Brand          string         `json:"brand,omitempty"`
	Model          string         `json:"model,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Location       string         `json:"location,omitempty"`
	Server         string         `json:"server,omitempty"`
	USN            string         `json:"usn,omitempty"`
	Raw            string         `json:"raw,omitempty"`
	Verified       bool           `json:"verified"`
	DiscoveredAt   time.Time      `json:"discovered_at"`
}

// Key returns the deduplication identity: address plus hardware id when the
// hardware id is known, otherwise the address alone.
func (d Device) Key() string {
	mac := NormalizeMAC(d.MAC)
	if mac == "" {
		return d.IP
	}
	return d.IP + "|" + mac
}

// Completeness counts the populated descriptive fields.
func (d Device) Completeness() int {
	n := 0
	for _, s := range []string{d.MAC, d.Name, d.Model, d.Location, d.Server, d.USN, d.Raw} {
		if s != "" {
			n++
		}
	}
	if d.Brand != "" && d.Brand != UnknownBrand {
		n++
	}
	if d.Classification != "" && d.Classification != ClassUnknown {
		n++
	}
	if d.Port > 0 {
		n++
	}
	if d.Verified {
		n++
	}
	return n
}

// NormalizeMAC lower-cases a hardware address and unifies separators.
func NormalizeMAC(mac string) string {
	mac = strings.TrimSpace(strings.ToLower(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

package probe

import (
	"fmt"
	"net"
	"strings"
)

// ParseSubnet parses a CIDR. A bare IPv4 address is taken as the /24 that
// contains it.
func ParseSubnet(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("subnet is required")
	}
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid subnet %q", s)
		}
		s += "/24"
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", s, err)
	}
	if ipNet.IP.To4() == nil {
		return nil, fmt.Errorf("invalid subnet %q: only IPv4 is supported", s)
	}
	return ipNet, nil
}

// Hosts lists up to limit host addresses of subnet in ascending order,
// skipping the network and broadcast addresses when the prefix leaves room
// for them. A non-positive limit lists every host.
func Hosts(subnet *net.IPNet, limit int) []string {
	ones, bits := subnet.Mask.Size()
	skipEdges := bits-ones >= 2

	network := subnet.IP.To4().Mask(subnet.Mask)
	ip := make(net.IP, len(network))
	copy(ip, network)

	var hosts []string
	for ; subnet.Contains(ip); incrementIP(ip) {
		if skipEdges && (ip.Equal(network) || isBroadcast(ip, subnet)) {
			continue
		}
		hosts = append(hosts, ip.String())
		if limit > 0 && len(hosts) >= limit {
			break
		}
	}
	return hosts
}

func isBroadcast(ip net.IP, subnet *net.IPNet) bool {
	ip4 := ip.To4()
	for i := range ip4 {
		if ip4[i]|subnet.Mask[i] != 0xff {
			return false
		}
	}
	return true
}

// inSubnet reports whether addr belongs to subnet. A nil subnet accepts all.
func inSubnet(subnet *net.IPNet, ip net.IP) bool {
	return subnet == nil || subnet.Contains(ip)
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

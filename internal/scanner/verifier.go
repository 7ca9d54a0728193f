package scanner

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/probe"
)

// DefaultVerifyPorts are tried in order when confirming a device.
var DefaultVerifyPorts = []int{80, 8000, 8080, 37777}

// Verifier confirms that a device answers on a management port.
type Verifier struct {
	Dialer  probe.Dialer
	Ports   []int
	Timeout time.Duration
}

// NewVerifier creates a verifier over the default ports with a 2s
// per-attempt timeout. A nil dialer uses net.Dialer.
func NewVerifier(d probe.Dialer) *Verifier {
	if d == nil {
		d = &net.Dialer{}
	}
	return &Verifier{Dialer: d, Ports: DefaultVerifyPorts, Timeout: 2 * time.Second}
}

// Verify returns d with Verified and Port set from the first port that
// accepts a connection. When no port answers d is returned unchanged.
func (v *Verifier) Verify(ctx context.Context, d device.Device) device.Device {
	for _, port := range v.Ports {
		if ctx.Err() != nil {
			return d
		}
		if v.reachable(ctx, d.IP, port) {
			d.Verified = true
			d.Port = port
			return d
		}
	}
	return d
}

func (v *Verifier) reachable(ctx context.Context, ip string, port int) bool {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := v.Dialer.DialContext(dctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// VerifyAll verifies every unverified device with at most workers dials in
// flight. Order is preserved.
func (v *Verifier) VerifyAll(ctx context.Context, devices []device.Device, workers int) []device.Device {
	out := make([]device.Device, len(devices))
	copy(out, devices)

	if workers <= 0 {
		workers = 16
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range out {
		if out[i].Verified {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return out
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = v.Verify(ctx, out[i])
		}(i)
	}
	wg.Wait()
	return out
}

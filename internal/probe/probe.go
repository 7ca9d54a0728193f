// Package probe implements the network discovery protocols. Each probe owns
// its transport and response parser and returns raw sightings; merging and
// verification happen in the scanner.
package probe

import (
	"context"
	"net"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
)

// Probe discovers candidate devices in subnet within timeout. Implementations
// return the sightings gathered so far when ctx is cancelled; an error means
// the probe could not run at all.
type Probe interface {
	Name() string
	Discover(ctx context.Context, subnet *net.IPNet, timeout time.Duration) ([]device.Device, error)
}

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// deadlineFor returns the earlier of now+timeout and the ctx deadline.
func deadlineFor(ctx context.Context, now time.Time, timeout time.Duration) time.Time {
	deadline := now.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func clock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

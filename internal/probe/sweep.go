package probe

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"golang.org/x/time/rate"
)

// target is one address/port pair handed to a sweep worker. index preserves
// the feed order so results come back sorted.
type target struct {
	index int
	ip    string
	port  int
}

type hit struct {
	index  int
	device device.Device
}

// sweep runs fn over targets with at most workers in flight, pacing dials
// through limiter when it is non-nil. Feeding stops as soon as ctx is done;
// in-flight workers finish their current target, which is bounded by the
// per-connection timeout.
func sweep(ctx context.Context, targets []target, workers int, limiter *rate.Limiter,
	fn func(ctx context.Context, t target) (device.Device, bool)) []device.Device {

	if workers <= 0 {
		workers = 20
	}
	if workers > len(targets) {
		workers = len(targets)
	}

	targetChan := make(chan target, workers*2)
	hits := make(chan hit, workers)
	var workerWg sync.WaitGroup

	for i := 0; i < workers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for t := range targetChan {
				if ctx.Err() != nil {
					continue
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						continue
					}
				}
				if d, ok := fn(ctx, t); ok {
					hits <- hit{index: t.index, device: d}
				}
			}
		}()
	}

	var collected []hit
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for h := range hits {
			collected = append(collected, h)
		}
	}()

feedLoop:
	for _, t := range targets {
		select {
		case targetChan <- t:
		case <-ctx.Done():
			break feedLoop
		}
	}
	close(targetChan)
	workerWg.Wait()
	close(hits)
	<-collectDone

	sort.SliceStable(collected, func(i, j int) bool { return collected[i].index < collected[j].index })
	out := make([]device.Device, 0, len(collected))
	for _, h := range collected {
		out = append(out, h.device)
	}
	return out
}

// buildTargets crosses hosts with ports, host-major.
func buildTargets(hosts []string, ports []int) []target {
	targets := make([]target, 0, len(hosts)*len(ports))
	for _, ip := range hosts {
		for _, port := range ports {
			targets = append(targets, target{index: len(targets), ip: ip, port: port})
		}
	}
	return targets
}

// dialTimeout connects to ip:port, giving up after timeout or when ctx ends.
func dialTimeout(ctx context.Context, d Dialer, ip string, port int, timeout time.Duration) (net.Conn, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", ip, port, err)
	}
	return conn, nil
}

// withBudget bounds ctx by timeout.
func withBudget(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

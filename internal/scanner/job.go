package scanner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/callback"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/publisher"
	"go.uber.org/zap"
)

// probeProgressShare is the part of the progress bar covered by probing;
// finalization takes the rest.
const probeProgressShare = 80

// job is one running scan. Only the scan goroutine writes to it; latest is
// guarded so GetProgress can fall back to it.
type job struct {
	task    Task
	subnet  *net.IPNet
	request Request
	cancel  context.CancelFunc
	stopped atomic.Bool

	mu     sync.Mutex
	latest Snapshot
}

func newJob(task Task, subnet *net.IPNet, req Request, cancel context.CancelFunc) *job {
	return &job{task: task, subnet: subnet, request: req, cancel: cancel}
}

// requestStop cancels the scan once. It reports whether this call did it.
func (j *job) requestStop() bool {
	if j.stopped.CompareAndSwap(false, true) {
		j.cancel()
		return true
	}
	return false
}

func (j *job) current() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.latest
}

// record builds a snapshot of the scan and keeps it as the latest one.
func (j *job) record(acc *accumulator, status Status, progress int, devices []device.Device, at time.Time) Snapshot {
	if devices == nil {
		devices = []device.Device{}
	}
	snap := Snapshot{
		ScanID:             j.task.ID,
		Status:             status,
		Progress:           progress,
		Subnet:             j.task.Subnet,
		Protocols:          j.task.Protocols,
		CompletedProtocols: append([]string{}, acc.completed...),
		FailedProtocols:    append([]string(nil), acc.failed...),
		TotalDevices:       len(devices),
		ProtocolCounts:     device.CountByProtocol(devices),
		Devices:            devices,
		CreatedAt:          j.task.CreatedAt,
		UpdatedAt:          at,
	}
	if status != StatusRunning {
		completed := at
		snap.CompletedAt = &completed
	}

	j.mu.Lock()
	j.latest = snap
	j.mu.Unlock()
	return snap
}

type probeResult struct {
	protocol string
	devices  []device.Device
	err      error
	elapsed  time.Duration
}

// accumulator holds the sightings of one scan. It is owned by the scan
// goroutine.
type accumulator struct {
	protocols  []string
	byProtocol map[string][]device.Device
	completed  []string
	failed     []string
}

func newAccumulator(protocols []string) *accumulator {
	return &accumulator{
		protocols:  protocols,
		byProtocol: make(map[string][]device.Device, len(protocols)),
	}
}

func (a *accumulator) add(r probeResult) {
	a.completed = append(a.completed, r.protocol)
	if r.err != nil {
		a.failed = append(a.failed, r.protocol)
	}
	a.byProtocol[r.protocol] = append(a.byProtocol[r.protocol], r.devices...)
}

func (a *accumulator) done() int { return len(a.completed) }

func (a *accumulator) progress() int {
	if len(a.protocols) == 0 {
		return probeProgressShare
	}
	return len(a.completed) * probeProgressShare / len(a.protocols)
}

// sightings concatenates per-protocol sightings in request order, so the
// merged result does not depend on which probe finished first.
func (a *accumulator) sightings() []device.Device {
	var all []device.Device
	for _, p := range a.protocols {
		all = append(all, a.byProtocol[p]...)
	}
	return all
}

func (s *Scanner) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	defer j.cancel()

	reporter := callback.NewReporter(j.task.ID, j.request.ProgressURL, j.request.CompleteURL,
		s.config.CallbackAPIKey, s.logger)
	notify := newNotifier(reporter, s.logger)
	acc := newAccumulator(j.task.Protocols)

	if len(j.task.Protocols) > 0 {
		s.collect(ctx, j, acc, notify)
	}

	devices := device.Merge(acc.sightings())
	if ctx.Err() == nil {
		devices = s.verifier.VerifyAll(ctx, devices, s.config.VerifyWorkers)
	}

	if ctx.Err() != nil {
		s.finish(j, acc, StatusCancelled, acc.progress(), devices, notify)
		return
	}
	s.finish(j, acc, StatusCompleted, 100, devices, notify)
}

// collect fans the scan out over its probes and folds their results as they
// arrive. It returns when every probe reported, the budget ran out or the
// scan was cancelled.
func (s *Scanner) collect(ctx context.Context, j *job, acc *accumulator, notify *notifier) {
	protocols := j.task.Protocols
	slice := j.task.Timeout / time.Duration(len(protocols))

	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()

	out := make(chan probeResult, len(protocols))
	for _, name := range protocols {
		go s.runProbe(probeCtx, j, name, slice, out)
	}

	budget := time.NewTimer(j.task.Timeout)
	defer budget.Stop()

	for acc.done() < len(protocols) {
		select {
		case r := <-out:
			if ctx.Err() != nil {
				return
			}
			acc.add(r)
			if r.err != nil {
				s.logger.Warnw("Protocol probe failed",
					"scan_id", j.task.ID, "protocol", r.protocol, "error", r.err)
			} else {
				s.logger.Infow("Protocol probe finished",
					"scan_id", j.task.ID,
					"protocol", r.protocol,
					"sightings", len(r.devices),
					"elapsed", r.elapsed.String(),
				)
			}

			progress := acc.progress()
			merged := device.Merge(acc.sightings())
			s.cache(progressKey(j.task.ID), j.record(acc, StatusRunning, progress, merged, s.now()))
			notify.progress(callback.Progress{
				Phase:              "probing",
				Progress:           progress,
				DiscoveryCount:     len(merged),
				CompletedProtocols: append([]string(nil), acc.completed...),
			})

		case <-budget.C:
			s.logger.Warnw("Scan budget exhausted",
				"scan_id", j.task.ID, "completed", acc.done(), "total", len(protocols))
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) runProbe(ctx context.Context, j *job, name string, slice time.Duration, out chan<- probeResult) {
	start := time.Now()
	res := probeResult{protocol: name}
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("probe panicked: %v", r)
		}
		res.elapsed = time.Since(start)
		out <- res
	}()

	p, ok := s.probes[name]
	if !ok {
		res.err = fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
		return
	}
	res.devices, res.err = p.Discover(ctx, j.subnet, slice)
}

// finish records the terminal snapshot under both keys and then announces
// it. Nothing is written for the scan afterwards.
func (s *Scanner) finish(j *job, acc *accumulator, status Status, progress int, devices []device.Device, notify *notifier) {
	snap := j.record(acc, status, progress, devices, s.now())
	s.cache(resultKey(j.task.ID), snap)
	s.cache(progressKey(j.task.ID), snap)
	s.release(j.task.ID)

	s.logger.Infow("Scan finished",
		"scan_id", j.task.ID,
		"status", status,
		"devices", snap.TotalDevices,
		"failed_protocols", snap.FailedProtocols,
		"duration", snap.UpdatedAt.Sub(snap.CreatedAt).String(),
	)

	if s.publisher != nil {
		if status == StatusCompleted {
			for _, d := range snap.Devices {
				if err := s.publisher.PublishDeviceDiscovered(j.task.ID, d); err != nil {
					s.logger.Warnw("Failed to publish device", "scan_id", j.task.ID, "ip", d.IP, "error", err)
				}
			}
		}
		err := s.publisher.PublishScanCompleted(publisher.ScanCompletedData{
			ScanID:          j.task.ID,
			Subnet:          j.task.Subnet,
			Status:          string(status),
			TotalDevices:    snap.TotalDevices,
			ProtocolCounts:  snap.ProtocolCounts,
			FailedProtocols: snap.FailedProtocols,
			StartedAt:       snap.CreatedAt,
			CompletedAt:     snap.UpdatedAt,
		})
		if err != nil {
			s.logger.Warnw("Failed to publish scan completion", "scan_id", j.task.ID, "error", err)
		}
	}

	notify.complete(callback.Completion{
		Status:          string(status),
		DiscoveryCount:  snap.TotalDevices,
		ProtocolCounts:  snap.ProtocolCounts,
		FailedProtocols: snap.FailedProtocols,
	})
}

// notifier delivers callbacks for one scan in order on its own goroutine.
// A nil notifier drops everything.
type notifier struct {
	reporter *callback.Reporter
	queue    chan func() error
	logger   *zap.SugaredLogger
}

func newNotifier(r *callback.Reporter, logger *zap.SugaredLogger) *notifier {
	if r == nil || !r.Enabled() {
		return nil
	}
	n := &notifier{reporter: r, queue: make(chan func() error, 16), logger: logger}
	go n.loop()
	return n
}

func (n *notifier) loop() {
	for send := range n.queue {
		if err := send(); err != nil {
			n.logger.Debugw("Callback not delivered", "scan_id", n.reporter.GetScanID(), "error", err)
		}
	}
}

func (n *notifier) progress(p callback.Progress) {
	if n == nil {
		return
	}
	select {
	case n.queue <- func() error { return n.reporter.ReportProgress(p) }:
	default:
		n.logger.Debugw("Progress callback queue full", "scan_id", n.reporter.GetScanID())
	}
}

func (n *notifier) complete(c callback.Completion) {
	if n == nil {
		return
	}
	n.queue <- func() error { return n.reporter.ReportComplete(c) }
	close(n.queue)
}

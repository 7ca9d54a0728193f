// Package scanner runs discovery scans: it fans a request out over the
// protocol probes, folds their sightings into a single result and keeps the
// result store current while the scan runs.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/probe"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/publisher"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/registry"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config bounds scans.
type Config struct {
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	MaxConcurrentScans int
	ResultTTL          time.Duration
	DefaultProtocols   []string
	VerifyWorkers      int
	CallbackAPIKey     string
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     180 * time.Second,
		MaxTimeout:         time.Hour,
		MaxConcurrentScans: 5,
		ResultTTL:          30 * time.Minute,
		DefaultProtocols:   device.DefaultProtocols,
		VerifyWorkers:      16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = def.MaxTimeout
	}
	if c.MaxConcurrentScans <= 0 {
		c.MaxConcurrentScans = def.MaxConcurrentScans
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = def.ResultTTL
	}
	if c.DefaultProtocols == nil {
		c.DefaultProtocols = def.DefaultProtocols
	}
	if c.VerifyWorkers <= 0 {
		c.VerifyWorkers = def.VerifyWorkers
	}
	return c
}

// EventPublisher receives discovery events. *publisher.Publisher satisfies it.
type EventPublisher interface {
	PublishDeviceDiscovered(scanID string, d device.Device) error
	PublishScanCompleted(data publisher.ScanCompletedData) error
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithVerifier replaces the default TCP verifier.
func WithVerifier(v *Verifier) Option {
	return func(s *Scanner) { s.verifier = v }
}

// WithPublisher enables event publishing.
func WithPublisher(p EventPublisher) Option {
	return func(s *Scanner) { s.publisher = p }
}

// WithRegistry enables BatchRegister.
func WithRegistry(r registry.Registry) Option {
	return func(s *Scanner) { s.registry = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// Scanner owns the set of running scans.
type Scanner struct {
	config    Config
	probes    map[string]probe.Probe
	results   results
	verifier  *Verifier
	publisher EventPublisher
	registry  registry.Registry
	logger    *zap.SugaredLogger
	now       func() time.Time

	baseCtx context.Context
	stopAll context.CancelFunc

	mu     sync.Mutex
	active map[string]*job
	closed bool
	wg     sync.WaitGroup
}

// New creates a Scanner over the given probes, keyed by Probe.Name.
func New(cfg Config, st store.Store, probes []probe.Probe, logger *zap.SugaredLogger, opts ...Option) *Scanner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scanner{
		config:  cfg,
		probes:  make(map[string]probe.Probe, len(probes)),
		results: results{store: st, ttl: cfg.ResultTTL},
		logger:  logger,
		now:     time.Now,
		baseCtx: ctx,
		stopAll: cancel,
		active:  make(map[string]*job),
	}
	for _, p := range probes {
		s.probes[strings.ToUpper(p.Name())] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		s.verifier = NewVerifier(nil)
	}
	return s
}

// StartScan validates req, registers a new scan and starts it in the
// background. The returned task is RUNNING at 0.
func (s *Scanner) StartScan(req Request) (Task, error) {
	subnet, err := probe.ParseSubnet(req.Subnet)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Timeout < 0 {
		return Task{}, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	if timeout > s.config.MaxTimeout {
		timeout = s.config.MaxTimeout
	}

	protocols := req.Protocols
	if protocols == nil {
		protocols = s.config.DefaultProtocols
	}
	protocols = normalizeProtocols(protocols)

	id, err := uuid.NewRandom()
	if err != nil {
		return Task{}, fmt.Errorf("failed to allocate scan id: %w", err)
	}

	task := Task{
		ID:        id.String(),
		Status:    StatusRunning,
		Progress:  0,
		Subnet:    subnet.String(),
		Protocols: protocols,
		Timeout:   timeout,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Task{}, ErrShuttingDown
	}
	if len(s.active) >= s.config.MaxConcurrentScans {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("%w: limit is %d", ErrTooManyScans, s.config.MaxConcurrentScans)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	j := newJob(task, subnet, req, cancel)
	s.active[task.ID] = j
	s.wg.Add(1)
	s.mu.Unlock()

	s.cache(progressKey(task.ID), j.record(newAccumulator(protocols), StatusRunning, 0, nil, s.now()))

	s.logger.Infow("Scan started",
		"scan_id", task.ID,
		"subnet", task.Subnet,
		"protocols", protocols,
		"timeout", timeout.String(),
	)

	go s.run(ctx, j)
	return task, nil
}

// normalizeProtocols upper-cases names and drops blanks and repeats.
func normalizeProtocols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// GetProgress returns the latest snapshot of a scan.
func (s *Scanner) GetProgress(ctx context.Context, scanID string) (Snapshot, error) {
	snap, err := s.results.latest(ctx, scanID)
	if err == nil {
		return snap, nil
	}

	if j := s.lookup(scanID); j != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warnw("Serving progress from memory", "scan_id", scanID, "error", err)
		}
		return j.current(), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, ErrScanNotFound
	}
	return Snapshot{}, fmt.Errorf("failed to read scan %s: %w", scanID, err)
}

// Cancel asks a running scan to stop. It is idempotent, and cancelling a
// scan that already finished is a no-op.
func (s *Scanner) Cancel(ctx context.Context, scanID string) error {
	if j := s.lookup(scanID); j != nil {
		if j.requestStop() {
			s.logger.Infow("Scan cancellation requested", "scan_id", scanID)
		}
		return nil
	}

	if _, err := s.results.latest(ctx, scanID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrScanNotFound
		}
		return fmt.Errorf("failed to read scan %s: %w", scanID, err)
	}
	return nil
}

// Export renders the final result of a scan as a base64 CSV file.
func (s *Scanner) Export(ctx context.Context, scanID string) (Export, error) {
	snap, err := s.results.get(ctx, resultKey(scanID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Export{}, fmt.Errorf("failed to read scan %s: %w", scanID, err)
		}
		if s.lookup(scanID) != nil {
			return Export{}, fmt.Errorf("%w: scan %s has not finished", ErrScanNotFound, scanID)
		}
		return Export{}, ErrScanNotFound
	}
	if len(snap.Devices) == 0 {
		return Export{}, ErrEmptyResult
	}
	return buildExport(scanID, snap.Devices, s.now())
}

// BatchRegister hands devices to the registry on behalf of operator.
func (s *Scanner) BatchRegister(ctx context.Context, operator string, devices []device.Device) (registry.Summary, error) {
	if s.registry == nil {
		return registry.Summary{}, ErrRegistryUnavailable
	}
	if len(devices) == 0 {
		return registry.Summary{}, fmt.Errorf("%w: no devices to register", ErrInvalidRequest)
	}
	return s.registry.RegisterBatch(ctx, operator, devices)
}

// ActiveScans returns the number of running scans.
func (s *Scanner) ActiveScans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every running scan and waits for them to record their
// final state, or for ctx to end.
func (s *Scanner) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, j := range s.active {
		j.requestStop()
	}
	s.mu.Unlock()
	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scanner) lookup(scanID string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[scanID]
}

func (s *Scanner) release(scanID string) {
	s.mu.Lock()
	delete(s.active, scanID)
	s.mu.Unlock()
}

// cache writes a snapshot, logging instead of failing.
func (s *Scanner) cache(key string, snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.results.put(ctx, key, snap); err != nil {
		s.logger.Warnw("Failed to cache scan snapshot", "scan_id", snap.ScanID, "key", key, "error", err)
	}
}

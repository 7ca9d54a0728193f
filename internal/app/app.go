// Package app assembles the discovery engine from configuration.
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/config"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/probe"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/publisher"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/registry"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/scanner"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Engine is a wired scanner plus the resources it owns.
type Engine struct {
	Scanner   *scanner.Scanner
	Store     store.Store
	Registry  *registry.GormRegistry
	Publisher *publisher.Publisher
}

// Build opens the store, registry and publisher named by cfg and returns a
// scanner wired to them. Optional collaborators that fail to connect are
// logged and left out.
func Build(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Engine, error) {
	st, err := OpenStore(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}

	probes, err := BuildProbes(cfg.Discovery, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e := &Engine{Store: st}
	verifier := &scanner.Verifier{
		Dialer:  &net.Dialer{},
		Ports:   cfg.Discovery.Verify.Ports,
		Timeout: millis(cfg.Discovery.Verify.TimeoutMS),
	}
	opts := []scanner.Option{scanner.WithVerifier(verifier)}

	if cfg.Registry.Enabled {
		reg, err := registry.Open(registry.Config{
			Driver:          cfg.Registry.Driver,
			DSN:             cfg.Registry.DSN,
			LogLevel:        cfg.Registry.LogLevel,
			MaxOpenConns:    cfg.Registry.MaxOpenConns,
			MaxIdleConns:    cfg.Registry.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Registry.ConnMaxLifetime) * time.Second,
		}, logger)
		if err != nil {
			logger.Warnw("Device registry unavailable", "driver", cfg.Registry.Driver, "error", err)
		} else {
			e.Registry = reg
			opts = append(opts, scanner.WithRegistry(reg))
		}
	}

	if cfg.RabbitMQ.Enabled {
		pub, err := publisher.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Warnw("Event publishing disabled", "error", err)
		} else {
			e.Publisher = pub
			opts = append(opts, scanner.WithPublisher(pub))
		}
	}

	e.Scanner = scanner.New(ScannerConfig(cfg), st, probes, logger, opts...)
	return e, nil
}

// Close shuts the scanner down and releases every resource.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if e.Scanner != nil {
		if err := e.Scanner.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if e.Publisher != nil {
		if err := e.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.Registry != nil {
		if err := e.Registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ScannerConfig converts the discovery section into scanner limits.
func ScannerConfig(cfg *config.Config) scanner.Config {
	return scanner.Config{
		DefaultTimeout:     time.Duration(cfg.Discovery.DefaultTimeout) * time.Second,
		MaxTimeout:         time.Duration(cfg.Discovery.MaxTimeout) * time.Second,
		MaxConcurrentScans: cfg.Discovery.MaxConcurrentScans,
		ResultTTL:          time.Duration(cfg.Cache.TTL) * time.Second,
		DefaultProtocols:   cfg.Discovery.DefaultProtocols,
		VerifyWorkers:      cfg.Discovery.Verify.Workers,
		CallbackAPIKey:     cfg.Discovery.CallbackAPIKey,
	}
}

// OpenStore returns the configured result store.
func OpenStore(ctx context.Context, cfg config.CacheConfig) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		return store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case "memory", "":
		return store.NewMemoryStore(time.Duration(cfg.SweepInterval) * time.Second), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// BuildProbes creates one probe per supported protocol. The TCP sweeps share
// a single dial rate limiter.
func BuildProbes(cfg config.DiscoveryConfig, logger *zap.SugaredLogger) ([]probe.Probe, error) {
	classifier, err := probe.LoadClassifier(cfg.ClassifierRules)
	if err != nil {
		return nil, err
	}

	transport := probe.MulticastTransport{}
	if cfg.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", cfg.Interface, err)
		}
		transport.Interface = iface
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	dialer := &net.Dialer{}

	ssdp := probe.NewSSDPProbe(transport, classifier, logger)
	onvif := probe.NewONVIFProbe(transport, classifier, logger)

	snmp := probe.NewSNMPProbe(dialer, classifier, logger)
	snmp.Limiter = limiter
	setPositive(&snmp.MaxHosts, cfg.SNMP.MaxHosts)
	setPositive(&snmp.Workers, cfg.SNMP.Workers)
	if cfg.SNMP.DialTimeoutMS > 0 {
		snmp.DialTimeout = millis(cfg.SNMP.DialTimeoutMS)
	}
	if cfg.SNMP.Community != "" {
		snmp.Querier = probe.GoSNMPQuerier{Community: cfg.SNMP.Community, Timeout: snmp.DialTimeout}
	}

	private := probe.NewPrivateProbe(dialer, classifier, logger)
	private.Limiter = limiter
	setPositive(&private.MaxHosts, cfg.Private.MaxHosts)
	setPositive(&private.Workers, cfg.Private.Workers)
	if len(cfg.Private.Ports) > 0 {
		private.Ports = cfg.Private.Ports
	}
	if cfg.Private.Command != "" {
		private.Command = cfg.Private.Command
	}
	if cfg.Private.DialTimeoutMS > 0 {
		private.DialTimeout = millis(cfg.Private.DialTimeoutMS)
	}
	if cfg.Private.ReadTimeoutMS > 0 {
		private.ReadTimeout = millis(cfg.Private.ReadTimeoutMS)
	}

	mdns := probe.NewMDNSProbe(cfg.MDNS.Services, classifier, logger)

	return []probe.Probe{ssdp, onvif, snmp, private, mdns}, nil
}

func setPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

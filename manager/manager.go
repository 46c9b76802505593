// Package manager composes the work store, status bus, constraint evaluator,
// execution engine, and chain scheduler into one runtime.
//
// The manager initializes from configuration via New, creating every
// subsystem internally and binding the download and filter capabilities.
// Functional options replace any subsystem, mainly for tests.
//
//	m, err := manager.New(&cfg)
//	if err := m.Start(ctx); err != nil { ... }
//	defer m.Shutdown(10 * time.Second)
//
//	chain, err := m.SubmitChain(ctx, "daily-cat", work.PolicyKeep, download, filter)
//	sub, err := m.Subscribe(ctx, "daily-cat")
//	for info := range sub.All(ctx) { ... }
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tailored-agentic-units/workchain/artifact"
	"github.com/tailored-agentic-units/workchain/bus"
	"github.com/tailored-agentic-units/workchain/constraint"
	"github.com/tailored-agentic-units/workchain/engine"
	"github.com/tailored-agentic-units/workchain/imaging"
	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/scheduler"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

// Option configures a Manager. Options run before config-driven
// initialization, so any subsystem they set is not created from Config.
type Option func(*Manager)

// WithStore overrides the config-created work store. The manager does not
// close a store it did not open.
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithObserver overrides the observer named in Config.
func WithObserver(o observability.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithEvaluator overrides the constraint evaluator. The network probe still
// runs against it when Config names a probe address.
func WithEvaluator(e *constraint.Evaluator) Option {
	return func(m *Manager) { m.evaluator = e }
}

// WithCapability binds c to kind, replacing the built-in capability if any.
func WithCapability(kind work.Kind, c engine.Capability) Option {
	return func(m *Manager) { m.capabilities[kind] = c }
}

// WithArtifacts overrides the config-created artifact store.
func WithArtifacts(a artifact.Store) Option {
	return func(m *Manager) { m.artifacts = a }
}

// WithLogger sets the logger used by the slog observer and the bus.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the submission and observation surface of the work-chain
// runtime.
type Manager struct {
	cfg          Config
	logger       *slog.Logger
	observer     observability.Observer
	store        store.Store
	ownsStore    bool
	bus          *bus.Bus
	evaluator    *constraint.Evaluator
	probe        *constraint.NetworkProbe
	artifacts    artifact.Store
	capabilities map[work.Kind]engine.Capability
	registry     *engine.Registry
	engine       *engine.Engine
	scheduler    *scheduler.Scheduler

	mu        sync.Mutex
	stopProbe context.CancelFunc
	probeDone chan struct{}
}

// New creates a Manager from configuration.
func New(cfg *Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:          *cfg,
		capabilities: make(map[work.Kind]engine.Capability),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	if m.observer == nil {
		name := cfg.Observer
		if name == "" {
			name = defaultObserver
		}
		obs, err := observability.NewRegistry(m.logger).Get(name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observer: %w", err)
		}
		m.observer = obs
	}

	if m.artifacts == nil {
		a, err := artifact.New(&cfg.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact store: %w", err)
		}
		m.artifacts = a
	}

	if err := m.bindCapabilities(); err != nil {
		return nil, err
	}

	if m.evaluator == nil {
		m.evaluator = constraint.NewEvaluator()
	}
	if cfg.Constraint.NetworkProbe != "" {
		probe, err := constraint.NewNetworkProbe(m.evaluator, cfg.Constraint)
		if err != nil {
			return nil, fmt.Errorf("failed to create network probe: %w", err)
		}
		m.probe = probe
	}

	if m.store == nil {
		st, err := store.New(&cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to create work store: %w", err)
		}
		m.store = st
		m.ownsStore = true
	}

	busCfg := cfg.Bus
	if busCfg.Logger == nil {
		busCfg.Logger = m.logger
	}
	m.bus = bus.New(busCfg)

	engineOpts := []engine.Option{engine.WithObserver(m.observer)}
	if d := cfg.CapabilityTimeout.Std(); d > 0 {
		engineOpts = append(engineOpts, engine.WithTimeout(d))
	}
	m.engine = engine.New(m.registry, engineOpts...)

	m.scheduler = scheduler.New(cfg.Scheduler, m.store, m.bus, m.evaluator, m.engine,
		scheduler.WithObserver(m.observer),
	)

	return m, nil
}

func (m *Manager) bindCapabilities() error {
	fetcher, err := imaging.NewFetcher(m.cfg.Fetch)
	if err != nil {
		return fmt.Errorf("failed to create image fetcher: %w", err)
	}

	builtin := map[work.Kind]engine.Capability{
		work.KindDownload: imaging.NewDownload(fetcher, m.artifacts),
		work.KindFilter:   imaging.NewFilter(imaging.NewLightingFilter(), m.artifacts),
	}
	for kind, c := range m.capabilities {
		builtin[kind] = c
	}

	m.registry = engine.NewRegistry()
	for kind, c := range builtin {
		if err := m.registry.Register(kind, c); err != nil {
			return fmt.Errorf("failed to register capability %q: %w", kind, err)
		}
	}
	return nil
}

// Registry returns the capability registry.
func (m *Manager) Registry() *engine.Registry {
	return m.registry
}

// Evaluator returns the constraint evaluator, so callers without a network
// probe can drive signals themselves.
func (m *Manager) Evaluator() *constraint.Evaluator {
	return m.evaluator
}

// Artifacts returns the store capabilities write into.
func (m *Manager) Artifacts() artifact.Store {
	return m.artifacts
}

// Scheduler returns the underlying scheduler.
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

// Start starts the network probe, if configured, and the scheduler.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}

	if m.probe != nil {
		m.mu.Lock()
		probeCtx, cancel := context.WithCancel(ctx)
		m.stopProbe = cancel
		m.probeDone = make(chan struct{})
		done := m.probeDone
		m.mu.Unlock()

		go func() {
			defer close(done)
			m.probe.Run(probeCtx)
		}()
	}
	return nil
}

// Run starts the manager and blocks until ctx ends, then shuts down with the
// scheduler's configured timeout.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Shutdown(m.scheduler.Config().ShutdownTimeout.Std())
}

// Shutdown stops the probe and the scheduler, closes every subscription, and
// closes the work store when the manager opened it.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	if m.stopProbe != nil {
		m.stopProbe()
		<-m.probeDone
		m.stopProbe = nil
	}
	m.mu.Unlock()

	var errs []error
	if err := m.scheduler.Shutdown(timeout); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
		errs = append(errs, err)
	}
	m.bus.Close()
	if m.ownsStore {
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close work store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SubmitChain enqueues reqs as one chain under name. Every stage kind must
// have a bound capability.
func (m *Manager) SubmitChain(ctx context.Context, name string, policy work.Policy, reqs ...work.Request) (scheduler.Chain, error) {
	for i, r := range reqs {
		if _, ok := m.registry.Get(r.Kind); !ok {
			return scheduler.Chain{}, fmt.Errorf("request %d: %w: %q", i, work.ErrUnknownKind, r.Kind)
		}
	}
	return m.scheduler.EnqueueChain(ctx, name, policy, reqs...)
}

// SubmitDefinition enqueues a parsed chain definition.
func (m *Manager) SubmitDefinition(ctx context.Context, def Definition) (scheduler.Chain, error) {
	return m.SubmitChain(ctx, def.Name, def.Policy, def.Stages...)
}

// Subscribe returns a subscription seeded with the current state of every
// item filed under name, followed by each committed transition.
func (m *Manager) Subscribe(ctx context.Context, name string) (*bus.Subscription, error) {
	return m.scheduler.Subscribe(ctx, name)
}

// Unsubscribe closes sub. It is safe to call more than once.
func (m *Manager) Unsubscribe(sub *bus.Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// Cancel cancels every non-terminal item filed under name and returns how
// many items changed.
func (m *Manager) Cancel(ctx context.Context, name string) (int, error) {
	return m.scheduler.Cancel(ctx, name)
}

// CancelItem cancels one item and everything downstream of it.
func (m *Manager) CancelItem(ctx context.Context, id string) (int, error) {
	return m.scheduler.CancelItem(ctx, id)
}

// ChainInfo returns the current snapshot of every item filed under name.
func (m *Manager) ChainInfo(ctx context.Context, name string) ([]work.Info, error) {
	return m.scheduler.Status(ctx, name)
}

// Metrics returns the status bus counters.
func (m *Manager) Metrics() bus.MetricsSnapshot {
	return m.bus.Metrics()
}

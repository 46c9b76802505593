package constraint

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/tailored-agentic-units/workchain/config"
	"github.com/tailored-agentic-units/workchain/work"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Config selects how the network signal is driven.
type Config struct {
	// NetworkProbe is a host:port dialled to decide connectivity. Empty
	// leaves the signal under manual control.
	NetworkProbe  string          `json:"network_probe,omitempty"`
	ProbeInterval config.Duration `json:"probe_interval,omitempty"`
	ProbeTimeout  config.Duration `json:"probe_timeout,omitempty"`
}

// DefaultConfig returns a configuration with no probe.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: config.Duration(defaultProbeInterval),
		ProbeTimeout:  config.Duration(defaultProbeTimeout),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.NetworkProbe != "" {
		c.NetworkProbe = source.NetworkProbe
	}
	if source.ProbeInterval > 0 {
		c.ProbeInterval = source.ProbeInterval
	}
	if source.ProbeTimeout > 0 {
		c.ProbeTimeout = source.ProbeTimeout
	}
}

// Dialer is the subset of net.Dialer used by NetworkProbe.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NetworkProbe feeds the network signal of an Evaluator by periodically
// opening a TCP connection to a well-known address.
type NetworkProbe struct {
	evaluator *Evaluator
	address   string
	interval  time.Duration
	timeout   time.Duration
	dialer    Dialer
}

// NewNetworkProbe creates a probe for cfg. cfg.NetworkProbe must be set.
func NewNetworkProbe(e *Evaluator, cfg Config) (*NetworkProbe, error) {
	if cfg.NetworkProbe == "" {
		return nil, fmt.Errorf("constraint: network probe address is empty")
	}
	if _, _, err := net.SplitHostPort(cfg.NetworkProbe); err != nil {
		return nil, fmt.Errorf("constraint: network probe address: %w", err)
	}

	interval := cfg.ProbeInterval.Std()
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.ProbeTimeout.Std()
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	return &NetworkProbe{
		evaluator: e,
		address:   cfg.NetworkProbe,
		interval:  interval,
		timeout:   timeout,
		dialer:    &net.Dialer{},
	}, nil
}

// WithDialer swaps the dialer, mainly for tests.
func (p *NetworkProbe) WithDialer(d Dialer) *NetworkProbe {
	p.dialer = d
	return p
}

// Check dials once and updates the network signal. A dial cut short by ctx
// leaves the signal untouched and reports its current value.
func (p *NetworkProbe) Check(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", p.address)
	connected := err == nil
	if conn != nil {
		conn.Close()
	}
	if ctx.Err() != nil {
		return p.evaluator.Satisfied(work.ConstraintNetwork)
	}

	p.evaluator.SetNetwork(connected)
	return connected
}

// Run checks immediately and then on every interval until ctx ends.
func (p *NetworkProbe) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

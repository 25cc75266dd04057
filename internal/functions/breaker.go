package functions

import (
	"sync"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// BreakerState is the state of one function's circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig tunes the circuit breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	// Cooldown is how long an open circuit rejects calls.
	Cooldown time.Duration
	// Probes is the number of calls let through while half-open.
	Probes int
}

// DefaultBreakerConfig returns the defaults used by the CLI.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second, Probes: 1}
}

type circuit struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers keeps one circuit per remote function.
type Breakers struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breakers{circuits: make(map[string]*circuit), cfg: cfg, now: time.Now}
}

// Allow returns nil when a call to name may proceed.
func (b *Breakers) Allow(name string) error {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		elapsed := b.now().Sub(c.lastFailure)
		if elapsed < b.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCommunication,
				"function %q unavailable: circuit open after %d consecutive failures", name, c.failures).
				WithDetails(map[string]any{
					"function":           name,
					"state":              c.state.String(),
					"cooldown_remaining": (b.cfg.Cooldown - elapsed).String(),
				})
		}
		c.state = BreakerHalfOpen
		c.probes = 1
	case BreakerHalfOpen:
		if c.probes >= b.cfg.Probes {
			return schema.NewErrorf(schema.ErrCodeCommunication,
				"function %q unavailable: circuit half-open, probe in flight", name)
		}
		c.probes++
	}
	return nil
}

// Success closes the circuit.
func (b *Breakers) Success(name string) {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = BreakerClosed
	c.failures = 0
	c.probes = 0
}

// Failure counts a failed call and returns the resulting state.
func (b *Breakers) Failure(name string) BreakerState {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = b.now()
	if c.state == BreakerHalfOpen || c.failures >= b.cfg.Threshold {
		c.state = BreakerOpen
	}
	return c.state
}

// State reports the circuit state of name.
func (b *Breakers) State(name string) BreakerState {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen && b.now().Sub(c.lastFailure) >= b.cfg.Cooldown {
		c.state = BreakerHalfOpen
		c.probes = 0
	}
	return c.state
}

// Stats describes the circuit of name.
func (b *Breakers) Stats(name string) map[string]any {
	c := b.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"function":             name,
		"state":                c.state.String(),
		"consecutive_failures": c.failures,
		"threshold":            b.cfg.Threshold,
		"cooldown":             b.cfg.Cooldown.String(),
	}
}

func (b *Breakers) circuit(name string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{}
		b.circuits[name] = c
	}
	return c
}

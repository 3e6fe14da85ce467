// Package breaker implements a per-provider circuit breaker that stops
// traffic to a failing provider and probes for recovery without any timer
// goroutine: state is re-evaluated lazily on each access.
package breaker

import (
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - requests are allowed
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - probe requests are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds circuit breaker thresholds
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before admitting probes
	OpenTimeout time.Duration
	// OnStateChange is called whenever a provider's circuit changes state
	OnStateChange func(provider string, from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// circuit holds the state machine for one provider.
type circuit struct {
	mu                 sync.Mutex
	state              State
	failureCount       int
	successCount       int
	lastFailureTime    time.Time
	lastTransitionTime time.Time
}

// Breaker tracks circuit state per provider. Circuits are created lazily in
// the CLOSED state and persist for the process lifetime.
type Breaker struct {
	config   Config
	circuits map[string]*circuit
	mu       sync.Mutex
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// NewBreaker creates a circuit breaker registry.
func NewBreaker(config Config, m *metrics.Metrics) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}

	return &Breaker{
		config:   config,
		circuits: make(map[string]*circuit),
		metrics:  m,
		logger:   logging.GetLogger(),
	}
}

func (b *Breaker) circuitFor(provider string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[provider]; ok {
		return c
	}
	c := &circuit{
		state:              StateClosed,
		lastTransitionTime: time.Now(),
	}
	b.circuits[provider] = c
	return c
}

// maybeHalfOpenLocked transitions OPEN to HALF_OPEN once the open timeout has
// elapsed. Caller must hold c.mu.
func (b *Breaker) maybeHalfOpenLocked(provider string, c *circuit, now time.Time) {
	if c.state == StateOpen && now.Sub(c.lastTransitionTime) >= b.config.OpenTimeout {
		b.setStateLocked(provider, c, StateHalfOpen, now)
	}
}

// AllowRequest reports whether a request to provider may proceed. OPEN
// circuits whose timeout elapsed move to HALF_OPEN and admit the probe.
func (b *Breaker) AllowRequest(provider string) bool {
	c := b.circuitFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	b.maybeHalfOpenLocked(provider, c, time.Now())
	return c.state != StateOpen
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess(provider string) {
	c := b.circuitFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	b.maybeHalfOpenLocked(provider, c, now)

	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= b.config.SuccessThreshold {
			b.setStateLocked(provider, c, StateClosed, now)
		}
	}
}

// RecordFailure registers a failed call.
func (b *Breaker) RecordFailure(provider string) {
	c := b.circuitFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	b.maybeHalfOpenLocked(provider, c, now)
	c.lastFailureTime = now

	switch c.state {
	case StateClosed:
		c.failureCount++
		c.successCount = 0
		if c.failureCount >= b.config.FailureThreshold {
			b.setStateLocked(provider, c, StateOpen, now)
		}
	case StateHalfOpen:
		// Any failure during probing re-opens the circuit.
		b.setStateLocked(provider, c, StateOpen, now)
	}
}

// setStateLocked transitions the circuit and resets counters. Caller must
// hold c.mu.
func (b *Breaker) setStateLocked(provider string, c *circuit, state State, now time.Time) {
	if c.state == state {
		return
	}

	prev := c.state
	c.state = state
	c.lastTransitionTime = now
	c.failureCount = 0
	c.successCount = 0

	if b.metrics != nil {
		b.metrics.RecordCircuitTransition(provider, prev.String(), state.String(), float64(state))
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(provider, prev, state)
	}

	b.logger.Info("Circuit breaker state changed",
		"provider", provider,
		"from", prev.String(),
		"to", state.String(),
	)
}

// State returns the current state for provider, applying the lazy
// OPEN to HALF_OPEN transition first.
func (b *Breaker) State(provider string) State {
	c := b.circuitFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	b.maybeHalfOpenLocked(provider, c, time.Now())
	return c.state
}

// Reset returns one provider's circuit to CLOSED. Test and ops hook.
func (b *Breaker) Reset(provider string) {
	c := b.circuitFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateClosed
	c.failureCount = 0
	c.successCount = 0
	c.lastTransitionTime = time.Now()
}

// ResetAll discards all circuits.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits = make(map[string]*circuit)
}

// CircuitStatus is a read-only snapshot of one provider's circuit.
type CircuitStatus struct {
	State              string    `json:"state"`
	FailureCount       int       `json:"failure_count"`
	SuccessCount       int       `json:"success_count"`
	LastFailureTime    time.Time `json:"last_failure_time,omitempty"`
	LastTransitionTime time.Time `json:"last_transition_time"`
}

// Status returns a snapshot of every provider's circuit.
func (b *Breaker) Status() map[string]CircuitStatus {
	b.mu.Lock()
	circuits := make(map[string]*circuit, len(b.circuits))
	for name, c := range b.circuits {
		circuits[name] = c
	}
	b.mu.Unlock()

	status := make(map[string]CircuitStatus, len(circuits))
	for name, c := range circuits {
		c.mu.Lock()
		b.maybeHalfOpenLocked(name, c, time.Now())
		status[name] = CircuitStatus{
			State:              c.state.String(),
			FailureCount:       c.failureCount,
			SuccessCount:       c.successCount,
			LastFailureTime:    c.lastFailureTime,
			LastTransitionTime: c.lastTransitionTime,
		}
		c.mu.Unlock()
	}
	return status
}

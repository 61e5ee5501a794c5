package resilience

import (
	"sync"
	"time"

	"github.com/itsneelabh/callrelay/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows probe requests through
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CountsAsFailure reports whether a failure of kind says something about the
// health of the remote endpoint. Caller mistakes (validation, auth) and
// callable-level failures do not trip the breaker.
func CountsAsFailure(kind core.ErrorKind) bool {
	switch kind {
	case core.KindServer, core.KindTimeout, core.KindUnknown, core.KindRateLimit:
		return true
	}
	return false
}

// CircuitBreaker protects one remote callable.
// Closed -> Open after Threshold consecutive failures; Open -> HalfOpen after
// Timeout; HalfOpen -> Closed after SuccessThreshold successes, or back to Open
// on any failure.
type CircuitBreaker struct {
	name   string
	config core.CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time

	now    func() time.Time
	logger core.Logger
}

// NewCircuitBreaker creates a breaker for the named callable.
func NewCircuitBreaker(name string, config core.CircuitBreakerConfig) *CircuitBreaker {
	if config.Threshold < 1 {
		config.Threshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		logger: &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.logger = &core.NoOpLogger{}
	} else {
		cb.logger = logger
	}
}

// CanExecute checks if the circuit breaker allows execution
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state != StateOpen
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.Threshold {
			cb.transition(StateOpen)
		}
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if to == StateClosed {
		cb.failures = 0
	}

	cb.logger.Warn("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_state_change",
		"callable":  cb.name,
		"from":      from.String(),
		"to":        to.String(),
	})
}

// BreakerGroup lazily creates one breaker per callable.
// A disabled group hands out nil breakers, which callers treat as always closed.
type BreakerGroup struct {
	config core.CircuitBreakerConfig
	logger core.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerGroup creates a group sharing one configuration.
func NewBreakerGroup(config core.CircuitBreakerConfig, logger core.Logger) *BreakerGroup {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BreakerGroup{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, or nil when breakers are disabled.
func (g *BreakerGroup) Get(name string) *CircuitBreaker {
	if g == nil || !g.config.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, g.config)
		cb.SetLogger(g.logger)
		g.breakers[name] = cb
	}
	return cb
}

package toolrpc

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit states.
type BreakerState int

const (
	// StateClosed lets operations through while counting outcomes.
	StateClosed BreakerState = iota
	// StateOpen blocks operations until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a trial attempt decide recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
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

const (
	defaultBreakerMinSamples   = 5
	defaultBreakerFailureRatio = 0.5
	defaultBreakerCooldown     = 30 * time.Second
)

type circuit struct {
	state           BreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextAttemptTime time.Time
}

// CircuitBreaker tracks a per-tool three-state machine that stops
// attempting an operation once its recent failure rate crosses a threshold.
// Circuits are created lazily on first use and mutated only by outcome
// recording and the lazy open-to-half-open check inside IsOpen.
type CircuitBreaker struct {
	mu           sync.Mutex
	minSamples   int
	failureRatio float64
	cooldown     time.Duration
	now          func() time.Time
	circuits     map[string]*circuit
}

// CircuitBreakerOption configures optional CircuitBreaker behavior.
type CircuitBreakerOption func(*CircuitBreaker)

// WithBreakerMinSamples sets the minimum observed outcomes before the
// failure ratio is evaluated.
func WithBreakerMinSamples(n int) CircuitBreakerOption {
	return func(b *CircuitBreaker) {
		b.minSamples = n
	}
}

// WithBreakerFailureRatio sets the failure ratio at or above which a closed
// circuit trips.
func WithBreakerFailureRatio(ratio float64) CircuitBreakerOption {
	return func(b *CircuitBreaker) {
		b.failureRatio = ratio
	}
}

// WithBreakerCooldown sets how long a tripped circuit stays open before a
// trial attempt is allowed.
func WithBreakerCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(b *CircuitBreaker) {
		b.cooldown = cooldown
	}
}

// WithBreakerClock overrides the breaker's time source.
func WithBreakerClock(now func() time.Time) CircuitBreakerOption {
	return func(b *CircuitBreaker) {
		b.now = now
	}
}

// NewCircuitBreaker creates a breaker with the given options.
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		minSamples:   defaultBreakerMinSamples,
		failureRatio: defaultBreakerFailureRatio,
		cooldown:     defaultBreakerCooldown,
		now:          time.Now,
		circuits:     make(map[string]*circuit),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// IsOpen is the single gate callers consult before attempting an operation.
// Once the cooldown has elapsed it performs the lazy open-to-half-open
// transition as a side effect; there is no background timer. A circuit with
// zero recorded outcomes reports false.
func (b *CircuitBreaker) IsOpen(tool string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[tool]
	if !ok {
		return false
	}

	if c.state == StateOpen && !b.now().Before(c.nextAttemptTime) {
		c.state = StateHalfOpen
		return false
	}

	return c.state == StateOpen
}

// RecordSuccess records a successful outcome for tool. In half-open state
// the first success closes the circuit and resets all counters.
func (b *CircuitBreaker) RecordSuccess(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(tool)
	c.lastSuccessTime = b.now()

	if c.state == StateHalfOpen {
		c.state = StateClosed
		c.failures = 0
		c.successes = 0
		return
	}
	c.successes++
}

// RecordFailure records a failed outcome for tool. A closed circuit trips
// once the total observed outcomes reach the minimum sample size and the
// failure ratio meets the threshold; a half-open circuit re-opens on any
// failure, restarting the cooldown.
func (b *CircuitBreaker) RecordFailure(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.circuit(tool)
	c.lastFailureTime = now

	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.nextAttemptTime = now.Add(b.cooldown)
		return
	}

	c.failures++
	total := c.failures + c.successes
	if c.state == StateClosed && total >= b.minSamples {
		if float64(c.failures)/float64(total) >= b.failureRatio {
			c.state = StateOpen
			c.nextAttemptTime = now.Add(b.cooldown)
		}
	}
}

// State reports the current state of tool's circuit without side effects.
func (b *CircuitBreaker) State(tool string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[tool]
	if !ok {
		return StateClosed
	}
	return c.state
}

func (b *CircuitBreaker) circuit(tool string) *circuit {
	c, ok := b.circuits[tool]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[tool] = c
	}
	return c
}

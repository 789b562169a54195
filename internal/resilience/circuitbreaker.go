// Package resilience provides circuit breaker and provider failover primitives.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open). The cloud backend wraps its primary store in
// one so that an unreachable database is bypassed without paying a dial
// timeout on every call. [FallbackGroup] composes several text completers or
// speech synthesizers with per-entry breakers; see [TextFallback] and
// [SpeechFallback].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the breaker opened.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls. Enough
	// successful probes close the breaker; one failed probe opens it again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before admitting
	// probes. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of concurrent probes admitted while
	// half-open and the number of successes needed to close. Default: 3.
	HalfOpenMax int

	// IsFailure classifies errors returned by the protected call. Errors for
	// which it returns false count as successes, so a rejected password does
	// not trip a breaker guarding a healthy database. Default: every non-nil
	// error is a failure.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CircuitBreaker guards calls to a dependency that may be down.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last opened
	window   uint64    // bumped on each half-open entry; stale probe results are ignored
	probes   int       // probes admitted in the current window
	passed   int       // successful probes in the current window
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// ticket records how a call was admitted.
type ticket struct {
	probe  bool
	window uint64
}

type transition struct{ from, to State }

// Execute runs fn unless the breaker rejects it with [ErrCircuitOpen]. The
// error fn returns is passed through unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	t, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(t, err)
	return err
}

func (cb *CircuitBreaker) admit() (ticket, error) {
	cb.mu.Lock()
	var changes []transition
	if cb.state == StateOpen && cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		changes = append(changes, cb.moveTo(StateHalfOpen))
	}

	var (
		t   ticket
		err error
	)
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
			break
		}
		cb.probes++
		t = ticket{probe: true, window: cb.window}
	}
	cb.mu.Unlock()

	cb.announce(changes)
	return t, err
}

func (cb *CircuitBreaker) settle(t ticket, err error) {
	failed := cb.cfg.IsFailure(err)

	cb.mu.Lock()
	var changes []transition
	switch {
	case t.probe:
		if cb.state != StateHalfOpen || t.window != cb.window {
			break
		}
		if failed {
			changes = append(changes, cb.moveTo(StateOpen))
			break
		}
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			changes = append(changes, cb.moveTo(StateClosed))
		}
	case cb.state == StateClosed:
		if !failed {
			cb.failures = 0
			break
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			changes = append(changes, cb.moveTo(StateOpen))
		}
	}
	cb.mu.Unlock()

	cb.announce(changes)
}

// moveTo switches state and resets the counters of the new state. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) moveTo(to State) transition {
	tr := transition{from: cb.state, to: to}
	cb.state = to
	switch to {
	case StateClosed:
		cb.failures = 0
	case StateOpen:
		cb.openedAt = cb.cfg.Clock()
	case StateHalfOpen:
		cb.window++
		cb.probes, cb.passed = 0, 0
	}
	return tr
}

func (cb *CircuitBreaker) announce(changes []transition) {
	for _, c := range changes {
		if c.from == c.to {
			continue
		}
		level := slog.LevelInfo
		if c.to == StateOpen {
			level = slog.LevelWarn
		}
		cb.cfg.Logger.Log(context.Background(), level, "circuit breaker state change",
			"name", cb.cfg.Name, "from", c.from.String(), "to", c.to.String())
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, c.from, c.to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call to [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.announce([]transition{tr})
}

// Package breaker implements a circuit breaker for calls to flaky
// downstream dependencies. A breaker trips open after a run of
// consecutive failures, rejects calls while open, and probes recovery
// with a bounded number of trial calls once a cooldown has elapsed.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/datalith/tabular-ingest/internal/logging"
	"github.com/datalith/tabular-ingest/internal/metrics"
)

// ErrCircuitOpen is returned when a call is rejected without being
// attempted because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
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
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero fields take the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// trips the breaker open.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before
	// allowing trial calls.
	RecoveryTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive trial successes
	// required to close the breaker again.
	HalfOpenSuccesses int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 3
	}
	return c
}

// Snapshot is a point-in-time view of a breaker for logs and tests.
type Snapshot struct {
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
}

// Breaker guards one named downstream target. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int // consecutive failures
	successes   int // consecutive half-open successes
	lastFailure time.Time
	nextAttempt time.Time
	trialActive bool

	now func() time.Time
}

// New creates a closed breaker for the named target.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		log:  logging.Component("breaker"),
		now:  time.Now,
	}
}

// Execute runs fn under the breaker. When the breaker is open and the
// cooldown has not elapsed, fn is not called and ErrCircuitOpen is
// returned. Errors from fn are recorded and passed through unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// before gates the call and claims a trial slot when half-open.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.reject()
			return ErrCircuitOpen
		}
		// Cooldown elapsed; this call becomes the first trial.
		b.transition(StateHalfOpen)
		b.successes = 0
		b.trialActive = true
		return nil

	case StateHalfOpen:
		// One trial in flight at a time; everyone else waits it out.
		if b.trialActive {
			b.reject()
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	}
	return nil
}

// after folds the call outcome into the breaker state.
func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.lastFailure = b.now()
	}

	switch b.state {
	case StateClosed:
		if err != nil {
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip()
			}
		}
		// A success while closed does not clear the failure run; only
		// a full half-open recovery does.

	case StateHalfOpen:
		b.trialActive = false
		if err != nil {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// trip opens the breaker and starts the cooldown. Caller holds b.mu.
func (b *Breaker) trip() {
	b.transition(StateOpen)
	b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
	b.trialActive = false
	b.successes = 0
}

// transition records a state change. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	b.log.Info("breaker state change",
		"target", b.name, "from", from.String(), "to", to.String())
	if m := metrics.Get(); m != nil {
		m.SetBreakerState(b.name, float64(to))
		m.IncBreakerTransitions(b.name, to.String())
	}
}

func (b *Breaker) reject() {
	if m := metrics.Get(); m != nil {
		m.IncBreakerRejections(b.name)
	}
}

// Snapshot reports the current state without advancing it. An open
// breaker past its cooldown still reports open: the half-open
// transition happens lazily on the next Execute.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.successes = 0
	b.trialActive = false
	b.lastFailure = time.Time{}
	b.nextAttempt = time.Time{}
}

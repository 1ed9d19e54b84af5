// Package breaker implements a per-dependency circuit breaker with a sliding
// failure window and exponentially backed-off open periods.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// State is the breaker position.
type State int

// Breaker states. Transitions follow Closed -> Open -> HalfOpen -> {Closed|Open}.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
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

// OpenError is returned without invoking the guarded dependency. Callers can
// distinguish it from a real call failure and apply different backoff logic.
type OpenError struct {
	Dependency string
	Until      time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Dependency, e.Until.Format(time.RFC3339))
}

// IsOpen reports whether err is a fail-fast circuit rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Config controls transition thresholds. Zero fields get defaults.
type Config struct {
	// FailureThreshold opens the circuit once this many failures land inside
	// the sliding Window.
	FailureThreshold int
	// Window is the sliding interval failures are counted over.
	Window time.Duration
	// OpenBase is the first open period; consecutive re-opens double it.
	OpenBase time.Duration
	// OpenMax caps the exponential open period.
	OpenMax time.Duration
	// Clock supplies time; defaults to the wall clock.
	Clock pipeline.Clock
	// OnStateChange is invoked outside the breaker lock on every transition.
	OnStateChange func(dependency string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.OpenBase <= 0 {
		c.OpenBase = 10 * time.Second
	}
	if c.OpenMax <= 0 {
		c.OpenMax = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = wallClock{}
	}
	return c
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Breaker guards one dependency. The mutex covers only counter and state
// mutation; the guarded call itself runs unlocked so slow calls do not
// serialize each other.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  []time.Time
	openUntil time.Time
	openRuns  int
	trial     bool
}

// New builds a Breaker for the named dependency.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateClosed,
	}
}

// Do runs fn under breaker protection. When the circuit is open it returns
// *OpenError immediately without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	release, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	release(callErr)
	return callErr
}

// State returns the current position, accounting for an elapsed open period.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.cfg.Clock.Now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// admit decides whether a call may proceed and returns the completion hook.
func (b *Breaker) admit() (func(error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	if b.state == StateOpen {
		if now.Before(b.openUntil) {
			return nil, &OpenError{Dependency: b.name, Until: b.openUntil}
		}
		b.transition(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.trial {
			// One trial at a time; everyone else fails fast.
			return nil, &OpenError{Dependency: b.name, Until: b.openUntil}
		}
		b.trial = true
		return b.settleTrial, nil
	}
	return b.settleClosed, nil
}

// settleClosed records a closed-state outcome.
func (b *Breaker) settleClosed(callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	if callErr == nil {
		b.failures = b.failures[:0]
		b.openRuns = 0
		return
	}
	b.failures = append(b.pruned(now), now)
	if len(b.failures) >= b.cfg.FailureThreshold && b.state == StateClosed {
		b.open(now)
	}
}

// settleTrial records the outcome of the half-open probe.
func (b *Breaker) settleTrial(callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	now := b.cfg.Clock.Now()
	if callErr == nil {
		b.failures = b.failures[:0]
		b.openRuns = 0
		b.transition(StateClosed)
		return
	}
	b.open(now)
}

// open moves to Open with an exponentially grown cooldown.
func (b *Breaker) open(now time.Time) {
	d := b.cfg.OpenBase << b.openRuns
	if d <= 0 || d > b.cfg.OpenMax {
		d = b.cfg.OpenMax
	}
	b.openRuns++
	b.openUntil = now.Add(d)
	b.failures = b.failures[:0]
	b.transition(StateOpen)
}

// pruned drops failures that slid out of the window.
func (b *Breaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("circuit state change",
		zap.String("dependency", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb := b.cfg.OnStateChange; cb != nil {
		go cb(b.name, from, to)
	}
}

package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var (
	// ErrOpen is returned when a call is rejected because the breaker is
	// open and the recovery deadline has not passed.
	ErrOpen = errors.New("breaker: circuit open")

	// ErrTooManyCalls is returned when a half-open breaker already has the
	// maximum number of trial calls in flight. Counters are not affected.
	ErrTooManyCalls = errors.New("breaker: too many calls while half-open")

	// ErrTimeout is returned when the wrapped operation did not settle
	// within the configured timeout. The underlying work is not cancelled;
	// its eventual result is discarded.
	ErrTimeout = errors.New("breaker: operation timed out")
)

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeFunc is invoked after a breaker transitions between states.
// It is called synchronously under no lock; implementations must be fast
// or dispatch to their own goroutine.
type StateChangeFunc func(name string, from, to State)

// Breaker is a single circuit breaker guarding one backend.
type Breaker struct {
	name     string
	cfg      Config
	onChange StateChangeFunc

	mu           sync.Mutex
	state        State
	counts       Counts
	nextAttempt  time.Time
	halfOpenBusy int

	now func() time.Time
}

// New creates a Breaker with the given name and configuration.
// Non-positive config fields fall back to DefaultConfig values.
func New(name string, cfg Config, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		name:     name,
		cfg:      cfg.normalized(),
		onChange: onChange,
		state:    StateClosed,
		now:      time.Now,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Counts returns a snapshot of the breaker's statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// NextAttempt returns the earliest time at which an open breaker will
// allow a trial call. Zero when the breaker is not open.
func (b *Breaker) NextAttempt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return time.Time{}
	}

	return b.nextAttempt
}

// Allows reports whether a call routed through this breaker right now
// would be admitted. An open breaker allows again once the recovery
// deadline has passed; the next admitted call becomes the half-open
// trial. Allows itself never transitions state.
func (b *Breaker) Allows() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}

	return !b.now().Before(b.nextAttempt)
}

// Reset forces the breaker to Closed with zero counters. Intended for
// recovery tooling and the health-check loop, not the dispatch path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.state = StateClosed
	b.counts = Counts{}
	b.halfOpenBusy = 0
	b.nextAttempt = time.Time{}
	b.mu.Unlock()

	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
}

// Execute runs fn through the breaker. The call is rejected with ErrOpen
// while the breaker is open and before the recovery deadline, and with
// ErrTooManyCalls when the half-open trial budget is exhausted. The
// operation is bounded by the configured timeout: fn receives a context
// with that deadline, and if it does not settle in time the call counts
// as a failure and returns ErrTimeout. A late settlement after the
// deadline is dropped and does not touch the counters.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	result, err := b.run(ctx, fn)

	b.settle(err == nil)

	return result, err
}

// admit checks state and reserves a call slot. It performs the
// Open -> HalfOpen transition when the recovery deadline has passed.
func (b *Breaker) admit() error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return fmt.Errorf("%w: next attempt at %s", ErrOpen, b.nextAttempt.Format(time.RFC3339))
		}

		b.state = StateHalfOpen
		b.counts.ConsecutiveSuccesses = 0
		b.halfOpenBusy = 1
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)

		return nil
	case StateHalfOpen:
		if b.halfOpenBusy >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return ErrTooManyCalls
		}

		b.halfOpenBusy++
		b.mu.Unlock()

		return nil
	default:
		b.mu.Unlock()
		return nil
	}
}

// run executes fn bounded by the configured timeout. The result channel
// is buffered so a late completion does not leak the goroutine.
func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	type outcome struct {
		result any
		err    error
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)

	go func() {
		result, err := fn(callCtx)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, b.cfg.Timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrTimeout, ctx.Err())
	}
}

// settle records the outcome of an admitted call and drives the state
// machine transitions.
func (b *Breaker) settle(success bool) {
	b.mu.Lock()

	var from, to State

	switch b.state {
	case StateClosed:
		b.counts.Requests++

		if success {
			b.counts.TotalSuccesses++
			b.counts.ConsecutiveSuccesses++
			b.counts.ConsecutiveFailures = 0
		} else {
			b.counts.TotalFailures++
			b.counts.ConsecutiveFailures++
			b.counts.ConsecutiveSuccesses = 0

			if b.counts.ConsecutiveFailures >= uint32(b.cfg.FailureThreshold) {
				b.state = StateOpen
				b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
				from, to = StateClosed, StateOpen
			}
		}
	case StateHalfOpen:
		b.counts.Requests++
		b.halfOpenBusy--

		if success {
			b.counts.TotalSuccesses++
			b.counts.ConsecutiveSuccesses++
			b.counts.ConsecutiveFailures = 0

			if b.counts.ConsecutiveSuccesses >= uint32(b.cfg.SuccessThreshold) {
				b.state = StateClosed
				b.counts.ConsecutiveSuccesses = 0
				b.counts.ConsecutiveFailures = 0
				b.nextAttempt = time.Time{}
				from, to = StateHalfOpen, StateClosed
			}
		} else {
			b.counts.TotalFailures++
			b.counts.ConsecutiveFailures++
			b.counts.ConsecutiveSuccesses = 0
			b.state = StateOpen
			b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
			b.halfOpenBusy = 0
			from, to = StateHalfOpen, StateOpen
		}
	case StateOpen:
		// A call admitted while half-open can settle after another
		// failure already reopened the breaker. Record totals only.
		b.counts.Requests++

		if success {
			b.counts.TotalSuccesses++
		} else {
			b.counts.TotalFailures++
		}
	}

	b.mu.Unlock()

	if to != "" {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// IsRejection reports whether err is a breaker admission rejection
// (open circuit or half-open budget exhausted) rather than a failure of
// the wrapped operation.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyCalls)
}

// Package supervisor bounds blocking calls with a deadline.
//
// Remote operations (starting a cluster, running a command on its master,
// terminating it) may block indefinitely and cannot be relied upon to
// honour context cancellation.  Run executes such a call on its own
// goroutine and races it against a timer.  When the timer wins the caller
// gets a timed-out Outcome immediately; the call itself may keep running
// and its eventual result is discarded.  Any remote side effect it has
// (a cluster that finishes booting, a test command still executing on the
// master) persists: cancellation is best-effort only.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/panics"
)

// ErrTimeout is returned in Outcome.Err when the deadline fired first.
var ErrTimeout = errors.New("deadline exceeded")

// Outcome is the result of a supervised call.
type Outcome[T any] struct {
	Value    T
	Err      error
	TimedOut bool
	// Cancelled is set when the caller's context ended before fn
	// returned.  Like a timeout, the call was abandoned in flight.
	Cancelled bool
	Elapsed   time.Duration
}

// Abandoned reports whether Run stopped waiting before fn returned.
func (o Outcome[T]) Abandoned() bool {
	return o.TimedOut || o.Cancelled
}

type result[T any] struct {
	value T
	err   error
}

// Run calls fn on a separate goroutine and waits at most timeout for it.
//
// The context passed to fn is cancelled when Run returns, as a hint to
// implementations that can stop early.  If ctx is cancelled before fn
// returns, Run returns ctx.Err() without waiting.  A panic inside fn is
// recovered and reported as an error.  A non-positive timeout yields a
// timed-out Outcome without calling fn.
func Run[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) Outcome[T] {
	start := time.Now()
	if timeout <= 0 {
		return Outcome[T]{Err: ErrTimeout, TimedOut: true}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a call that finishes after the deadline never blocks.
	done := make(chan result[T], 1)
	go func() {
		var r result[T]
		var pc panics.Catcher
		pc.Try(func() {
			r.value, r.err = fn(callCtx)
		})
		if rec := pc.Recovered(); rec != nil {
			r.err = rec.AsError()
		}
		done <- r
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return Outcome[T]{Value: r.value, Err: r.err, Elapsed: time.Since(start)}
	case <-timer.C:
		return Outcome[T]{Err: ErrTimeout, TimedOut: true, Elapsed: time.Since(start)}
	case <-ctx.Done():
		return Outcome[T]{Err: ctx.Err(), Cancelled: true, Elapsed: time.Since(start)}
	}
}

// Do is Run for calls that only return an error.
func Do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) Outcome[struct{}] {
	return Run(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

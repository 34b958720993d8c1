// Package poll evaluates UI conditions repeatedly until they hold or a
// deadline passes. Media and DOM state in the browser is asynchronous and is
// never pushed to the harness, so every convergence assertion goes through
// Until.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultIntervals is the wait schedule used when Options.Intervals is empty.
// The last interval repeats until the deadline.
var DefaultIntervals = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Options configures a single Until call.
type Options struct {
	Timeout   time.Duration   // Overall deadline (default: 15s)
	Intervals []time.Duration // Wait schedule between attempts (default: 1s, 2s, 3s)
}

// MismatchError reports that a condition does not hold yet.
// Only predicates returning a *MismatchError are retried.
type MismatchError struct {
	Msg string
	Err error // optional cause, see Retryable
}

func (e *MismatchError) Error() string {
	return e.Msg
}

func (e *MismatchError) Unwrap() error {
	return e.Err
}

// Mismatchf builds a retryable "not converged yet" error.
func Mismatchf(format string, args ...any) error {
	return &MismatchError{Msg: fmt.Sprintf(format, args...)}
}

// IsMismatch reports whether err (or anything it wraps) is a *MismatchError.
func IsMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}

// TimeoutError is returned when the predicate never held before the deadline.
// Last carries the final observed mismatch.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("condition not met after %v (%d attempts): %v", e.Timeout, e.Attempts, e.Last)
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// Until calls fn until it returns nil, returns a non-mismatch error, the
// timeout elapses, or ctx is done.
//
// Waits follow opts.Intervals and are clamped to the deadline, so a final
// attempt is always made at the deadline. TimeoutError is never returned
// before opts.Timeout has elapsed.
func Until(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	intervals := opts.Intervals
	if len(intervals) == 0 {
		intervals = DefaultIntervals
	}

	deadline := time.Now().Add(timeout)
	attempts := 0

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsMismatch(err) {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &TimeoutError{Timeout: timeout, Attempts: attempts, Last: err}
		}

		wait := intervals[len(intervals)-1]
		if attempts-1 < len(intervals) {
			wait = intervals[attempts-1]
		}
		if wait > remaining {
			wait = remaining
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("polling aborted after %d attempts (last: %v): %w", attempts, err, ctx.Err())
		case <-timer.C:
		}
	}
}

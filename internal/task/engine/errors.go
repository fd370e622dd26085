package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task queue full")
	ErrOverlapSkip = errors.New("previous run still in progress")
)

// NoRetry marks err as permanent: the worker records it and moves on
// without further attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, permanent: true}
}

// RetryAfter asks for the next attempt no sooner than after, as a chat
// flood wait does. The delay is still capped by RetryMaxDelay.
//
//	return engine.RetryAfter(err, 30*time.Second)
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry a retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// hintError attaches a retry decision to a task error.
type hintError struct {
	err       error
	permanent bool
	after     time.Duration
}

func (e *hintError) Error() string {
	if e.permanent {
		return "permanent: " + e.err.Error()
	}
	return fmt.Sprintf("retry after %s: %v", e.after, e.err)
}

func (e *hintError) Unwrap() error             { return e.err }
func (e *hintError) RetryAfter() time.Duration { return e.after }

// permanentCause returns the error wrapped by NoRetry, if any.
func permanentCause(err error) (error, bool) {
	var h *hintError
	if errors.As(err, &h) && h.permanent {
		return h.err, true
	}
	return nil, false
}

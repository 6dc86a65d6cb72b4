package queue

import (
	"context"
	"errors"
	"fmt"
)

// ErrBackendUnavailable marks a transient infrastructure failure of the
// durable backend. It is absorbed at the queue boundary by switching to
// fallback mode; it is never a job failure.
var ErrBackendUnavailable = errors.New("queue: durable backend unavailable")

// ErrUnknownKind indicates an enqueue for a kind with no registered handler.
var ErrUnknownKind = errors.New("queue: unknown job kind")

// ErrJobNotFound indicates the job id is not known to the backend.
var ErrJobNotFound = errors.New("queue: job not found")

// ErrNotCancellable indicates the job was already claimed or finished.
var ErrNotCancellable = errors.New("queue: job not cancellable")

type classifiedError struct {
	err   error
	fatal bool
}

func (e *classifiedError) Error() string {
	if e.fatal {
		return fmt.Sprintf("fatal: %v", e.err)
	}
	return fmt.Sprintf("retryable: %v", e.err)
}

func (e *classifiedError) Unwrap() error { return e.err }

// Retryable wraps a transient handler failure; the job is re-attempted with
// backoff until MaxAttempts is exhausted.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err}
}

// Fatal wraps a permanent handler failure (malformed payload, authorization
// denied); remaining attempts are skipped and the job dead-letters.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, fatal: true}
}

// IsFatal reports whether err was classified fatal by its handler.
// Unclassified errors count as retryable: a handler that forgot to classify
// should not lose work. Context cancellation is always retryable.
func IsFatal(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.fatal
	}
	return false
}

// IsRetryable reports whether the job should be attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return !IsFatal(err)
}

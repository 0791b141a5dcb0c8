package engine

import (
	"errors"
	"fmt"
	"time"

	"ledgerd/internal/action"
)

var (
	ErrNoMaterializer = errors.New("engine: no transaction materializer configured")
	ErrNoExporter     = errors.New("engine: no backup exporter configured")
	ErrUnknownType    = errors.New("engine: unknown action type")
)

// OccurrenceError is returned when executing one occurrence of a scheduled
// action fails. Occurrences before At stay recorded on the action.
type OccurrenceError struct {
	ScheduledActionUID string
	Type               action.Type
	At                 time.Time
	Attempts           int
	Err                error
}

func (e *OccurrenceError) Error() string {
	return fmt.Sprintf("%s %s: occurrence %s: %v", e.Type, e.ScheduledActionUID, e.At.Format(time.RFC3339), e.Err)
}

func (e *OccurrenceError) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable.
//
// Collaborators wrap permanent failures (a missing template, a bad backup
// target) so the engine reports them right away instead of retrying.
//
//	return engine.NoRetry(fmt.Errorf("template %s: %w", uid, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
// The engine respects the hint, bounded by RetryPolicy.MaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

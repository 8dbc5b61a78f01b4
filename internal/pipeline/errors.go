package pipeline

import (
	"errors"
	"fmt"

	"mediabot/internal/models"
)

// StageError is a job failure produced by one pipeline stage.
type StageError struct {
	Failure models.FailureKind
	// Reason is only set for downloader failures.
	Reason models.DownloaderReason
	Err    error
}

func (e *StageError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %v", e.Failure, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Failure, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(failure models.FailureKind, err error) *StageError {
	return &StageError{Failure: failure, Err: err}
}

// AsStageError extracts the StageError carried by err.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// transientError marks transport failures worth one more try.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient wraps err so delivery retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was wrapped by Transient.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

package ledger

import (
	"context"
	"errors"
	"time"

	"mediabot/internal/models"
)

// Resilient retries failed writes of the wrapped Ledger and reports writes
// that keep failing through onFailure.
type Resilient struct {
	Ledger
	attempts  int
	delay     time.Duration
	onFailure func(op, jobID string, err error)
}

// NewResilient wraps inner. attempts counts the first try.
func NewResilient(inner Ledger, attempts int, delay time.Duration, onFailure func(op, jobID string, err error)) *Resilient {
	if attempts <= 0 {
		attempts = 3
	}
	return &Resilient{Ledger: inner, attempts: attempts, delay: delay, onFailure: onFailure}
}

func (r *Resilient) Create(ctx context.Context, rec *models.JobRecord) error {
	id := ""
	if rec != nil {
		id = rec.ID
	}
	return r.retry(ctx, "create", id, func() error {
		return r.Ledger.Create(ctx, rec)
	})
}

func (r *Resilient) Transition(ctx context.Context, id string, to models.JobState, failure models.FailureKind, detail string) (*models.JobRecord, error) {
	var rec *models.JobRecord
	err := r.retry(ctx, "transition:"+string(to), id, func() error {
		var err error
		rec, err = r.Ledger.Transition(ctx, id, to, failure, detail)
		return err
	})
	return rec, err
}

func (r *Resilient) retry(ctx context.Context, op, jobID string, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(r.delay * time.Duration(attempt)):
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	if r.onFailure != nil {
		r.onFailure(op, jobID, err)
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

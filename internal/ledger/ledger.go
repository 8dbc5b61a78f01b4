// Package ledger persists job records and per-chat quota counters.
package ledger

import (
	"context"
	"errors"

	"mediabot/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Ledger is the source of truth for job state and running-job quotas.
//
// Transition moves a job forward and adjusts the chat's running counter in the
// same write: +1 on entering StateAdmitted, -1 when a running job terminates.
type Ledger interface {
	Create(ctx context.Context, rec *models.JobRecord) error
	Transition(ctx context.Context, id string, to models.JobState, failure models.FailureKind, detail string) (*models.JobRecord, error)
	Get(ctx context.Context, id string) (*models.JobRecord, error)
	ListByChat(ctx context.Context, chatID int64, limit int) ([]*models.JobRecord, error)
	// ListActive returns every non-terminal job, oldest first.
	ListActive(ctx context.Context) ([]*models.JobRecord, error)
	// FindActive returns a non-terminal job with the same chat, url and kind.
	FindActive(ctx context.Context, chatID int64, url string, kind models.OutputKind) (*models.JobRecord, error)
	// Running returns the chat's quota counter.
	Running(ctx context.Context, chatID int64) (int, error)
}

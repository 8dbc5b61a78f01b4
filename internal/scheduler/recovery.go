package scheduler

import (
	"context"
	"fmt"
	"time"

	"mediabot/internal/models"
)

// Recover finalizes jobs a previous run left unfinished as
// failed(interrupted), tells their chats, and removes every work dir that no
// live job owns. Call it before the first Submit.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	recs, err := s.ledger.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if s.Live(rec.ID) {
			continue
		}
		updated, err := s.ledger.Transition(ctx, rec.ID, models.StateFailed, models.FailureInterrupted, "orchestrator restarted")
		if err != nil {
			s.logger.Error("finalize interrupted job failed", "job_id", rec.ID, "error", err)
			continue
		}
		n++
		s.publish(updated)
		s.notify(updated.ChatID, FailureText(updated, nil))
	}
	removed := s.dirs.Sweep(s.Live)
	s.logger.Info("recovery finished", "interrupted_jobs", n, "orphan_dirs", removed)
	return n, nil
}

// StartSweeper periodically removes work dirs that no live job owns.
func (s *Scheduler) StartSweeper(ctx context.Context, interval time.Duration) {
	s.dirs.StartSweeper(ctx, interval, s.Live)
}

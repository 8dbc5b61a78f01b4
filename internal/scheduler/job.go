package scheduler

import (
	"context"
	"errors"

	"mediabot/internal/admission"
	"mediabot/internal/models"
	"mediabot/internal/pipeline"
)

// runJob is the whole life of a dispatched job on its worker: admission,
// the pipeline, work dir release and the terminal record.
func (s *Scheduler) runJob(workerID int, jobID string) {
	s.mu.Lock()
	j := s.jobs[jobID]
	s.mu.Unlock()
	if j == nil {
		s.logger.Error("dispatched job missing from table", "job_id", jobID)
		return
	}
	requeued := false
	defer func() {
		if !requeued {
			s.finish(j)
		}
	}()

	logger := s.logger.With("job_id", jobID, "chat_id", j.req.ChatID, "worker", workerID)
	ctx := j.ctx
	if ctx.Err() != nil {
		s.conclude(j, context.Cause(ctx))
		return
	}

	dir, rec, err := s.admission.Admit(ctx, j.rec)
	if errors.Is(err, admission.ErrQuotaReached) && s.requeue(j) {
		requeued = true
		logger.Info("chat quota taken in ledger, job back in queue", "retry_in", s.quotaRetry)
		return
	}
	if err != nil {
		logger.Error("admission at dispatch failed", "error", err)
		s.conclude(j, err)
		return
	}
	s.setRecord(j, rec)
	s.publish(rec)
	logger.Info("job admitted", "work_dir", dir.Path())

	err = s.pipeline.Run(ctx, j.req, dir.Path(), func(state models.JobState) {
		s.record(j, state, models.FailureNone, "")
	})
	// the work dir is gone before anyone can observe the terminal state
	dir.Release()
	s.conclude(j, err)
}

// conclude records the terminal state for the outcome err and tells the chat
// about failures. Cancellation on request is acknowledged by whoever asked,
// so it sends nothing here.
func (s *Scheduler) conclude(j *job, err error) {
	s.mu.Lock()
	j.concluded = true
	s.mu.Unlock()

	state, failure, detail := s.outcome(j.ctx, err)
	rec := s.record(j, state, failure, detail)

	logger := s.logger.With("job_id", rec.ID, "chat_id", rec.ChatID)
	switch state {
	case models.StateCompleted:
		logger.Info("job completed")
	case models.StateCancelled:
		logger.Info("job cancelled")
	default:
		logger.Warn("job failed", "failure", failure, "error", err)
		s.notify(rec.ChatID, FailureText(rec, err))
	}
}

func (s *Scheduler) outcome(ctx context.Context, err error) (models.JobState, models.FailureKind, string) {
	if err == nil {
		return models.StateCompleted, models.FailureNone, ""
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrCancelled):
			return models.StateCancelled, models.FailureNone, "cancelled on request"
		case errors.Is(cause, errShutdown):
			return models.StateFailed, models.FailureInterrupted, "interrupted by shutdown"
		}
	}
	if errors.Is(err, admission.ErrQuotaReached) {
		return models.StateFailed, models.FailureInterrupted, "shut down while waiting for the chat's quota"
	}
	if se, ok := pipeline.AsStageError(err); ok {
		return models.StateFailed, se.Failure, se.Error()
	}
	return models.StateFailed, models.FailureInternal, err.Error()
}

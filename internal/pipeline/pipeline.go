// Package pipeline implements the per-job stages: retrieval with yt-dlp,
// conversion with ffmpeg, the size policy and delivery to the chat.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mediabot/internal/models"
)

// Timeouts bounds each stage. Zero disables the bound.
type Timeouts struct {
	Retrieve time.Duration
	Convert  time.Duration
	Split    time.Duration
	Upload   time.Duration
}

// SpaceChecker re-checks free disk before a large write.
type SpaceChecker interface {
	EnsureSpace(path string, need uint64) error
}

// Pipeline runs one job's stages in order.
type Pipeline struct {
	Fetcher   *Fetcher
	Converter *Converter
	Splitter  *Splitter
	Deliverer *Deliverer
	Space     SpaceChecker
	Timeouts  Timeouts
	Logger    *slog.Logger
}

// Run executes every stage for req inside dir. enter is called with each
// state as its stage begins.
//
// Job failures come back as *StageError. If ctx ends first the returned error
// wraps its cause and callers decide how to record it.
func (p *Pipeline) Run(ctx context.Context, req models.JobRequest, dir string, enter func(models.JobState)) error {
	logger := p.Logger.With("job_id", req.ID, "chat_id", req.ChatID)

	enter(models.StateRetrieving)
	var art models.Artifact
	err := p.stage(ctx, "retrieve", p.Timeouts.Retrieve, func(ctx context.Context) error {
		var err error
		art, err = p.Fetcher.Fetch(ctx, req, dir)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("retrieved", "path", art.Path, "size", art.Size)

	if err := p.ensureSpace(dir, art.Size); err != nil {
		return err
	}
	enter(models.StateConverting)
	err = p.stage(ctx, "convert", p.Timeouts.Convert, func(ctx context.Context) error {
		var err error
		art, err = p.Converter.Convert(ctx, req.Kind, art, dir)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("converted", "path", art.Path, "size", art.Size)

	parts := []models.Artifact{art}
	if p.Splitter.NeedsSplit(art) {
		if err := p.ensureSpace(dir, art.Size); err != nil {
			return err
		}
		enter(models.StateSplitting)
		err = p.stage(ctx, "split", p.Timeouts.Split, func(ctx context.Context) error {
			var err error
			parts, err = p.Splitter.Apply(ctx, req.Kind, art, dir)
			return err
		})
		if err != nil {
			return err
		}
		logger.Info("split", "parts", len(parts))
	}

	enter(models.StateUploading)
	return p.stage(ctx, "upload", p.Timeouts.Upload, func(ctx context.Context) error {
		return p.Deliverer.Deliver(ctx, req, parts)
	})
}

func (p *Pipeline) stage(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	stageCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeoutCause(ctx, limit, fmt.Errorf("%s stage exceeded %s", name, limit))
		defer cancel()
	}
	err := fn(stageCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", name, context.Cause(ctx))
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return stageErr(models.FailureTimeout, context.Cause(stageCtx))
	}
	return err
}

func (p *Pipeline) ensureSpace(dir string, need int64) error {
	if p.Space == nil {
		return nil
	}
	if need < 0 {
		need = 0
	}
	if err := p.Space.EnsureSpace(dir, uint64(need)); err != nil {
		return stageErr(models.FailureDiskSpaceExhausted, err)
	}
	return nil
}

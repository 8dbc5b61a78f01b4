package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mediabot/internal/clock"
	"mediabot/internal/models"
)

// OutgoingFile is one upload handed to the transport.
type OutgoingFile struct {
	Path    string
	Kind    models.OutputKind
	Caption string
}

// Transport is the chat side of the system. Implementations wrap failures
// worth retrying with Transient.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendFile(ctx context.Context, chatID int64, file OutgoingFile) error
}

// Deliverer uploads parts in order, one at a time.
type Deliverer struct {
	Transport  Transport
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Deliver sends every part and returns once the last one is acknowledged.
func (d *Deliverer) Deliver(ctx context.Context, req models.JobRequest, parts []models.Artifact) error {
	for i, part := range parts {
		if part.Size > DeliveryCeiling {
			return stageErr(models.FailureSizeExceeded, fmt.Errorf("part %d is %d bytes, over the delivery ceiling", i+1, part.Size))
		}
		file := OutgoingFile{Path: part.Path, Kind: req.Kind}
		if len(parts) > 1 {
			file.Caption = fmt.Sprintf("Part %d/%d", i+1, len(parts))
		}
		if err := d.send(ctx, req, file); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deliverer) send(ctx context.Context, req models.JobRequest, file OutgoingFile) error {
	err := d.Transport.SendFile(ctx, req.ChatID, file)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("upload interrupted: %w", context.Cause(ctx))
	}
	if !IsTransient(err) {
		return stageErr(models.FailureDelivery, err)
	}

	d.Logger.Info("retrying upload", "job_id", req.ID, "path", file.Path, "error", err)
	select {
	case <-ctx.Done():
		return fmt.Errorf("upload interrupted: %w", context.Cause(ctx))
	case <-d.Clock.After(d.RetryDelay):
	}
	if err := d.Transport.SendFile(ctx, req.ChatID, file); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("upload interrupted: %w", context.Cause(ctx))
		}
		return stageErr(models.FailureDelivery, fmt.Errorf("upload failed twice: %w", err))
	}
	return nil
}

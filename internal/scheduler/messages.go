package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"mediabot/internal/admission"
	"mediabot/internal/command"
	"mediabot/internal/models"
	"mediabot/internal/pipeline"
)

// AcceptedText confirms a submission and tells the user how to cancel it.
func AcceptedText(rec *models.JobRecord) string {
	return fmt.Sprintf("Got it, your %s is queued.\nJob: %s\nSend /cancel %s to stop it.", rec.Kind, rec.ID, rec.ID)
}

// RejectionText explains why a submission did not become a job.
func RejectionText(err error) string {
	var verr *command.ValidationError
	switch {
	case errors.As(err, &verr):
		return "I can't use that: " + verr.Error() + "."
	case errors.Is(err, admission.ErrDuplicate):
		return "That link is already being processed for this chat."
	case errors.Is(err, admission.ErrBusy):
		return "I'm busy right now, please try again later."
	case errors.Is(err, admission.ErrDiskSpaceExhausted):
		return "I'm out of storage space at the moment, please try again later."
	case errors.Is(err, ErrClosed):
		return "I'm restarting, please try again in a minute."
	}
	return "Something went wrong, please try again later."
}

// FailureText is the message sent when a job ends in StateFailed.
func FailureText(rec *models.JobRecord, cause error) string {
	short := shortID(rec.ID)
	switch rec.Failure {
	case models.FailureDownloader:
		se, _ := pipeline.AsStageError(cause)
		reason := models.ReasonTransient
		if se != nil {
			reason = se.Reason
		}
		switch reason {
		case models.ReasonUnsupported:
			return fmt.Sprintf("Job %s failed: that link isn't supported or the media is unavailable.", short)
		case models.ReasonAccessRestricted:
			return fmt.Sprintf("Job %s failed: the media is age or region restricted.", short)
		}
		return fmt.Sprintf("Job %s failed: the download kept failing, please try again later.", short)
	case models.FailureConversion:
		return fmt.Sprintf("Job %s failed: the media could not be converted.", short)
	case models.FailureSizeExceeded:
		msg := fmt.Sprintf("Job %s failed: the result is too large to send.", short)
		if se, ok := pipeline.AsStageError(cause); ok && se.Err != nil {
			msg += " " + capitalize(se.Err.Error()) + "."
		}
		return msg + " Try audio instead of video, or a shorter clip."
	case models.FailureDelivery:
		return fmt.Sprintf("Job %s failed: the upload did not go through.", short)
	case models.FailureTimeout:
		return fmt.Sprintf("Job %s failed: it took too long.", short)
	case models.FailureDiskSpaceExhausted:
		return fmt.Sprintf("Job %s failed: I ran out of storage space, please try again later.", short)
	case models.FailureInterrupted:
		return fmt.Sprintf("Job %s was interrupted by a restart, please send it again.", short)
	}
	return fmt.Sprintf("Job %s failed unexpectedly.", short)
}

// StatusText lists jobs for /status.
func StatusText(recs []*models.JobRecord) string {
	if len(recs) == 0 {
		return "No jobs yet."
	}
	var b strings.Builder
	for i, rec := range recs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %s  %s", shortID(rec.ID), rec.Kind, rec.State)
		if rec.Failure != models.FailureNone {
			fmt.Fprintf(&b, " (%s)", rec.Failure)
		}
		if !rec.State.Terminal() {
			fmt.Fprintf(&b, "  /cancel %s", rec.ID)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

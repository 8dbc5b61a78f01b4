// Package command turns raw chat text into typed commands and job requests.
package command

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediabot/internal/models"
)

// ErrNotCommand is returned for plain text that does not start with '/'.
var ErrNotCommand = errors.New("not a command")

// ValidationError names the part of a command that was rejected.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Command is one of Submit, Cancel, Stop, Status or Help.
type Command interface {
	isCommand()
}

// Submit asks for a URL to be fetched and delivered as Kind.
type Submit struct {
	Kind models.OutputKind
	URL  string
}

// Cancel aborts a single job.
type Cancel struct {
	JobID string
}

// Stop aborts every job of the issuing chat.
type Stop struct{}

// Status lists the issuing chat's recent jobs.
type Status struct{}

// Help prints usage.
type Help struct{}

func (Submit) isCommand() {}
func (Cancel) isCommand() {}
func (Stop) isCommand()   {}
func (Status) isCommand() {}
func (Help) isCommand()   {}

// Parse validates text without touching the network.
func Parse(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, ErrNotCommand
	}
	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]

	switch name {
	case "start", "help":
		return Help{}, nil
	case "stop":
		return Stop{}, nil
	case "status", "jobs":
		return Status{}, nil
	case "cancel":
		if len(args) == 0 {
			return nil, &ValidationError{Field: "job id", Reason: "missing"}
		}
		if _, err := uuid.Parse(args[0]); err != nil {
			return nil, &ValidationError{Field: "job id", Value: args[0], Reason: "not a job id"}
		}
		return Cancel{JobID: args[0]}, nil
	}

	kind, err := models.ParseKind(name)
	if err != nil {
		return nil, &ValidationError{Field: "command", Value: "/" + name, Reason: "unsupported output kind"}
	}
	if len(args) == 0 {
		return nil, &ValidationError{Field: "url", Reason: "empty"}
	}
	raw, err := ValidateURL(args[0])
	if err != nil {
		return nil, err
	}
	return Submit{Kind: kind, URL: raw}, nil
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "url", Reason: "empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ValidationError{Field: "url", Value: raw, Reason: "malformed"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return "", &ValidationError{Field: "url", Value: raw, Reason: "missing scheme"}
	default:
		return "", &ValidationError{Field: "url", Value: raw, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return "", &ValidationError{Field: "url", Value: raw, Reason: "missing host"}
	}
	return u.String(), nil
}

// NewRequest builds the immutable request for a submit command.
func NewRequest(cmd Submit, chatID int64, submitter string, now time.Time) models.JobRequest {
	return models.JobRequest{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		Submitter:   submitter,
		URL:         cmd.URL,
		Kind:        cmd.Kind,
		SubmittedAt: now.UTC(),
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediabot/internal/clock"
	"mediabot/internal/models"
)

// sourceStem is the fixed file name yt-dlp writes into, extension excluded.
const sourceStem = "source"

// RetryPolicy is an exponential backoff schedule for transient failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(n-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

var (
	unsupportedSignatures = []string{
		"unsupported url",
		"is not a valid url",
		"video unavailable",
		"this video is unavailable",
		"is unavailable",
		"private video",
		"has been removed",
		"does not exist",
		"http error 404",
		"no video formats found",
		"requested format is not available",
	}
	restrictedSignatures = []string{
		"sign in to confirm your age",
		"age-restricted",
		"age restricted",
		"inappropriate for some users",
		"not available in your country",
		"geo restrict",
		"geo-restrict",
		"members-only",
		"join this channel",
		"http error 403",
		"login required",
	}
)

// ClassifyFetchFailure maps yt-dlp stderr onto a downloader reason. Anything
// unrecognised is treated as a network problem worth retrying.
func ClassifyFetchFailure(stderr string) models.DownloaderReason {
	lower := strings.ToLower(stderr)
	for _, sig := range restrictedSignatures {
		if strings.Contains(lower, sig) {
			return models.ReasonAccessRestricted
		}
	}
	for _, sig := range unsupportedSignatures {
		if strings.Contains(lower, sig) {
			return models.ReasonUnsupported
		}
	}
	return models.ReasonTransient
}

// Fetcher runs the retrieval stage with yt-dlp.
type Fetcher struct {
	Runner Runner
	Binary string
	Retry  RetryPolicy
	Clock  clock.Clock
	Logger *slog.Logger
}

// Fetch downloads req.URL into dir and returns the retrieved file.
func (f *Fetcher) Fetch(ctx context.Context, req models.JobRequest, dir string) (models.Artifact, error) {
	attempts := f.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := f.Retry.Delay(attempt - 1)
			f.Logger.Info("retrying retrieval", "job_id", req.ID, "attempt", attempt, "backoff", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return models.Artifact{}, fmt.Errorf("retrieval backoff: %w", context.Cause(ctx))
			case <-f.Clock.After(wait):
			}
		}

		art, reason, err := f.attempt(ctx, req, dir)
		if err == nil {
			return art, nil
		}
		if ctx.Err() != nil {
			return models.Artifact{}, err
		}
		if reason != models.ReasonTransient {
			return models.Artifact{}, &StageError{Failure: models.FailureDownloader, Reason: reason, Err: err}
		}
		lastErr = err
	}
	return models.Artifact{}, &StageError{
		Failure: models.FailureDownloader,
		Reason:  models.ReasonTransient,
		Err:     fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr),
	}
}

func (f *Fetcher) attempt(ctx context.Context, req models.JobRequest, dir string) (models.Artifact, models.DownloaderReason, error) {
	removeSourceFiles(dir)
	_, stderr, err := f.Runner.Run(ctx, f.Binary, fetchArgs(req, dir)...)
	if err != nil {
		if ctx.Err() != nil {
			return models.Artifact{}, "", err
		}
		msg := lastLines(string(stderr), 3)
		return models.Artifact{}, ClassifyFetchFailure(string(stderr)), fmt.Errorf("yt-dlp: %w: %s", err, msg)
	}
	path, err := findSource(dir)
	if err != nil {
		return models.Artifact{}, models.ReasonTransient, err
	}
	art, err := models.StatArtifact(path)
	if err != nil {
		return models.Artifact{}, models.ReasonTransient, err
	}
	if art.Size == 0 {
		return models.Artifact{}, models.ReasonTransient, errors.New("yt-dlp produced an empty file")
	}
	return art, "", nil
}

func fetchArgs(req models.JobRequest, dir string) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-part",
		"--no-mtime",
		"--no-write-info-json",
		"--no-embed-metadata",
		"--concurrent-fragments", "1",
		"--output", filepath.Join(dir, sourceStem+".%(ext)s"),
	}
	switch req.Kind {
	case models.KindVideo:
		args = append(args,
			"--format", "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/bv*+ba/b",
			"--merge-output-format", "mp4",
		)
	case models.KindAudio, models.KindVoice:
		args = append(args, "--format", "bestaudio/best")
	}
	return append(args, "--", req.URL)
}

// findSource returns the single finished "source.<ext>" file in dir.
func findSource(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, sourceStem+".*"))
	if err != nil {
		return "", err
	}
	var found []string
	for _, m := range matches {
		rest := strings.TrimPrefix(filepath.Base(m), sourceStem+".")
		// intermediate format downloads look like source.f137.mp4
		if strings.Contains(rest, ".") || rest == "part" || rest == "ytdl" || rest == "temp" {
			continue
		}
		found = append(found, m)
	}
	switch len(found) {
	case 0:
		return "", errors.New("yt-dlp exited cleanly but produced no file")
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("yt-dlp produced %d candidate files", len(found))
}

func removeSourceFiles(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, sourceStem+".*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

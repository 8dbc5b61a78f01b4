package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"mediabot/internal/models"
)

// DeliveryCeiling is the largest file the chat transport accepts.
const DeliveryCeiling int64 = 2147483648

const defaultExtraParts = 3

// Splitter enforces the delivery ceiling, cutting oversized media into
// time-based parts at keyframes.
type Splitter struct {
	Runner  Runner
	FFmpeg  string
	FFprobe string
	// Ceiling defaults to DeliveryCeiling.
	Ceiling int64
	// MaxExtraParts bounds how many times a split is redone with one more part
	// when a segment still comes out too large.
	MaxExtraParts int
	Logger        *slog.Logger
}

func (s *Splitter) ceiling() int64 {
	if s.Ceiling > 0 {
		return s.Ceiling
	}
	return DeliveryCeiling
}

// NeedsSplit reports whether art is over the ceiling.
func (s *Splitter) NeedsSplit(art models.Artifact) bool {
	return art.Size > s.ceiling()
}

// Apply returns the parts to deliver, in playback order.
func (s *Splitter) Apply(ctx context.Context, kind models.OutputKind, art models.Artifact, dir string) ([]models.Artifact, error) {
	limit := s.ceiling()
	if art.Size <= limit {
		return []models.Artifact{art}, nil
	}
	if !kind.Splittable() {
		return nil, stageErr(models.FailureSizeExceeded, fmt.Errorf("%s output is %s, over the %s limit, and cannot be split",
			kind, humanize.IBytes(uint64(art.Size)), humanize.IBytes(uint64(limit))))
	}

	duration, err := s.probeDuration(ctx, art.Path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, stageErr(models.FailureSizeExceeded, err)
	}

	minParts := int((art.Size + limit - 1) / limit)
	extra := s.MaxExtraParts
	if extra <= 0 {
		extra = defaultExtraParts
	}
	for parts := minParts; parts <= minParts+extra; parts++ {
		segments, err := s.segment(ctx, kind, art.Path, dir, parts, duration)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, stageErr(models.FailureConversion, err)
		}
		if oversized := firstOver(segments, limit); oversized >= 0 {
			s.Logger.Info("split part over ceiling, retrying with more parts",
				"parts", parts, "part", oversized+1, "size", segments[oversized].Size)
			removeArtifacts(segments)
			continue
		}
		if err := os.Remove(art.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.Logger.Warn("remove unsplit artifact failed", "path", art.Path, "error", err)
		}
		return segments, nil
	}
	return nil, stageErr(models.FailureSizeExceeded, fmt.Errorf("could not split %s into parts under %s",
		humanize.IBytes(uint64(art.Size)), humanize.IBytes(uint64(limit))))
}

func (s *Splitter) probeDuration(ctx context.Context, path string) (float64, error) {
	stdout, stderr, err := s.Runner.Run(ctx, s.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		return 0, fmt.Errorf("probe duration: %w: %s", err, lastLines(string(stderr), 2))
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil || duration <= 0 {
		return 0, fmt.Errorf("probe duration: unusable value %q", strings.TrimSpace(string(stdout)))
	}
	return duration, nil
}

func (s *Splitter) segment(ctx context.Context, kind models.OutputKind, in, dir string, parts int, duration float64) ([]models.Artifact, error) {
	ext := kind.Extension()
	pattern := filepath.Join(dir, "part_%03d."+ext)
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-i", in,
		"-map", "0",
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(duration/float64(parts), 'f', 3, 64),
		"-reset_timestamps", "1",
	}
	if kind == models.KindVideo {
		args = append(args, "-segment_format_options", "movflags=+faststart")
	}
	args = append(args, pattern)

	if _, stderr, err := s.Runner.Run(ctx, s.FFmpeg, args...); err != nil {
		removeArtifacts(collectParts(dir, ext))
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("split into %d parts: %w: %s", parts, err, lastLines(string(stderr), 3))
	}
	segments := collectParts(dir, ext)
	if len(segments) == 0 {
		return nil, errors.New("splitter produced no parts")
	}
	return segments, nil
}

func collectParts(dir, ext string) []models.Artifact {
	matches, _ := filepath.Glob(filepath.Join(dir, "part_*."+ext))
	sort.Strings(matches)
	out := make([]models.Artifact, 0, len(matches))
	for _, m := range matches {
		art, err := models.StatArtifact(m)
		if err != nil {
			continue
		}
		out = append(out, art)
	}
	return out
}

func firstOver(parts []models.Artifact, limit int64) int {
	for i, p := range parts {
		if p.Size > limit {
			return i
		}
	}
	return -1
}

func removeArtifacts(parts []models.Artifact) {
	for _, p := range parts {
		_ = os.Remove(p.Path)
	}
}

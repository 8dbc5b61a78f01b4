package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mediabot/internal/models"
)

const outputStem = "output"

// Converter runs the transcoding and metadata-stripping steps with ffmpeg.
type Converter struct {
	Runner Runner
	FFmpeg string
	Logger *slog.Logger
}

// Convert turns src into the requested kind inside dir and strips its
// metadata. The source file is removed once the output is in place.
func (c *Converter) Convert(ctx context.Context, kind models.OutputKind, src models.Artifact, dir string) (models.Artifact, error) {
	ext := kind.Extension()
	if ext == "" {
		return models.Artifact{}, stageErr(models.FailureConversion, fmt.Errorf("unknown output kind %q", kind))
	}
	out := filepath.Join(dir, outputStem+"."+ext)

	if _, stderr, err := c.Runner.Run(ctx, c.FFmpeg, transcodeArgs(kind, src.Path, out)...); err != nil {
		if ctx.Err() != nil {
			return models.Artifact{}, err
		}
		return models.Artifact{}, stageErr(models.FailureConversion, fmt.Errorf("transcode: %w: %s", err, lastLines(string(stderr), 3)))
	}
	if err := c.stripMetadata(ctx, out); err != nil {
		if ctx.Err() != nil {
			return models.Artifact{}, err
		}
		return models.Artifact{}, stageErr(models.FailureConversion, err)
	}

	art, err := models.StatArtifact(out)
	if err != nil {
		return models.Artifact{}, stageErr(models.FailureConversion, fmt.Errorf("transcoder output missing: %w", err))
	}
	if art.Size == 0 {
		return models.Artifact{}, stageErr(models.FailureConversion, errors.New("transcoder produced an empty file"))
	}
	if src.Path != out {
		if err := os.Remove(src.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.Logger.Warn("remove retrieved source failed", "path", src.Path, "error", err)
		}
	}
	return art, nil
}

// stripMetadata rewrites path without global metadata or chapters.
func (c *Converter) stripMetadata(ctx context.Context, path string) error {
	ext := filepath.Ext(path)
	tmp := strings.TrimSuffix(path, ext) + ".clean" + ext
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-i", path,
		"-map", "0",
		"-map_metadata", "-1",
		"-map_chapters", "-1",
		"-c", "copy",
	}
	if ext == ".mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, tmp)

	if _, stderr, err := c.Runner.Run(ctx, c.FFmpeg, args...); err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("strip metadata: %w: %s", err, lastLines(string(stderr), 3))
	}
	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(tmp)
		return errors.New("strip metadata: no output written")
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("strip metadata: replace output: %w", err)
	}
	return nil
}

func transcodeArgs(kind models.OutputKind, in, out string) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y", "-i", in}
	switch kind {
	case models.KindAudio:
		args = append(args, "-vn", "-c:a", "libmp3lame", "-q:a", "0")
	case models.KindVoice:
		args = append(args, "-vn", "-c:a", "libopus", "-b:a", "64k")
	case models.KindVideo:
		args = append(args, "-c", "copy", "-movflags", "+faststart")
	}
	return append(args, out)
}

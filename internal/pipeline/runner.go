package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

const defaultKillGrace = 5 * time.Second

// ExecRunner runs tools as child processes in their own process group. When
// ctx ends the group gets SIGTERM, then SIGKILL once Grace has passed.
type ExecRunner struct {
	Logger *slog.Logger
	Grace  time.Duration
}

// NewExecRunner returns an ExecRunner with the given grace period.
func NewExecRunner(logger *slog.Logger, grace time.Duration) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = defaultKillGrace
	}
	return &ExecRunner{Logger: logger, Grace: grace}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	r.Logger.Debug("running command", "cmd_line", strings.Join(append([]string{name}, args...), " "))

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	cmd.Env = append(os.Environ(), "LC_ALL=C.UTF-8")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		mu   sync.Mutex
		kill *time.Timer
	)
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		mu.Lock()
		kill = time.AfterFunc(r.Grace, func() {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		})
		mu.Unlock()
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return os.ErrProcessDone
			}
			return err
		}
		return nil
	}
	// backstop for children that keep our pipes open after the group kill
	cmd.WaitDelay = r.Grace + time.Second

	err := cmd.Run()
	mu.Lock()
	if kill != nil {
		kill.Stop()
	}
	mu.Unlock()
	dur := time.Since(start)

	if ctx.Err() != nil {
		r.Logger.Info("exec interrupted", "cmd", name, "duration_ms", dur.Milliseconds(), "cause", context.Cause(ctx))
		return out.Bytes(), errb.Bytes(), fmt.Errorf("%s interrupted: %w", name, context.Cause(ctx))
	}
	if err != nil {
		r.Logger.Warn("exec failed",
			"cmd", name,
			"duration_ms", dur.Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		r.Logger.Debug("exec ok",
			"cmd", name,
			"duration_ms", dur.Milliseconds(),
			"stdout_bytes", out.Len(),
			"stderr_bytes", errb.Len(),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

// CheckTools verifies every binary can be started.
func CheckTools(ctx context.Context, r Runner, probes map[string][]string) error {
	var errs []error
	for bin, args := range probes {
		if _, _, err := r.Run(ctx, bin, args...); err != nil {
			errs = append(errs, fmt.Errorf("%s is not usable: %w", bin, err))
		}
	}
	return errors.Join(errs...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// Package admission decides whether a request may become a job and turns
// queued jobs into admitted ones when the scheduler dispatches them.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"mediabot/internal/alert"
	"mediabot/internal/clock"
	"mediabot/internal/config"
	"mediabot/internal/ledger"
	"mediabot/internal/models"
	"mediabot/internal/workdir"
)

var (
	ErrBusy               = errors.New("too many jobs, try again later")
	ErrDiskSpaceExhausted = errors.New("not enough free disk space")
	ErrDuplicate          = errors.New("an identical job is already in progress")
	// ErrQuotaReached means the ledger already counts PerChatConcurrency
	// running jobs for the chat. The job stays queued.
	ErrQuotaReached = errors.New("chat is at its running job limit")
)

// Limits are the caps enforced at submission.
type Limits struct {
	GlobalConcurrency  int
	PerChatConcurrency int
	PerChatBacklog     int
	GlobalBacklog      int
	// SubmitRate is submissions per minute per chat; zero disables the limiter.
	SubmitRate   float64
	SubmitBurst  int
	MinFreeBytes uint64
}

// LimitsFromConfig collects the admission settings from cfg.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		GlobalConcurrency:  cfg.Scheduler.GlobalConcurrency,
		PerChatConcurrency: cfg.Scheduler.PerChatConcurrency,
		PerChatBacklog:     cfg.Scheduler.PerChatBacklog,
		GlobalBacklog:      cfg.Scheduler.GlobalBacklog,
		SubmitRate:         cfg.Scheduler.SubmitRate,
		SubmitBurst:        cfg.Scheduler.SubmitBurst,
		MinFreeBytes:       cfg.Storage.MinFreeBytes,
	}
}

// Usage is the scheduler's count of outstanding (queued or running) jobs.
type Usage struct {
	Chat  int
	Total int
}

// Deps wires a Controller.
type Deps struct {
	Limits   Limits
	Ledger   ledger.Ledger
	WorkDirs *workdir.Manager
	Alerts   *alert.Notifier
	Logger   *slog.Logger
	Clock    clock.Clock
	// FreeSpace defaults to workdir.FreeSpace.
	FreeSpace func(path string) (uint64, error)
}

// Controller runs the admission checks.
type Controller struct {
	limits    Limits
	ledger    ledger.Ledger
	dirs      *workdir.Manager
	alerts    *alert.Notifier
	logger    *slog.Logger
	clock     clock.Clock
	freeSpace func(path string) (uint64, error)

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func New(deps Deps) *Controller {
	c := &Controller{
		limits:    deps.Limits,
		ledger:    deps.Ledger,
		dirs:      deps.WorkDirs,
		alerts:    deps.Alerts,
		logger:    deps.Logger,
		clock:     deps.Clock,
		freeSpace: deps.FreeSpace,
		limiters:  make(map[int64]*rate.Limiter),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.freeSpace == nil {
		c.freeSpace = workdir.FreeSpace
	}
	return c
}

// Limits returns the configured caps.
func (c *Controller) Limits() Limits {
	return c.limits
}

// Check runs the submission checks for req against the scheduler's current
// usage. A failed check leaves no trace: no job, no work dir, no rate token.
func (c *Controller) Check(ctx context.Context, req models.JobRequest, usage Usage) error {
	now := c.clock.Now()
	reservation := c.reserve(req.ChatID, now)
	if reservation != nil && !reservation.OK() {
		return fmt.Errorf("%w: chat %d is submitting too fast", ErrBusy, req.ChatID)
	}
	if reservation != nil && reservation.DelayFrom(now) > 0 {
		reservation.CancelAt(now)
		return fmt.Errorf("%w: chat %d is submitting too fast", ErrBusy, req.ChatID)
	}

	err := c.check(ctx, req, usage)
	if err != nil && reservation != nil {
		reservation.CancelAt(now)
	}
	return err
}

func (c *Controller) check(ctx context.Context, req models.JobRequest, usage Usage) error {
	if existing, err := c.ledger.FindActive(ctx, req.ChatID, req.URL, req.Kind); err == nil {
		return fmt.Errorf("%w: job %s", ErrDuplicate, existing.ID)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		c.logger.Warn("duplicate lookup failed", "chat_id", req.ChatID, "error", err)
	}

	if usage.Chat >= c.limits.PerChatConcurrency+c.limits.PerChatBacklog {
		return fmt.Errorf("%w: chat %d already has %d jobs", ErrBusy, req.ChatID, usage.Chat)
	}
	if usage.Total >= c.limits.GlobalConcurrency+c.limits.GlobalBacklog {
		return fmt.Errorf("%w: %d jobs outstanding", ErrBusy, usage.Total)
	}
	return c.EnsureSpace(c.dirs.Root(), 0)
}

func (c *Controller) reserve(chatID int64, now time.Time) *rate.Reservation {
	if c.limits.SubmitRate <= 0 {
		return nil
	}
	c.mu.Lock()
	lim, ok := c.limiters[chatID]
	if !ok {
		burst := c.limits.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(c.limits.SubmitRate/60), burst)
		c.limiters[chatID] = lim
	}
	c.mu.Unlock()
	return lim.ReserveN(now, 1)
}

// Admit allocates rec's work dir and records it admitted, which also bumps the
// chat's quota counter. The ledger's counter is checked first so jobs of the
// chat running elsewhere count against the cap. On error nothing is left
// allocated.
func (c *Controller) Admit(ctx context.Context, rec *models.JobRecord) (*workdir.WorkDir, *models.JobRecord, error) {
	running, err := c.ledger.Running(ctx, rec.ChatID)
	switch {
	case err != nil:
		c.logger.Warn("quota lookup failed", "chat_id", rec.ChatID, "error", err)
	case c.limits.PerChatConcurrency > 0 && running >= c.limits.PerChatConcurrency:
		return nil, nil, fmt.Errorf("%w: chat %d runs %d", ErrQuotaReached, rec.ChatID, running)
	}

	dir, err := c.dirs.Acquire(rec.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate work dir: %w", err)
	}
	updated, err := c.ledger.Transition(ctx, rec.ID, models.StateAdmitted, models.FailureNone, "")
	if err != nil {
		dir.Release()
		return nil, nil, fmt.Errorf("record admission: %w", err)
	}
	return dir, updated, nil
}

// EnsureSpace fails with ErrDiskSpaceExhausted when the filesystem holding
// path has less than the configured minimum plus need bytes free. A failing
// statfs is logged and treated as enough space.
func (c *Controller) EnsureSpace(path string, need uint64) error {
	free, err := c.freeSpace(path)
	if err != nil {
		c.logger.Warn("free space check failed", "path", path, "error", err)
		return nil
	}
	required := c.limits.MinFreeBytes + need
	if free >= required {
		return nil
	}
	c.alerts.DiskSpaceExhausted(path, free, required)
	return fmt.Errorf("%w: %s free on %s, %s required", ErrDiskSpaceExhausted,
		humanize.IBytes(free), path, humanize.IBytes(required))
}

package workdir

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

const DefaultSweepInterval = 10 * time.Minute

// Sweep removes every entry under the root that live does not claim and
// returns how many were removed. Removal errors are logged and skipped.
func (m *Manager) Sweep(live func(jobID string) bool) int {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		m.logger.Error("read work root failed", "root", m.root, "error", err)
		return 0
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if live != nil && live(name) {
			continue
		}
		path := filepath.Join(m.root, name)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("remove orphan work dir failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("orphan work dirs removed", "count", removed)
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration, live func(jobID string) bool) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go m.sweepLoop(ctx, interval, live)
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration, live func(jobID string) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(live)
		}
	}
}

// Package workdir owns the per-job scratch directories.
//
// Every job gets exactly one directory under the manager's root, named after
// the job id. Releasing it removes the tree once; later releases are no-ops.
package workdir

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrInUse is returned when a job's directory already exists.
var ErrInUse = errors.New("work directory already in use")

// Manager allocates and reclaims work directories.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates root if needed.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, errors.New("work root required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	return &Manager{root: root, logger: logger}, nil
}

// Root is the directory holding every job's work dir.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates the directory for jobID.
func (m *Manager) Acquire(jobID string) (*WorkDir, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	path := filepath.Join(m.root, jobID)
	if err := os.Mkdir(path, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", jobID, ErrInUse)
		}
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &WorkDir{jobID: jobID, path: path, logger: m.logger}, nil
}

// Path returns where jobID's directory lives, whether or not it exists.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// WorkDir is one job's scratch space.
type WorkDir struct {
	jobID  string
	path   string
	logger *slog.Logger
	once   sync.Once
}

func (w *WorkDir) Path() string { return w.path }

// File joins name onto the work dir.
func (w *WorkDir) File(name string) string { return filepath.Join(w.path, name) }

// Release removes the directory tree. Only the first call does any work and
// failures are logged, never returned.
func (w *WorkDir) Release() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.path); err != nil {
			w.logger.Warn("remove work dir failed", "job_id", w.jobID, "path", w.path, "error", err)
			return
		}
		w.logger.Debug("work dir removed", "job_id", w.jobID)
	})
}

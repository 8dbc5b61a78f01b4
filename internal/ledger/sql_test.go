package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"mediabot/internal/config"
	"mediabot/internal/models"
	"mediabot/internal/storage"
)

func TestTransitionTracksQuota(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := newTestLedger(t, db)
	ctx := context.Background()

	rec := newRecord(10, "https://example.com/a")
	if err := l.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustTransition(t, l, rec.ID, models.StateAdmitted)
	if n, _ := l.Running(ctx, 10); n != 1 {
		t.Fatalf("running after admit = %d, want 1", n)
	}
	mustTransition(t, l, rec.ID, models.StateRetrieving)
	mustTransition(t, l, rec.ID, models.StateConverting)
	if n, _ := l.Running(ctx, 10); n != 1 {
		t.Fatalf("running changed by intermediate states: %d", n)
	}
	got, err := l.Transition(ctx, rec.ID, models.StateFailed, models.FailureConversion, "ffmpeg exited 1")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Failure != models.FailureConversion || got.Detail != "ffmpeg exited 1" {
		t.Fatalf("unexpected record %+v", got)
	}
	if n, _ := l.Running(ctx, 10); n != 0 {
		t.Fatalf("running after terminal = %d, want 0", n)
	}

	stored, err := l.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != models.StateFailed || stored.Failure != models.FailureConversion {
		t.Fatalf("stored record %+v", stored)
	}
}

func TestTransitionRejectsBackwardsAndTerminal(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := newTestLedger(t, db)
	ctx := context.Background()

	rec := newRecord(11, "https://example.com/b")
	if err := l.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustTransition(t, l, rec.ID, models.StateAdmitted)
	if _, err := l.Transition(ctx, rec.ID, models.StateQueued, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	mustTransition(t, l, rec.ID, models.StateCancelled)
	if _, err := l.Transition(ctx, rec.ID, models.StateCompleted, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal job accepted a transition: %v", err)
	}
	if _, err := l.Transition(ctx, uuid.NewString(), models.StateAdmitted, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelledQueuedJobDoesNotTouchQuota(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := newTestLedger(t, db)
	ctx := context.Background()

	running := newRecord(12, "https://example.com/1")
	queued := newRecord(12, "https://example.com/2")
	for _, rec := range []*models.JobRecord{running, queued} {
		if err := l.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	mustTransition(t, l, running.ID, models.StateAdmitted)
	mustTransition(t, l, queued.ID, models.StateCancelled)
	if n, _ := l.Running(ctx, 12); n != 1 {
		t.Fatalf("running = %d, want 1", n)
	}
}

func TestListActiveAndFindActive(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := newTestLedger(t, db)
	ctx := context.Background()

	a := newRecord(20, "https://example.com/a")
	b := newRecord(20, "https://example.com/b")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	c := newRecord(21, "https://example.com/c")
	c.CreatedAt = a.CreatedAt.Add(2 * time.Second)
	for _, rec := range []*models.JobRecord{a, b, c} {
		if err := l.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	mustTransition(t, l, b.ID, models.StateCancelled)

	active, err := l.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].ID != a.ID || active[1].ID != c.ID {
		t.Fatalf("unexpected active list %+v", active)
	}

	dup, err := l.FindActive(ctx, 20, a.URL, a.Kind)
	if err != nil || dup.ID != a.ID {
		t.Fatalf("find active = %+v, %v", dup, err)
	}
	if _, err := l.FindActive(ctx, 20, b.URL, b.Kind); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled job should not count as active: %v", err)
	}

	chatJobs, err := l.ListByChat(ctx, 20, 10)
	if err != nil {
		t.Fatalf("list by chat: %v", err)
	}
	if len(chatJobs) != 2 || chatJobs[0].ID != b.ID {
		t.Fatalf("expected newest first, got %+v", chatJobs)
	}
}

func TestResilientRetriesAndReports(t *testing.T) {
	flaky := &flakyLedger{failures: 2}
	var reported []string
	r := NewResilient(flaky, 3, 0, func(op, jobID string, err error) {
		reported = append(reported, op)
	})
	if err := r.Create(context.Background(), newRecord(1, "https://example.com")); err != nil {
		t.Fatalf("expected third attempt to succeed: %v", err)
	}
	if flaky.calls != 3 || len(reported) != 0 {
		t.Fatalf("calls=%d reported=%v", flaky.calls, reported)
	}

	flaky = &flakyLedger{failures: 10}
	r = NewResilient(flaky, 3, 0, func(op, jobID string, err error) {
		reported = append(reported, op)
	})
	if err := r.Create(context.Background(), newRecord(1, "https://example.com")); err == nil {
		t.Fatalf("expected persistent failure")
	}
	if flaky.calls != 3 || len(reported) != 1 || reported[0] != "create" {
		t.Fatalf("calls=%d reported=%v", flaky.calls, reported)
	}
}

// --- helpers ---

type flakyLedger struct {
	Ledger
	failures int
	calls    int
}

func (f *flakyLedger) Create(ctx context.Context, rec *models.JobRecord) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("database is locked")
	}
	return nil
}

func mustTransition(t *testing.T, l Ledger, id string, to models.JobState) {
	t.Helper()
	if _, err := l.Transition(context.Background(), id, to, "", ""); err != nil {
		t.Fatalf("transition %s -> %s: %v", id, to, err)
	}
}

func newRecord(chatID int64, url string) *models.JobRecord {
	return models.NewRecord(models.JobRequest{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		Submitter:   "tester",
		URL:         url,
		Kind:        models.KindAudio,
		SubmittedAt: time.Now().UTC().Truncate(time.Millisecond),
	})
}

func newTestLedger(t *testing.T, db *sql.DB) *SQL {
	t.Helper()
	l, err := NewSQL(db, "sqlite3")
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

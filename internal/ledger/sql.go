package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mediabot/internal/models"
	"mediabot/internal/storage"
)

const jobColumns = `id, chat_id, submitter, url, kind, state, failure, detail, created_at, updated_at`

const terminalStates = `('completed', 'failed', 'cancelled')`

// SQL is a Ledger on top of database/sql.
type SQL struct {
	db      *sql.DB
	dialect storage.Dialect
	now     func() time.Time
}

// NewSQL wraps db; driver is the name used with storage.Open.
func NewSQL(db *sql.DB, driver string) (*SQL, error) {
	if db == nil {
		return nil, errors.New("database handle required")
	}
	dialect, err := storage.DialectOf(driver)
	if err != nil {
		return nil, err
	}
	return &SQL{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *SQL) q(query string) string {
	return storage.Rebind(l.dialect, query)
}

func (l *SQL) Create(ctx context.Context, rec *models.JobRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("job record with id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.State == "" {
		rec.State = models.StateQueued
	}
	_, err := l.db.ExecContext(ctx, l.q(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ChatID, rec.Submitter, rec.URL, string(rec.Kind), string(rec.State),
		string(rec.Failure), rec.Detail, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (l *SQL) Transition(ctx context.Context, id string, to models.JobState, failure models.FailureKind, detail string) (*models.JobRecord, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if l.dialect != storage.DialectSQLite {
		query += ` FOR UPDATE`
	}
	rec, err := scanJob(tx.QueryRowContext(ctx, l.q(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	if !rec.State.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
	}
	if to != models.StateFailed {
		failure = models.FailureNone
	}

	now := l.now()
	if _, err := tx.ExecContext(ctx, l.q(`
		UPDATE jobs SET state = ?, failure = ?, detail = ?, updated_at = ? WHERE id = ?`),
		string(to), string(failure), detail, now, id,
	); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	switch {
	case to == models.StateAdmitted:
		if err := l.adjustQuota(ctx, tx, rec.ChatID, 1, now); err != nil {
			return nil, err
		}
	case to.Terminal() && rec.State.Running():
		if err := l.adjustQuota(ctx, tx, rec.ChatID, -1, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	rec.State = to
	rec.Failure = failure
	rec.Detail = detail
	rec.UpdatedAt = now
	return rec, nil
}

func (l *SQL) adjustQuota(ctx context.Context, tx *sql.Tx, chatID int64, delta int, now time.Time) error {
	if delta < 0 {
		if _, err := tx.ExecContext(ctx, l.q(`
			UPDATE chat_quotas SET running = running - 1, updated_at = ?
			WHERE chat_id = ? AND running > 0`), now, chatID); err != nil {
			return fmt.Errorf("release quota: %w", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, l.q(`
		UPDATE chat_quotas SET running = running + 1, updated_at = ? WHERE chat_id = ?`), now, chatID)
	if err != nil {
		return fmt.Errorf("acquire quota: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, l.q(`
		INSERT INTO chat_quotas (chat_id, running, updated_at) VALUES (?, 1, ?)`), chatID, now); err != nil {
		return fmt.Errorf("insert quota: %w", err)
	}
	return nil
}

func (l *SQL) Get(ctx context.Context, id string) (*models.JobRecord, error) {
	rec, err := scanJob(l.db.QueryRowContext(ctx, l.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

func (l *SQL) ListByChat(ctx context.Context, chatID int64, limit int) ([]*models.JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, l.q(`
		SELECT `+jobColumns+` FROM jobs
		WHERE chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?`), chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat jobs: %w", err)
	}
	return scanJobs(rows)
}

func (l *SQL) ListActive(ctx context.Context) ([]*models.JobRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state NOT IN `+terminalStates+`
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return scanJobs(rows)
}

func (l *SQL) FindActive(ctx context.Context, chatID int64, url string, kind models.OutputKind) (*models.JobRecord, error) {
	rec, err := scanJob(l.db.QueryRowContext(ctx, l.q(`
		SELECT `+jobColumns+` FROM jobs
		WHERE chat_id = ? AND url = ? AND kind = ? AND state NOT IN `+terminalStates+`
		ORDER BY created_at ASC
		LIMIT 1`), chatID, url, string(kind)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return rec, nil
}

func (l *SQL) Running(ctx context.Context, chatID int64) (int, error) {
	var running int
	err := l.db.QueryRowContext(ctx, l.q(`SELECT running FROM chat_quotas WHERE chat_id = ?`), chatID).Scan(&running)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return running, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.JobRecord, error) {
	var (
		rec                  models.JobRecord
		kind, state, failure string
	)
	if err := row.Scan(&rec.ID, &rec.ChatID, &rec.Submitter, &rec.URL, &kind, &state, &failure,
		&rec.Detail, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Kind = models.OutputKind(kind)
	rec.State = models.JobState(state)
	rec.Failure = models.FailureKind(failure)
	return &rec, nil
}

func scanJobs(rows *sql.Rows) ([]*models.JobRecord, error) {
	defer rows.Close()
	var out []*models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

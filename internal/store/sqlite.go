package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    task_name     TEXT NOT NULL,
    backend       TEXT NOT NULL,
    state         TEXT NOT NULL,
    external_id   TEXT NOT NULL DEFAULT '',
    detail        TEXT NOT NULL DEFAULT '',
    poll_failures INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Report upserts a job snapshot. The engine reports every state change, so an
// existing row is overwritten with the newer snapshot.
func (s *SQLiteStore) Report(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, task_name, backend, state, external_id, detail,
			poll_failures, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state         = excluded.state,
			external_id   = excluded.external_id,
			detail        = excluded.detail,
			poll_failures = excluded.poll_failures,
			duration_ms   = excluded.duration_ms,
			started_at    = excluded.started_at,
			finished_at   = excluded.finished_at`,
		job.ID, job.TaskName, job.Backend, job.State, job.ExternalID, job.Detail,
		job.PollFailures, job.DurationMS, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j := &model.Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_name, backend, state, external_id, detail,
			poll_failures, duration_ms, created_at, started_at, finished_at
		FROM jobs WHERE id = ?`, id,
	).Scan(
		&j.ID, &j.TaskName, &j.Backend, &j.State, &j.ExternalID, &j.Detail,
		&j.PollFailures, &j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter ordered by created_at DESC, along
// with the total count of matching jobs before pagination.
func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error) {
	where, args := buildFilter(f)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, task_name, backend, state, external_id, detail,
			poll_failures, duration_ms, created_at, started_at, finished_at
		FROM jobs`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(
			&j.ID, &j.TaskName, &j.Backend, &j.State, &j.ExternalID, &j.Detail,
			&j.PollFailures, &j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func buildFilter(f JobFilter) (string, []any) {
	var conds []string
	var args []any
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.Backend != "" {
		conds = append(conds, "backend = ?")
		args = append(args, f.Backend)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetJobStats returns aggregate counts and the average duration of finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{
		CountByState:   make(map[string]int),
		CountByBackend: make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT backend, COUNT(*) FROM jobs GROUP BY backend")
	if err != nil {
		return nil, fmt.Errorf("count by backend: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var backend string
		var n int
		if err := rows.Scan(&backend, &n); err != nil {
			return nil, fmt.Errorf("scan backend count: %w", err)
		}
		stats.CountByBackend[backend] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backend counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

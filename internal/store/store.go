package store

import (
	"context"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

// ErrNotFound is returned when a job is not in the store.
var ErrNotFound = errors.New("job not found")

// JobFilter narrows and pages ListJobs results. Zero values mean no filter;
// a Limit of zero or less means no limit.
type JobFilter struct {
	State   string
	Backend string
	Limit   int
	Offset  int
}

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total          int            `json:"total"`
	CountByState   map[string]int `json:"count_by_state"`
	CountByBackend map[string]int `json:"count_by_backend"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs. Report satisfies the
// engine's reporter: each call upserts the snapshot keyed by job id, so the
// stored row always reflects the latest state the engine saw.
type Store interface {
	Report(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
)

// The store is wired into the engine as its reporter.
var _ engine.Reporter = (*SQLiteStore)(nil)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestJob() *model.Job {
	started := time.Now().UTC().Truncate(time.Second)
	return &model.Job{
		ID:         model.NewID(),
		TaskName:   "align",
		Backend:    "lsf",
		State:      model.StateRunning,
		ExternalID: "101",
		CreatedAt:  started,
		StartedAt:  &started,
	}
}

func TestReportAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.Report(ctx, j); err != nil {
		t.Fatalf("Report: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.ID != j.ID {
		t.Errorf("ID = %q, want %q", got.ID, j.ID)
	}
	if got.TaskName != j.TaskName {
		t.Errorf("TaskName = %q, want %q", got.TaskName, j.TaskName)
	}
	if got.Backend != j.Backend {
		t.Errorf("Backend = %q, want %q", got.Backend, j.Backend)
	}
	if got.State != j.State {
		t.Errorf("State = %q, want %q", got.State, j.State)
	}
	if got.ExternalID != j.ExternalID {
		t.Errorf("ExternalID = %q, want %q", got.ExternalID, j.ExternalID)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(*j.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, j.StartedAt)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil for a running job", got.FinishedAt)
	}
	if got.DurationMS != nil {
		t.Errorf("DurationMS = %v, want nil for a running job", got.DurationMS)
	}
}

func TestReportUpsertsLatestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.Report(ctx, j); err != nil {
		t.Fatalf("Report running: %v", err)
	}

	finished := j.StartedAt.Add(42 * time.Second)
	duration := int(finished.Sub(*j.StartedAt).Milliseconds())
	j.State = model.StateFailed
	j.Detail = "Job <101> is not found"
	j.FinishedAt = &finished
	j.DurationMS = &duration
	if err := s.Report(ctx, j); err != nil {
		t.Fatalf("Report terminal: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != model.StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
	if got.Detail != j.Detail {
		t.Errorf("Detail = %q, want %q", got.Detail, j.Detail)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if got.DurationMS == nil || *got.DurationMS != duration {
		t.Errorf("DurationMS = %v, want %d", got.DurationMS, duration)
	}

	_, total, err := s.ListJobs(ctx, JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1 (upsert must not duplicate)", total)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
}

func TestListJobsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 jobs with staggered creation times.
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		j := makeTestJob()
		j.TaskName = fmt.Sprintf("task-%d", i)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Report(ctx, j); err != nil {
			t.Fatalf("Report[%d]: %v", i, err)
		}
	}

	jobs, total, err := s.ListJobs(ctx, JobFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	// Newest first.
	if jobs[0].TaskName != "task-4" || jobs[1].TaskName != "task-3" {
		t.Errorf("first page = %s, %s, want task-4, task-3", jobs[0].TaskName, jobs[1].TaskName)
	}

	jobs, _, err = s.ListJobs(ctx, JobFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListJobs offset: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1 on the last page", len(jobs))
	}
	if jobs[0].TaskName != "task-0" {
		t.Errorf("last page = %s, want task-0", jobs[0].TaskName)
	}
}

func TestListJobsNoLimitReturnsAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Report(ctx, makeTestJob()); err != nil {
			t.Fatalf("Report[%d]: %v", i, err)
		}
	}

	jobs, total, err := s.ListJobs(ctx, JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 3 || len(jobs) != 3 {
		t.Errorf("got %d jobs, total %d, want 3 and 3", len(jobs), total)
	}
}

func TestListJobsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := func(state, backend string) {
		t.Helper()
		j := makeTestJob()
		j.State = state
		j.Backend = backend
		if err := s.Report(ctx, j); err != nil {
			t.Fatalf("Report: %v", err)
		}
	}
	insert(model.StateRunning, "lsf")
	insert(model.StateDone, "lsf")
	insert(model.StateDone, "shell")
	insert(model.StateFailed, "shell")

	jobs, total, err := s.ListJobs(ctx, JobFilter{State: model.StateDone})
	if err != nil {
		t.Fatalf("ListJobs by state: %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Errorf("state filter: got %d/%d, want 2/2", len(jobs), total)
	}
	for _, j := range jobs {
		if j.State != model.StateDone {
			t.Errorf("state filter returned job in state %q", j.State)
		}
	}

	jobs, total, err = s.ListJobs(ctx, JobFilter{Backend: "shell"})
	if err != nil {
		t.Fatalf("ListJobs by backend: %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Errorf("backend filter: got %d/%d, want 2/2", len(jobs), total)
	}

	jobs, total, err = s.ListJobs(ctx, JobFilter{State: model.StateDone, Backend: "shell"})
	if err != nil {
		t.Fatalf("ListJobs combined: %v", err)
	}
	if total != 1 || len(jobs) != 1 {
		t.Errorf("combined filter: got %d/%d, want 1/1", len(jobs), total)
	}
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := func(state, backend string, durationMS int) {
		t.Helper()
		j := makeTestJob()
		j.State = state
		j.Backend = backend
		if durationMS > 0 {
			j.DurationMS = &durationMS
		}
		if err := s.Report(ctx, j); err != nil {
			t.Fatalf("Report: %v", err)
		}
	}
	insert(model.StateRunning, "lsf", 0)
	insert(model.StateDone, "lsf", 1000)
	insert(model.StateDone, "shell", 3000)
	insert(model.StateCanceled, "shell", 500)

	stats, err := s.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByState[model.StateDone] != 2 {
		t.Errorf("CountByState[done] = %d, want 2", stats.CountByState[model.StateDone])
	}
	if stats.CountByState[model.StateRunning] != 1 {
		t.Errorf("CountByState[running] = %d, want 1", stats.CountByState[model.StateRunning])
	}
	if stats.CountByBackend["shell"] != 2 {
		t.Errorf("CountByBackend[shell] = %d, want 2", stats.CountByBackend["shell"])
	}
	want := (1000.0 + 3000.0 + 500.0) / 3.0
	if stats.AvgDurationMS != want {
		t.Errorf("AvgDurationMS = %v, want %v", stats.AvgDurationMS, want)
	}
}

func TestGetJobStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetJobStats(context.Background())
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %v, want 0", stats.AvgDurationMS)
	}
}

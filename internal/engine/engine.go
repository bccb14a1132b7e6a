package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/runner"
)

// ErrUnknownJob is returned for handles the engine has no record of.
var ErrUnknownJob = errors.New("unknown job")

// Reporter receives job state snapshots as they change. Implementations must
// tolerate concurrent calls from many job goroutines. Report failures are
// logged by the engine and never affect the job.
type Reporter interface {
	Report(ctx context.Context, job *model.Job) error
}

// Handle identifies a submitted job.
type Handle struct {
	ID string
}

// Engine submits tasks to configured backends and drives each job's monitor
// loop in its own goroutine. All errors are job-scoped: one job's failure
// never affects another.
type Engine struct {
	registry *backend.Registry
	runner   runner.Runner
	reporter Reporter
	logger   *slog.Logger
	clock    Clock
	broker   *Broker

	baseCtx  context.Context
	shutdown context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*controller
	limiters map[string]*rate.Limiter
	wg       sync.WaitGroup
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock overrides the engine's time source. Tests use it to drive
// monitor ticks deterministically.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an execution engine. The reporter may be nil when no
// record keeping is wanted.
func NewEngine(reg *backend.Registry, run runner.Runner, rep Reporter, logger *slog.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: reg,
		runner:   run,
		reporter: rep,
		logger:   logger,
		clock:    realClock{},
		broker:   NewBroker(),
		baseCtx:  ctx,
		shutdown: cancel,
		jobs:     make(map[string]*controller),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Submit resolves the backend, runs the submission phase synchronously, and
// on success starts the job's monitor loop. Submission failures (unknown
// backend, render errors, launch failures, non-zero submit exits, missing
// job ids) are returned to the caller and leave no job behind.
func (e *Engine) Submit(ctx context.Context, task *model.Task, backendName string) (Handle, error) {
	desc, err := e.registry.Resolve(backendName)
	if err != nil {
		return Handle{}, err
	}
	if task.Script == "" {
		return Handle{}, fmt.Errorf("task script is required")
	}

	job := &model.Job{
		ID:        model.NewID(),
		TaskName:  task.Name,
		Backend:   desc.Name(),
		State:     model.StateSubmitting,
		CreatedAt: e.clock.Now().UTC(),
	}
	c := newController(e, desc, task, job, e.limiterFor(desc))

	if err := c.submit(ctx); err != nil {
		e.logger.Warn("submission failed",
			"backend", desc.Name(), "task", task.Name, "error", err)
		return Handle{}, err
	}

	e.mu.Lock()
	e.jobs[job.ID] = c
	e.mu.Unlock()

	jobsSubmitted.WithLabelValues(desc.Name()).Inc()
	e.logger.Info("job submitted",
		"job_id", job.ID, "backend", desc.Name(), "task", task.Name, "external_id", job.ExternalID)

	e.wg.Go(func() {
		c.run(e.baseCtx)
	})

	return Handle{ID: job.ID}, nil
}

// PollState returns a non-blocking snapshot of the job's current state.
func (e *Engine) PollState(h Handle) (*model.Job, error) {
	c := e.lookup(h.ID)
	if c == nil {
		return nil, ErrUnknownJob
	}
	snap := c.snapshot()
	return &snap, nil
}

// Cancel requests cooperative cancellation of the job. It is idempotent and
// a no-op for jobs already in a terminal state.
func (e *Engine) Cancel(h Handle) error {
	c := e.lookup(h.ID)
	if c == nil {
		return ErrUnknownJob
	}
	c.cancel()
	return nil
}

// AwaitTerminal blocks until the job reaches a terminal state, the engine
// closes, or ctx is done, and returns the job snapshot at that moment.
func (e *Engine) AwaitTerminal(ctx context.Context, h Handle) (*model.Job, error) {
	c := e.lookup(h.ID)
	if c == nil {
		return nil, ErrUnknownJob
	}
	select {
	case <-c.terminal:
	case <-e.baseCtx.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	snap := c.snapshot()
	return &snap, nil
}

// Close stops all monitor loops and waits for job goroutines to exit.
// Generic jobs keep running under their scheduler; local jobs are stopped.
func (e *Engine) Close() {
	e.shutdown()
	e.wg.Wait()
}

func (e *Engine) lookup(id string) *controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[id]
}

// limiterFor returns the shared query rate limiter for a backend, or nil
// when the backend is unlimited.
func (e *Engine) limiterFor(d *backend.Descriptor) *rate.Limiter {
	if d.MaxQueryRate() <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[d.Name()]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.MaxQueryRate()), 1)
		e.limiters[d.Name()] = lim
	}
	return lim
}

// report delivers a job snapshot to the reporter. Reporting is best-effort
// and uses a background context so a canceled caller cannot lose the write.
func (e *Engine) report(job *model.Job) {
	if e.reporter == nil {
		return
	}
	if err := e.reporter.Report(context.Background(), job); err != nil {
		e.logger.Error("failed to report job state", "job_id", job.ID, "state", job.State, "error", err)
	}
}

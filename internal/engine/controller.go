package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/runner"
)

// monitorDoneExitCode is the monitor exit code that means the job finished
// successfully. Exit 0 means alive, 1 means failed or gone, anything else is
// a transient monitoring failure.
const monitorDoneExitCode = 42

// controller owns one job: it runs the submission phase, then the monitor
// loop, and is the only writer of the job's state.
type controller struct {
	eng     *Engine
	desc    *backend.Descriptor
	task    *model.Task
	limiter *rate.Limiter

	mu  sync.Mutex
	job *model.Job

	proc runner.Proc // local kind only

	cancelOnce sync.Once
	cancelReq  chan struct{}
	terminal   chan struct{}
}

func newController(e *Engine, desc *backend.Descriptor, task *model.Task, job *model.Job, lim *rate.Limiter) *controller {
	taskCopy := *task
	return &controller{
		eng:       e,
		desc:      desc,
		task:      &taskCopy,
		limiter:   lim,
		job:       job,
		cancelReq: make(chan struct{}),
		terminal:  make(chan struct{}),
	}
}

// snapshot returns a copy of the job under the controller's lock.
func (c *controller) snapshot() model.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.job
}

// cancel requests cooperative cancellation. Safe to call any number of times
// from any goroutine.
func (c *controller) cancel() {
	c.cancelOnce.Do(func() { close(c.cancelReq) })
}

func (c *controller) canceled() bool {
	select {
	case <-c.cancelReq:
		return true
	default:
		return false
	}
}

// submit runs the submission phase synchronously. On success the job is
// running and carries its external id; on failure the job never leaves
// submitting and the caller gets the phase error.
func (c *controller) submit(ctx context.Context) error {
	switch c.desc.Kind() {
	case model.KindGeneric:
		return c.submitGeneric(ctx)
	case model.KindLocal:
		return c.submitLocal(ctx)
	default:
		return fmt.Errorf("backend %q: unsupported kind %q", c.desc.Name(), c.desc.Kind())
	}
}

func (c *controller) submitGeneric(ctx context.Context) error {
	cmd, err := c.desc.SubmitCommand(c.task)
	if err != nil {
		submitFailures.WithLabelValues(c.desc.Name(), "render").Inc()
		return fmt.Errorf("rendering submit command: %w", err)
	}

	res, err := c.eng.runner.Run(ctx, cmd, "")
	if err != nil {
		submitFailures.WithLabelValues(c.desc.Name(), "launch").Inc()
		return fmt.Errorf("running submit command: %w", err)
	}
	if res.ExitCode != 0 {
		submitFailures.WithLabelValues(c.desc.Name(), "exit").Inc()
		return fmt.Errorf("submit command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	externalID, err := c.desc.ExtractJobID(res.Stdout)
	if err != nil {
		submitFailures.WithLabelValues(c.desc.Name(), "job_id").Inc()
		return fmt.Errorf("extracting job id: %w", err)
	}

	c.toRunning(externalID)
	return nil
}

func (c *controller) submitLocal(ctx context.Context) error {
	proc, err := c.eng.runner.Start(ctx, c.task.Script, c.task.WorkDir)
	if err != nil {
		submitFailures.WithLabelValues(c.desc.Name(), "launch").Inc()
		return fmt.Errorf("starting task process: %w", err)
	}
	c.proc = proc
	c.toRunning(strconv.Itoa(proc.Pid()))
	return nil
}

// toRunning moves the job out of submitting. The external id is recorded in
// the same step so it is set exactly when the state stops being submitting.
func (c *controller) toRunning(externalID string) {
	c.mu.Lock()
	c.job.ExternalID = externalID
	c.job.State = model.StateRunning
	now := c.eng.clock.Now().UTC()
	c.job.StartedAt = &now
	snap := *c.job
	c.mu.Unlock()

	activeJobs.Inc()
	c.eng.report(&snap)
	c.eng.broker.Publish(snap.ID, model.JobEvent{
		JobID: snap.ID, State: snap.State, At: now,
	})
}

// run drives the job to a terminal state. It is the only goroutine that
// mutates the job after submission.
func (c *controller) run(ctx context.Context) {
	defer c.eng.broker.Close(c.job.ID)

	switch c.desc.Kind() {
	case model.KindGeneric:
		c.runGeneric(ctx)
	case model.KindLocal:
		c.runLocal(ctx)
	}
}

// runGeneric polls the monitor command until it reports a terminal state,
// the transient failure ceiling is reached, or the job is canceled. Ticks
// are spaced at least the monitor frequency apart, measured from the start
// of the previous tick. Cancellation is observed at tick boundaries and
// during the inter-tick sleep, never mid-command.
func (c *controller) runGeneric(ctx context.Context) {
	interval := c.desc.MonitorFrequency()

	for {
		tickStart := c.eng.clock.Now()

		if c.canceled() {
			c.killAndCancel(ctx)
			return
		}

		if c.limiter != nil {
			r := c.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				switch c.sleep(ctx, d) {
				case sleepCanceled:
					r.Cancel()
					c.killAndCancel(ctx)
					return
				case sleepShutdown:
					r.Cancel()
					return
				case sleepElapsed:
				}
			}
		}

		switch c.tick(ctx) {
		case tickTerminal:
			return
		case tickShutdown:
			return
		case tickAlive:
		}

		rest := interval - c.eng.clock.Now().Sub(tickStart)
		if rest <= 0 {
			continue
		}
		switch c.sleep(ctx, rest) {
		case sleepCanceled:
			c.killAndCancel(ctx)
			return
		case sleepShutdown:
			return
		case sleepElapsed:
		}
	}
}

type tickOutcome int

const (
	tickAlive tickOutcome = iota
	tickTerminal
	tickShutdown
)

// tick runs the monitor command once and interprets its exit code.
func (c *controller) tick(ctx context.Context) tickOutcome {
	cmd, err := c.desc.MonitorCommand(c.task, c.job.ExternalID)
	if err != nil {
		// Placeholder names were validated at load, so this is a value the
		// task never provided. Every tick would fail the same way.
		c.finish(model.StateFailed, fmt.Sprintf("rendering monitor command: %v", err))
		return tickTerminal
	}

	res, err := c.eng.runner.Run(ctx, cmd, "")
	if err != nil {
		if ctx.Err() != nil {
			return tickShutdown
		}
		return c.transientFailure(fmt.Sprintf("monitor launch failed: %v", err))
	}

	switch res.ExitCode {
	case 0:
		c.resetFailures()
		monitorTicks.WithLabelValues(c.desc.Name(), tickResultAlive).Inc()
		return tickAlive
	case monitorDoneExitCode:
		c.resetFailures()
		monitorTicks.WithLabelValues(c.desc.Name(), tickResultDone).Inc()
		c.finish(model.StateDone, "")
		return tickTerminal
	case 1:
		// The scheduler reports the job failed or no longer knows it. Both
		// read the same on the wire, so the stderr text is kept as the one
		// distinguishing detail.
		c.resetFailures()
		monitorTicks.WithLabelValues(c.desc.Name(), tickResultFailed).Inc()
		c.finish(model.StateFailed, strings.TrimSpace(res.Stderr))
		return tickTerminal
	default:
		return c.transientFailure(fmt.Sprintf("monitor exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
}

// resetFailures clears the consecutive transient failure count. Every
// interpreted tick resets it; only an unbroken run reaches the ceiling.
func (c *controller) resetFailures() {
	c.mu.Lock()
	c.job.PollFailures = 0
	c.mu.Unlock()
}

// transientFailure counts a monitor tick that produced no interpretation.
// Reaching the ceiling fails the job; any interpreted tick resets the count.
func (c *controller) transientFailure(detail string) tickOutcome {
	monitorTicks.WithLabelValues(c.desc.Name(), tickResultTransient).Inc()

	c.mu.Lock()
	c.job.PollFailures++
	failures := c.job.PollFailures
	c.mu.Unlock()

	c.eng.logger.Warn("monitor tick failed",
		"job_id", c.job.ID, "backend", c.desc.Name(), "external_id", c.job.ExternalID,
		"consecutive_failures", failures, "detail", detail)

	if failures >= c.desc.MaxMonitorFailures() {
		pollFailureCeilings.WithLabelValues(c.desc.Name()).Inc()
		c.finish(model.StateFailed,
			fmt.Sprintf("monitor unreliable: %d consecutive failures, last: %s", failures, detail))
		return tickTerminal
	}
	return tickAlive
}

// killAndCancel runs the kill template best-effort and marks the job
// canceled. A job that already reached a natural terminal state stays there.
func (c *controller) killAndCancel(ctx context.Context) {
	c.mu.Lock()
	done := model.Terminal(c.job.State)
	externalID := c.job.ExternalID
	c.mu.Unlock()
	if done {
		return
	}

	cmd, err := c.desc.KillCommand(c.task, externalID)
	if err != nil {
		c.eng.logger.Error("rendering kill command failed",
			"job_id", c.job.ID, "backend", c.desc.Name(), "error", err)
	} else {
		// The kill result is logged, never interpreted.
		res, err := c.eng.runner.Run(ctx, cmd, "")
		if err != nil {
			c.eng.logger.Warn("kill command failed to run",
				"job_id", c.job.ID, "external_id", externalID, "error", err)
		} else if res.ExitCode != 0 {
			c.eng.logger.Warn("kill command exited non-zero",
				"job_id", c.job.ID, "external_id", externalID,
				"exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		}
	}

	c.finish(model.StateCanceled, "canceled by request")
}

// runLocal waits on the child process and derives the terminal state from
// its exit code. Cancellation stops the process; if the process has already
// exited when the cancel is observed, the natural result wins.
func (c *controller) runLocal(ctx context.Context) {
	type procResult struct {
		res runner.Result
		err error
	}
	waitCh := make(chan procResult, 1)
	go func() {
		res, err := c.proc.Wait()
		waitCh <- procResult{res, err}
	}()

	select {
	case pr := <-waitCh:
		c.finishLocal(pr.res, pr.err)
	case <-c.cancelReq:
		select {
		case pr := <-waitCh:
			c.finishLocal(pr.res, pr.err)
		default:
			c.stopProc(ctx)
			<-waitCh
			c.finish(model.StateCanceled, "canceled by request")
		}
	case <-ctx.Done():
		c.stopProc(context.Background())
		<-waitCh
		c.finish(model.StateFailed, "engine shut down before completion")
	}
}

func (c *controller) finishLocal(res runner.Result, err error) {
	switch {
	case err != nil:
		c.finish(model.StateFailed, fmt.Sprintf("waiting on process: %v", err))
	case res.ExitCode == 0:
		c.finish(model.StateDone, "")
	default:
		c.finish(model.StateFailed,
			fmt.Sprintf("process exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
}

func (c *controller) stopProc(ctx context.Context) {
	if err := c.proc.Stop(ctx); err != nil {
		c.eng.logger.Warn("stopping task process failed", "job_id", c.job.ID, "error", err)
	}
}

// finish moves the job to a terminal state exactly once. Later calls are
// no-ops, which is what makes a racing cancel lose to a resolved natural
// terminal state.
func (c *controller) finish(state, detail string) {
	c.mu.Lock()
	if model.Terminal(c.job.State) {
		c.mu.Unlock()
		return
	}
	c.job.State = state
	c.job.Detail = detail
	now := c.eng.clock.Now().UTC()
	c.job.FinishedAt = &now
	if c.job.StartedAt != nil {
		d := int(now.Sub(*c.job.StartedAt).Milliseconds())
		c.job.DurationMS = &d
	}
	snap := *c.job
	c.mu.Unlock()

	close(c.terminal)
	activeJobs.Dec()
	jobsFinished.WithLabelValues(c.desc.Name(), state).Inc()
	if snap.StartedAt != nil {
		jobDuration.WithLabelValues(c.desc.Name()).Observe(snap.FinishedAt.Sub(*snap.StartedAt).Seconds())
	}

	c.eng.report(&snap)
	c.eng.broker.Publish(snap.ID, model.JobEvent{
		JobID: snap.ID, State: snap.State, Detail: snap.Detail, At: now,
	})
	c.eng.logger.Info("job finished",
		"job_id", snap.ID, "backend", snap.Backend, "external_id", snap.ExternalID,
		"state", snap.State, "detail", snap.Detail)
}

type sleepOutcome int

const (
	sleepElapsed sleepOutcome = iota
	sleepCanceled
	sleepShutdown
)

// sleep waits for d on the engine clock, returning early when the job is
// canceled or the engine shuts down.
func (c *controller) sleep(ctx context.Context, d time.Duration) sleepOutcome {
	select {
	case <-c.eng.clock.After(d):
		return sleepElapsed
	case <-c.cancelReq:
		return sleepCanceled
	case <-ctx.Done():
		return sleepShutdown
	}
}

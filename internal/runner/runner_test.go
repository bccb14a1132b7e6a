package runner_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/runner"
)

func TestRunCapturesOutput(t *testing.T) {
	r := runner.NewShellRunner()

	res, err := r.Run(context.Background(), `echo out; echo err >&2`, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "out\n")
	}
	if res.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "err\n")
	}
}

func TestRunNonZeroExitIsData(t *testing.T) {
	r := runner.NewShellRunner()

	res, err := r.Run(context.Background(), `echo nope >&2; exit 42`, "")
	if err != nil {
		t.Fatalf("Run returned error for non-zero exit: %v", err)
	}
	if res.ExitCode != 42 {
		t.Errorf("ExitCode = %d, want 42", res.ExitCode)
	}
	if res.Stderr != "nope\n" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "nope\n")
	}
}

func TestRunMissingBinaryIsShellExitCode(t *testing.T) {
	r := runner.NewShellRunner()

	// The shell itself launches fine and reports 127 for the missing binary.
	res, err := r.Run(context.Background(), `definitely-not-a-real-binary-anvil`, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 127 {
		t.Errorf("ExitCode = %d, want 127", res.ExitCode)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	r := runner.NewShellRunner()

	_, err := r.Run(context.Background(), `echo hi`, "/this/dir/does/not/exist")
	if err == nil {
		t.Fatal("Run with bad working directory succeeded, want error")
	}
	var launch *runner.LaunchError
	if !errors.As(err, &launch) {
		t.Errorf("error = %T, want *LaunchError", err)
	}
}

func TestRunContextCancellation(t *testing.T) {
	r := runner.NewShellRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, `sleep 10`, "")
	if err == nil {
		t.Fatal("Run past deadline succeeded, want error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestStartWaitCompletes(t *testing.T) {
	r := runner.NewShellRunner()

	p, err := r.Start(context.Background(), `echo started; exit 3`, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid = %d, want a real process id", p.Pid())
	}
	res, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "started\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "started\n")
	}
}

func TestStartStopTerminates(t *testing.T) {
	r := runner.NewShellRunner()

	p, err := r.Start(context.Background(), `sleep 30`, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	type waitResult struct {
		res runner.Result
		err error
	}
	waited := make(chan waitResult, 1)
	go func() {
		res, err := p.Wait()
		waited <- waitResult{res, err}
	}()

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case w := <-waited:
		if w.err != nil {
			t.Fatalf("Wait after Stop: %v", w.err)
		}
		if w.res.ExitCode == 0 {
			t.Errorf("ExitCode = 0 after Stop, want non-zero")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("process did not terminate after Stop")
	}
}

func TestLaunchErrorMessage(t *testing.T) {
	err := &runner.LaunchError{Command: "bsub run.sh", Err: errors.New("no such file")}
	if !strings.Contains(err.Error(), "bsub run.sh") {
		t.Errorf("LaunchError message %q does not name the command", err.Error())
	}
}

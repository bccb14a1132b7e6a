// mocksched is a stand-in scheduler CLI for local development and E2E tests.
// It speaks the generic backend protocol: submit prints an LSF-style job id
// line, status exits 0 while the job is alive and 42 once it is done, kill
// removes the job.
//
// Point a generic backend at it:
//
//	submit = "mocksched submit --ticks 3 ~{script}"
//	monitor = "mocksched status ~{job_id}"
//	kill = "mocksched kill ~{job_id}"
//	job_id_regex = 'Job <(\d+)>'
//
// Job state lives as one JSON file per job under MOCKSCHED_DIR
// (default: <tmp>/mocksched).
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
)

// doneExitCode is what the monitor protocol treats as "job completed".
const doneExitCode = 42

type jobState struct {
	TicksRemaining int    `json:"ticks_remaining"`
	Outcome        string `json:"outcome"`
	FlakyEvery     int    `json:"flaky_every,omitempty"`
	Polls          int    `json:"polls"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mocksched",
		Short:        "Fake scheduler CLI for exercising generic backends",
		SilenceUsage: true,
	}

	root.AddCommand(newSubmitCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newKillCmd())

	return root
}

func stateDir() string {
	if v := os.Getenv("MOCKSCHED_DIR"); v != "" {
		return v
	}
	return filepath.Join(os.TempDir(), "mocksched")
}

func statePath(id string) string {
	return filepath.Join(stateDir(), id+".json")
}

func newSubmitCmd() *cobra.Command {
	var (
		ticks      int
		outcome    string
		flakyEvery int
	)

	cmd := &cobra.Command{
		Use:   "submit [script...]",
		Short: "Accept a job and print its id",
		Long:  "Accept a job and print an LSF-style submission line. The script arguments\nare ignored; --ticks controls how many status calls report the job alive.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outcome != "done" && outcome != "fail" {
				return fmt.Errorf("invalid outcome %q: must be done or fail", outcome)
			}
			if err := os.MkdirAll(stateDir(), 0o755); err != nil {
				return err
			}

			id, err := allocateJob(jobState{
				TicksRemaining: ticks,
				Outcome:        outcome,
				FlakyEvery:     flakyEvery,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job <%d> is submitted to queue <normal>.\n", id)
			return nil
		},
	}

	cmd.Flags().IntVar(&ticks, "ticks", 2, "status calls that report the job alive before it finishes")
	cmd.Flags().StringVar(&outcome, "outcome", "done", "terminal outcome: done or fail")
	cmd.Flags().IntVar(&flakyEvery, "flaky-every", 0, "make every Nth status call fail with a transient error (0 disables)")

	return cmd
}

// allocateJob picks an unused numeric id and writes the initial state.
// O_EXCL makes concurrent submissions safe.
func allocateJob(s jobState) (int, error) {
	for i := 0; i < 100; i++ {
		id := 100 + rand.IntN(899900)
		f, err := os.OpenFile(statePath(strconv.Itoa(id)), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if err := json.NewEncoder(f).Encode(s); err != nil {
			f.Close()
			return 0, err
		}
		return id, f.Close()
	}
	return 0, errors.New("no free job id")
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Report whether a job is still running",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if code := runStatus(cmd.OutOrStdout(), os.Stderr, args[0]); code != 0 {
				os.Exit(code)
			}
		},
	}
}

// runStatus advances a job by one poll and returns the monitor protocol exit
// code: 0 alive, 42 done, 1 failed, anything else transient.
func runStatus(out, errOut io.Writer, id string) int {
	s, err := loadJob(id)
	if err != nil {
		fmt.Fprintf(errOut, "Job <%s> is not found\n", id)
		return 1
	}

	s.Polls++
	if s.FlakyEvery > 0 && s.Polls%s.FlakyEvery == 0 {
		saveJob(id, s)
		fmt.Fprintln(errOut, "mocksched: temporarily unavailable")
		return 7
	}

	if s.TicksRemaining > 0 {
		s.TicksRemaining--
		saveJob(id, s)
		fmt.Fprintf(out, "%s RUN normal\n", id)
		return 0
	}

	os.Remove(statePath(id))
	if s.Outcome == "fail" {
		fmt.Fprintf(errOut, "Job <%s> exited with code 1\n", id)
		return 1
	}
	fmt.Fprintf(out, "%s DONE normal\n", id)
	return doneExitCode
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <job_id>",
		Short: "Terminate a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if code := runKill(cmd.OutOrStdout(), os.Stderr, args[0]); code != 0 {
				os.Exit(code)
			}
		},
	}
}

func runKill(out, errOut io.Writer, id string) int {
	if err := os.Remove(statePath(id)); err != nil {
		fmt.Fprintf(errOut, "Job <%s> is not found\n", id)
		return 1
	}
	fmt.Fprintf(out, "Job <%s> is being terminated\n", id)
	return 0
}

func loadJob(id string) (jobState, error) {
	var s jobState
	data, err := os.ReadFile(statePath(id))
	if err != nil {
		return s, err
	}
	return s, json.Unmarshal(data, &s)
}

func saveJob(id string, s jobState) {
	data, _ := json.Marshal(s)
	os.WriteFile(statePath(id), data, 0o644)
}

package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Job state constants.
const (
	StateSubmitting = "submitting"
	StateRunning    = "running"
	StateDone       = "done"
	StateFailed     = "failed"
	StateCanceled   = "canceled"
)

// Backend kind constants.
const (
	KindGeneric = "generic"
	KindLocal   = "local"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateSubmitting: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateRunning: {
		StateDone:     true,
		StateFailed:   true,
		StateCanceled: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a job in the given state will never change state again.
func Terminal(state string) bool {
	return state == StateDone || state == StateFailed || state == StateCanceled
}

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// Task describes one command a caller wants executed on a backend.
type Task struct {
	Name     string `json:"name"`
	Script   string `json:"script"`
	WorkDir  string `json:"work_dir,omitempty"`
	CPU      *int   `json:"cpu,omitempty"`
	MemoryMB *int   `json:"memory_mb,omitempty"`
}

// Job tracks one submitted task through its lifecycle. ExternalID is the
// scheduler-side identifier and is set exactly when the job leaves the
// submitting state.
type Job struct {
	ID           string     `json:"id"`
	TaskName     string     `json:"task_name"`
	Backend      string     `json:"backend"`
	State        string     `json:"state"`
	ExternalID   string     `json:"external_id,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	PollFailures int        `json:"poll_failures,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// JobEvent is one state transition published to event subscribers.
type JobEvent struct {
	JobID  string    `json:"job_id"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Package engine provides the job execution engine. It submits tasks through
// backend command templates, extracts scheduler job ids from submit output,
// and drives each job's monitor loop in its own goroutine, deriving all state
// from exit codes and captured command output.
package engine

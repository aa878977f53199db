package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a job. Transitions only move
// forward: queued -> running -> completed | failed.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this status will never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one submitted command-line execution request. IDs are assigned by
// the Queue at submission and are unique for the daemon's lifetime.
//
// Args is the exact argv vector supplied by the client; it is executed
// verbatim, without any shell interpretation.
type Job struct {
	ID   uint64   `json:"id"`
	Args []string `json:"args"`

	// ExpectedDuration is an informational value in seconds. It is never
	// read by scheduling logic, only echoed back in status and notify output.
	ExpectedDuration *uint64 `json:"expected_duration,omitempty"`

	// NotifyCmd, if set, is spawned server-side once the job reaches a
	// terminal state. See executor.Notifier for the security caveats.
	NotifyCmd string `json:"notify_cmd,omitempty"`

	Status Status `json:"status"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// ExitCode is present only once the job is completed.
	ExitCode *int `json:"exit_code,omitempty"`
	// Reason is present only once the job is failed.
	Reason string `json:"reason,omitempty"`

	// Bounded tails of the child's output, captured at termination.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Cmdline renders the argv vector for display and for the notify payload.
func (j *Job) Cmdline() string {
	return strings.Join(j.Args, " ")
}

// clone returns a deep copy so snapshots never alias queue-owned state.
func (j *Job) clone() Job {
	c := *j
	c.Args = append([]string(nil), j.Args...)
	if j.ExpectedDuration != nil {
		d := *j.ExpectedDuration
		c.ExpectedDuration = &d
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.ExitCode != nil {
		e := *j.ExitCode
		c.ExitCode = &e
	}
	return c
}

package execution

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status carries a completion timestamp.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Summary is the aggregate of an execution's steps.
type Summary struct {
	TotalSteps      int    `json:"totalSteps"`
	SuccessfulSteps int    `json:"successfulSteps"`
	CreditsUsed     int    `json:"creditsUsed"`
	Description     string `json:"description,omitempty"`
}

// Record is the summary view of one agent execution.
type Record struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	AgentID     string     `json:"agentId"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  *int64     `json:"durationMs,omitempty"`
	TriggeredBy *string    `json:"triggeredBy,omitempty"` // nil means an automatic trigger
	RetryOf     string     `json:"retryOf,omitempty"`
	Summary     Summary    `json:"summary"`
}

// Duration returns the derived run time, or false while the execution is open.
func (r *Record) Duration() (time.Duration, bool) {
	if r.DurationMS == nil {
		return 0, false
	}
	return time.Duration(*r.DurationMS) * time.Millisecond, true
}

// Automatic reports whether no user triggered the execution.
func (r *Record) Automatic() bool {
	return r.TriggeredBy == nil
}

// Finish moves the record into a terminal status and derives its duration.
func (r *Record) Finish(status Status, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidRecord, status)
	}
	at = at.UTC()
	d := at.Sub(r.StartedAt).Milliseconds()
	if d < 0 {
		d = 0
	}
	r.Status = status
	r.CompletedAt = &at
	r.DurationMS = &d
	return nil
}

// Validate checks the completion invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: execution %s: unknown status %q", ErrInvalidRecord, r.ID, r.Status)
	}
	if r.Status.IsTerminal() != (r.CompletedAt != nil) {
		return fmt.Errorf("%w: execution %s: completedAt must be set iff status is terminal (status=%s)",
			ErrInvalidRecord, r.ID, r.Status)
	}
	if (r.CompletedAt != nil) != (r.DurationMS != nil) {
		return fmt.Errorf("%w: execution %s: duration must be set iff completedAt is set", ErrInvalidRecord, r.ID)
	}
	return nil
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Success     bool   `json:"success"`
	Description string `json:"description"`
	Error       string `json:"error,omitempty"`
}

// Step is one executed action of an execution.
type Step struct {
	Number     int        `json:"stepNumber"`
	Action     string     `json:"action"`
	Result     StepResult `json:"result"`
	DurationMS int64      `json:"durationMs"`
	Credits    int        `json:"creditsUsed"`
}

// Detail is a Record plus its ordered steps.
type Detail struct {
	Record
	Steps []Step `json:"steps"`
}

// Validate checks the record invariants and that steps are numbered 1..n.
func (d *Detail) Validate() error {
	if err := d.Record.Validate(); err != nil {
		return err
	}
	for i, s := range d.Steps {
		if s.Number != i+1 {
			return fmt.Errorf("%w: execution %s: step %d has number %d", ErrInvalidRecord, d.ID, i+1, s.Number)
		}
	}
	return nil
}

// ListResult is one page returned by the list endpoint.
type ListResult struct {
	Executions []Record `json:"executions"`
	Count      int      `json:"count"`
}

// RetryResult is returned when a retry starts a new execution.
type RetryResult struct {
	ExecutionID string `json:"executionId"`
	Message     string `json:"message"`
}

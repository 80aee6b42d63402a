package dryrun

import (
	"fmt"
	"time"
)

// StepStatus is the outcome of simulating one step.
type StepStatus string

const (
	StepSimulated StepStatus = "simulated"
	StepSkipped   StepStatus = "skipped"
	StepError     StepStatus = "error"
)

// Severity ranks a warning.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// StepResult is the preview of one top-level plan step.
type StepResult struct {
	Number  int               `json:"stepNumber"`
	Action  string            `json:"action"`
	Status  StepStatus        `json:"status"`
	Preview string            `json:"preview"`
	Details map[string]string `json:"details,omitempty"`
	Credits CreditRange       `json:"estimatedCredits"`
	Note    string            `json:"note,omitempty"`
}

// Warning is actionable feedback about the plan.
type Warning struct {
	Severity   Severity `json:"severity"`
	Step       int      `json:"step,omitempty"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// BulkEntry shows the multiplier of a fan-out step instead of folding it
// silently into the total.
type BulkEntry struct {
	Step           int         `json:"step"`
	Label          string      `json:"label"`
	Count          int         `json:"count"`
	PerItemCredits CreditRange `json:"perItemCredits"`
	Credits        CreditRange `json:"credits"`
}

// CostLine is the share of one cost driver (action kind) in the estimate.
type CostLine struct {
	Driver  string      `json:"driver"`
	Credits CreditRange `json:"credits"`
}

// Duration keeps active time and idle wait time apart.
type Duration struct {
	Active TimeRange `json:"active"`
	Wait   TimeRange `json:"wait"`
}

func (d Duration) String() string {
	s := formatTimeRange(d.Active) + " active"
	if !d.Wait.IsZero() {
		s += " + " + formatTimeRange(d.Wait) + " waiting"
	}
	return s
}

func formatTimeRange(r TimeRange) string {
	lo := time.Duration(r.MinMS) * time.Millisecond
	hi := time.Duration(r.MaxMS) * time.Millisecond
	if lo == hi {
		return lo.String()
	}
	return fmt.Sprintf("%s-%s", lo, hi)
}

// Projection is the monthly cost of a schedule-triggered agent.
type Projection struct {
	Schedule     string      `json:"schedule"`
	RunsPerMonth int         `json:"runsPerMonth"`
	Credits      CreditRange `json:"credits"`
	Active       TimeRange   `json:"active"`
	Threshold    int         `json:"threshold,omitempty"`
	HighUsage    bool        `json:"highUsage"`
}

// Result is the outcome of a dry run.
type Result struct {
	Success           bool         `json:"success"`
	FailedAtStep      int          `json:"failedAtStep,omitempty"`
	Error             string       `json:"error,omitempty"`
	EntityCount       int          `json:"entityCount"`
	Steps             []StepResult `json:"steps"`
	Bulk              []BulkEntry  `json:"bulkActions,omitempty"`
	Warnings          []Warning    `json:"warnings"`
	EstimatedDuration Duration     `json:"estimatedDuration"`
	EstimatedCredits  CreditRange  `json:"estimatedCredits"`
	Breakdown         []CostLine   `json:"breakdown"`
	Monthly           *Projection  `json:"monthlyProjection,omitempty"`
}

// Errors returns the warnings with error severity.
func (r *Result) Errors() []Warning {
	var out []Warning
	for _, w := range r.Warnings {
		if w.Severity == SeverityError {
			out = append(out, w)
		}
	}
	return out
}

// Delta is the difference between two dry runs of the same agent.
type Delta struct {
	Credits       CreditRange `json:"credits"`
	ActiveMS      TimeRange   `json:"activeMs"`
	StepsDelta    int         `json:"stepsDelta"`
	BecameFailing bool        `json:"becameFailing"`
	BecamePassing bool        `json:"becamePassing"`
}

// Compare returns cur minus prev.
func Compare(prev, cur *Result) Delta {
	return Delta{
		Credits: CreditRange{
			Min: cur.EstimatedCredits.Min - prev.EstimatedCredits.Min,
			Max: cur.EstimatedCredits.Max - prev.EstimatedCredits.Max,
		},
		ActiveMS: TimeRange{
			MinMS: cur.EstimatedDuration.Active.MinMS - prev.EstimatedDuration.Active.MinMS,
			MaxMS: cur.EstimatedDuration.Active.MaxMS - prev.EstimatedDuration.Active.MaxMS,
		},
		StepsDelta:    len(cur.Steps) - len(prev.Steps),
		BecameFailing: prev.Success && !cur.Success,
		BecamePassing: !prev.Success && cur.Success,
	}
}

// TestRequest is the payload of a test run.
type TestRequest struct {
	EntityCount int `json:"entityCount,omitempty"`
}

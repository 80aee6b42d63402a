package execution

import (
	"errors"
	"fmt"
	"time"
)

// ErrFinished is returned when a report targets an execution that already
// reached a terminal status.
var ErrFinished = errors.New("execution already finished")

// Report is sent by the execution engine as an execution advances. Every
// field is optional except At.
type Report struct {
	Status      Status    `json:"status,omitempty"`
	At          time.Time `json:"at"`
	TriggeredBy *string   `json:"triggeredBy,omitempty"`
	RetryOf     string    `json:"retryOf,omitempty"`
	Description string    `json:"description,omitempty"`
	TotalSteps  int       `json:"totalSteps,omitempty"`
	Step        *Step     `json:"step,omitempty"`
	Progress    *float64  `json:"progress,omitempty"`
}

// Validate checks the report on its own, without the execution it targets.
func (r Report) Validate() error {
	if r.At.IsZero() {
		return fmt.Errorf("%w: report without timestamp", ErrInvalidRecord)
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if r.Step != nil && r.Step.Number < 1 {
		return fmt.Errorf("%w: step number %d", ErrInvalidRecord, r.Step.Number)
	}
	if r.TotalSteps < 0 {
		return fmt.Errorf("%w: negative total steps", ErrInvalidRecord)
	}
	if r.Progress != nil && (*r.Progress < 0 || *r.Progress > 100) {
		return fmt.Errorf("%w: progress %.1f out of range", ErrInvalidRecord, *r.Progress)
	}
	return nil
}

// Apply folds a report into d and returns the push events it causes. A zero
// d is a new execution identified by ref. Replaying the report of an
// already recorded step overwrites it.
func Apply(d *Detail, ref Record, rep Report) ([]Event, error) {
	if err := rep.Validate(); err != nil {
		return nil, err
	}

	var events []Event
	ev := func(kind EventKind) Event {
		return Event{Kind: kind, WorkspaceID: d.WorkspaceID, AgentID: d.AgentID, ExecutionID: d.ID}
	}

	if d.ID == "" {
		d.Record = Record{
			ID:          ref.ID,
			WorkspaceID: ref.WorkspaceID,
			AgentID:     ref.AgentID,
			Status:      StatusRunning,
			StartedAt:   rep.At.UTC(),
			TriggeredBy: rep.TriggeredBy,
			RetryOf:     rep.RetryOf,
		}
		events = append(events, ev(EventStarted))
	} else if d.Status.IsTerminal() {
		return nil, fmt.Errorf("execution %s (%s): %w", d.ID, d.Status, ErrFinished)
	}

	if rep.Description != "" {
		d.Summary.Description = rep.Description
	}
	if rep.TotalSteps > d.Summary.TotalSteps {
		d.Summary.TotalSteps = rep.TotalSteps
	}

	if s := rep.Step; s != nil {
		switch n := s.Number; {
		case n <= len(d.Steps):
			d.Steps[n-1] = *s
		case n == len(d.Steps)+1:
			d.Steps = append(d.Steps, *s)
		default:
			return nil, fmt.Errorf("%w: execution %s: step %d reported after step %d",
				ErrInvalidRecord, d.ID, n, len(d.Steps))
		}
		d.summarize()

		p := ev(EventProgress)
		p.Step, p.Total, p.Action, p.Progress = s.Number, d.Summary.TotalSteps, s.Action, rep.Progress
		events = append(events, p)
	}

	switch {
	case rep.Status.IsTerminal():
		if err := d.Finish(rep.Status, rep.At); err != nil {
			return nil, err
		}
		if rep.Status == StatusFailed {
			events = append(events, ev(EventFailed))
		} else {
			events = append(events, ev(EventCompleted))
		}
	case rep.Status != "":
		d.Status = rep.Status
	}
	return events, nil
}

func (d *Detail) summarize() {
	ok, credits := 0, 0
	for _, s := range d.Steps {
		if s.Result.Success {
			ok++
		}
		credits += s.Credits
	}
	d.Summary.SuccessfulSteps = ok
	d.Summary.CreditsUsed = credits
	d.Summary.TotalSteps = max(d.Summary.TotalSteps, len(d.Steps))
}

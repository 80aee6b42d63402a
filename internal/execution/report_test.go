package execution

import (
	"errors"
	"testing"
	"time"
)

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func TestApply_Lifecycle(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ref := Record{ID: "exec-1", WorkspaceID: "ws", AgentID: "ag"}
	var d Detail

	evs, err := Apply(&d, ref, Report{At: start, TotalSteps: 2, Description: "Nurture"})
	if err != nil {
		t.Fatal(err)
	}
	if got := kinds(evs); len(got) != 1 || got[0] != EventStarted {
		t.Fatalf("events = %v, want [started]", got)
	}
	if d.Status != StatusRunning || !d.StartedAt.Equal(start) || d.Summary.TotalSteps != 2 {
		t.Fatalf("record = %+v", d.Record)
	}

	step := Step{Number: 1, Action: "send_email", Result: StepResult{Success: true}, Credits: 1}
	evs, err = Apply(&d, ref, Report{At: start.Add(time.Second), Step: &step})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Kind != EventProgress || evs[0].Step != 1 || evs[0].Total != 2 || evs[0].Action != "send_email" {
		t.Fatalf("progress event = %+v", evs)
	}
	if evs[0].WorkspaceID != "ws" || evs[0].AgentID != "ag" || evs[0].ExecutionID != "exec-1" {
		t.Errorf("event scope = %+v", evs[0])
	}

	// Replaying a step overwrites it.
	if _, err := Apply(&d, ref, Report{At: start.Add(time.Second), Step: &step}); err != nil {
		t.Fatal(err)
	}
	if len(d.Steps) != 1 || d.Summary.CreditsUsed != 1 {
		t.Errorf("after replay steps=%d credits=%d", len(d.Steps), d.Summary.CreditsUsed)
	}

	step2 := Step{Number: 2, Action: "sync_crm", Result: StepResult{Error: "timeout"}, Credits: 1}
	evs, err = Apply(&d, ref, Report{At: start.Add(2 * time.Second), Step: &step2, Status: StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if got := kinds(evs); len(got) != 2 || got[0] != EventProgress || got[1] != EventFailed {
		t.Errorf("events = %v, want [progress failed]", got)
	}
	if d.Summary.SuccessfulSteps != 1 || d.Summary.CreditsUsed != 2 || *d.DurationMS != 2000 {
		t.Errorf("summary = %+v duration=%d", d.Summary, *d.DurationMS)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate() after lifecycle: %v", err)
	}

	if _, err := Apply(&d, ref, Report{At: start.Add(time.Hour), Status: StatusRunning}); !errors.Is(err, ErrFinished) {
		t.Errorf("report after finish error = %v, want ErrFinished", err)
	}
}

func TestApply_CancelledPublishesCompleted(t *testing.T) {
	var d Detail
	evs, err := Apply(&d, Record{ID: "e", WorkspaceID: "ws", AgentID: "ag"},
		Report{At: time.Now(), Status: StatusCancelled})
	if err != nil {
		t.Fatal(err)
	}
	if got := kinds(evs); len(got) != 2 || got[1] != EventCompleted {
		t.Errorf("events = %v", got)
	}
	if d.Status != StatusCancelled || d.CompletedAt == nil {
		t.Errorf("record = %+v", d.Record)
	}
}

func TestApply_Rejects(t *testing.T) {
	now := time.Now()
	ref := Record{ID: "e", WorkspaceID: "ws", AgentID: "ag"}
	tests := []struct {
		name string
		rep  Report
	}{
		{"no timestamp", Report{}},
		{"unknown status", Report{At: now, Status: "paused"}},
		{"step gap", Report{At: now, Step: &Step{Number: 3}}},
		{"zero step", Report{At: now, Step: &Step{Number: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Detail
			if _, err := Apply(&d, ref, tt.rep); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

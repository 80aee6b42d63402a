package execution

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFinish(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := Record{ID: "exec-1", Status: StatusRunning, StartedAt: start}

	if err := r.Finish(StatusRunning, start); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Finish(running) error = %v, want ErrInvalidRecord", err)
	}
	if err := r.Finish(StatusFailed, start.Add(90*time.Second)); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if r.Status != StatusFailed || r.CompletedAt == nil {
		t.Fatalf("record = %+v", r)
	}
	d, ok := r.Duration()
	if !ok || d != 90*time.Second {
		t.Errorf("Duration() = %v, %v; want 90s, true", d, ok)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("Validate() after Finish: %v", err)
	}
}

func TestFinish_ClockSkew(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := Record{ID: "exec-1", Status: StatusRunning, StartedAt: start}
	if err := r.Finish(StatusCompleted, start.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if *r.DurationMS != 0 {
		t.Errorf("DurationMS = %d, want 0", *r.DurationMS)
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	ms := int64(10)

	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"running", Record{ID: "a", Status: StatusRunning}, false},
		{"waiting", Record{ID: "a", Status: StatusWaiting}, false},
		{"completed", Record{ID: "a", Status: StatusCompleted, CompletedAt: &now, DurationMS: &ms}, false},
		{"missing id", Record{Status: StatusRunning}, true},
		{"unknown status", Record{ID: "a", Status: "paused"}, true},
		{"terminal without completedAt", Record{ID: "a", Status: StatusFailed}, true},
		{"open with completedAt", Record{ID: "a", Status: StatusRunning, CompletedAt: &now, DurationMS: &ms}, true},
		{"completedAt without duration", Record{ID: "a", Status: StatusCancelled, CompletedAt: &now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("error %v does not wrap ErrInvalidRecord", err)
			}
		})
	}
}

func TestDetailValidate(t *testing.T) {
	d := Detail{
		Record: Record{ID: "a", Status: StatusRunning},
		Steps:  []Step{{Number: 1}, {Number: 2}, {Number: 3}},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	d.Steps[2].Number = 4
	if err := d.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("gap in step numbers: error = %v", err)
	}
}

func TestAutomatic(t *testing.T) {
	user := "user-7"
	if !(&Record{}).Automatic() {
		t.Error("nil TriggeredBy should be automatic")
	}
	if (&Record{TriggeredBy: &user}).Automatic() {
		t.Error("user-triggered record reported as automatic")
	}
}

func TestEventValidate(t *testing.T) {
	p := func(v float64) *float64 { return &v }
	tests := []struct {
		ev      Event
		wantErr bool
	}{
		{Event{Kind: EventStarted, ExecutionID: "a"}, false},
		{Event{Kind: EventProgress, ExecutionID: "a", Progress: p(42)}, false},
		{Event{Kind: "paused", ExecutionID: "a"}, true},
		{Event{Kind: EventCompleted}, true},
		{Event{Kind: EventProgress, ExecutionID: "a", Progress: p(101)}, true},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%+v) error = %v, wantErr %v", tt.ev, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("error %v does not wrap ErrInvalidEvent", err)
			}
		})
	}

	if !(Event{Kind: EventFailed}).Terminal() || (Event{Kind: EventProgress}).Terminal() {
		t.Error("Terminal() misclassifies kinds")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("get exec-9: %w", ErrNotFound)) {
		t.Error("wrapped ErrNotFound not detected")
	}
	if IsNotFound(ErrInvalidRecord) {
		t.Error("ErrInvalidRecord reported as not found")
	}
}

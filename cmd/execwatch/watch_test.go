package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/store"
)

func TestRunCommandRejectsBadInput(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"s bogus", "status"},
		{"d yesterday", "range"},
		{"e xml", "format"},
		{"t many", "entity count"},
		{"z", "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			// None of these reach the session.
			err := runCommand(nil, tt.line)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("runCommand(%q) = %v, want error containing %q", tt.line, err, tt.want)
			}
		})
	}
}

func TestRunCommandQuit(t *testing.T) {
	for _, line := range []string{"q", " quit "} {
		if err := runCommand(nil, line); !errors.Is(err, errQuit) {
			t.Errorf("runCommand(%q) = %v, want errQuit", line, err)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("héllo wörld", 6); got != "héllo…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestRenderRecordsEmpty(t *testing.T) {
	if got := renderRecords(nil, nil, nil); !strings.Contains(got, "no executions") {
		t.Errorf("renderRecords(nil) = %q", got)
	}
}

func TestRenderRecordsTrigger(t *testing.T) {
	user := "alice"
	recs := []execution.Record{
		{ID: "0123456789", Status: execution.StatusCompleted, StartedAt: time.Now()},
		{ID: "abc", Status: execution.StatusFailed, StartedAt: time.Now(), TriggeredBy: &user},
	}
	got := renderRecords(recs, nil, map[string]bool{"abc": true})
	for _, want := range []string{"01234567", "auto", "alice", "updated"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestChangedRecords(t *testing.T) {
	got := changedRecords([]store.Change{
		{Kind: store.ChangeUpserted, ID: "a"},
		{Kind: store.ChangePage},
		{Kind: store.ChangeRemoved, ID: "b"},
		{Kind: store.ChangeDetail, ID: "c"},
	})
	if len(got) != 2 || !got["a"] || !got["c"] {
		t.Errorf("changedRecords = %v, want a and c", got)
	}
}

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

type flakyRepo struct {
	*SQLite
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) ApplyReport(ctx context.Context, ref execution.Record, rep execution.Report) (execution.Record, []execution.Event, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return execution.Record{}, nil, errors.New("connection reset")
	}
	r.mu.Unlock()
	return r.SQLite.ApplyReport(ctx, ref, rep)
}

func TestReportWriterAppliesInOrder(t *testing.T) {
	db := openTestDB(t)
	w := NewReportWriter(db, 16)

	var mu sync.Mutex
	var kinds []execution.EventKind
	w.OnApplied = func(_ execution.Record, events []execution.Event) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
	}
	w.Start()

	w.Submit(ref("exec-1"), execution.Report{At: base})
	w.Submit(ref("exec-1"), execution.Report{At: base.Add(time.Second), Step: step(1, true, 1)})
	w.Submit(ref("exec-1"), execution.Report{At: base.Add(2 * time.Second), Status: execution.StatusCompleted})
	w.Flush(5 * time.Second)

	want := []execution.EventKind{execution.EventStarted, execution.EventProgress, execution.EventCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestReportWriterRetriesTransientErrors(t *testing.T) {
	repo := &flakyRepo{SQLite: openTestDB(t), failures: 2}
	w := NewReportWriter(repo, 4)
	applied := make(chan execution.Record, 1)
	w.OnApplied = func(rec execution.Record, _ []execution.Event) { applied <- rec }
	w.Start()

	w.Submit(ref("exec-1"), execution.Report{At: base})
	w.Flush(5 * time.Second)

	select {
	case rec := <-applied:
		if rec.ID != "exec-1" {
			t.Errorf("applied %s, want exec-1", rec.ID)
		}
	default:
		t.Fatal("report was not applied after transient failures")
	}
}

func TestReportWriterDropsPermanentErrors(t *testing.T) {
	db := openTestDB(t)
	w := NewReportWriter(db, 4)
	var failed error
	w.OnFailed = func(_ execution.Record, err error) { failed = err }
	w.Start()

	w.Submit(ref("exec-1"), execution.Report{At: base, Step: step(3, true, 1)})
	w.Flush(5 * time.Second)

	if !errors.Is(failed, execution.ErrInvalidRecord) {
		t.Errorf("OnFailed err = %v, want ErrInvalidRecord", failed)
	}
}

func TestReportWriterBufferFull(t *testing.T) {
	w := NewReportWriter(openTestDB(t), 1)
	if !w.Submit(ref("exec-1"), execution.Report{At: base}) {
		t.Fatal("first submit should fit")
	}
	if w.Submit(ref("exec-2"), execution.Report{At: base}) {
		t.Error("second submit should be rejected while the writer is stopped")
	}
}

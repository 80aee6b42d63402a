package store

import (
	"errors"
	"testing"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func running(id string) execution.Record {
	return execution.Record{ID: id, Status: execution.StatusRunning, StartedAt: t0}
}

func finished(id string, status execution.Status, after time.Duration) execution.Record {
	r := running(id)
	if err := r.Finish(status, t0.Add(after)); err != nil {
		panic(err)
	}
	return r
}

func TestUpsert_LastWriteWinsOnCompletedAt(t *testing.T) {
	s := New(nil)
	s.Upsert(finished("a", execution.StatusFailed, 2*time.Minute))

	if s.Upsert(finished("a", execution.StatusCompleted, time.Minute)) {
		t.Error("older completion replaced newer one")
	}
	got, _ := s.Get("a")
	if got.Status != execution.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	if !s.Upsert(finished("a", execution.StatusCompleted, 3*time.Minute)) {
		t.Error("newer completion was rejected")
	}
	got, _ = s.Get("a")
	if got.Status != execution.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestUpsert_TerminalNotRegressed(t *testing.T) {
	s := New(nil)
	s.Upsert(finished("a", execution.StatusCompleted, time.Minute))
	if s.Upsert(running("a")) {
		t.Error("running record replaced a completed one")
	}
}

func TestUpsert_EmitsChange(t *testing.T) {
	s := New(nil)
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	s.Upsert(running("a"))
	s.Upsert(finished("a", execution.StatusCompleted, time.Second))

	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	for _, c := range changes {
		if c.Kind != ChangeUpserted || c.ID != "a" {
			t.Errorf("unexpected change %+v", c)
		}
	}
}

func TestUpsert_UnchangedIsSilent(t *testing.T) {
	s := New(nil)
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	s.ReplacePage([]execution.Record{running("a"), running("b")})
	n := len(changes)
	if n != 3 {
		t.Fatalf("first page: got %d changes, want 2 upserts and a page change", n)
	}

	if s.Upsert(running("a")) {
		t.Error("identical record reported as changed")
	}
	s.ReplacePage([]execution.Record{running("a"), running("b")})
	if len(changes) != n {
		t.Errorf("unchanged refresh emitted %v", changes[n:])
	}
}

func TestRemove_Pinned(t *testing.T) {
	live := map[string]bool{"a": true}
	s := New(func(id string) bool { return live[id] })
	s.Upsert(running("a"))

	err := s.Remove("a")
	if !errors.Is(err, ErrPinned) {
		t.Fatalf("Remove() err = %v, want ErrPinned", err)
	}
	if !s.Has("a") {
		t.Error("pinned record was removed")
	}

	delete(live, "a")
	if err := s.Remove("a"); err != nil {
		t.Fatalf("Remove() err = %v", err)
	}
	if s.Has("a") {
		t.Error("record still present")
	}
}

func TestReplacePage(t *testing.T) {
	live := map[string]bool{"pinned": true}
	s := New(func(id string) bool { return live[id] })
	s.Upsert(running("pinned"))
	s.Upsert(running("stale"))
	s.Upsert(running("opened"))
	if err := s.AttachDetail("opened", execution.Detail{Record: running("opened")}); err != nil {
		t.Fatal(err)
	}

	s.ReplacePage([]execution.Record{running("b"), running("a")})

	page := s.Page()
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "a" {
		t.Errorf("Page() = %v, want [b a]", page)
	}
	if s.Has("stale") {
		t.Error("stale record not evicted")
	}
	if !s.Has("pinned") {
		t.Error("pinned record evicted")
	}
	if !s.Has("opened") {
		t.Error("record with open detail evicted")
	}
}

func TestAttachDetailAndInvalidate(t *testing.T) {
	s := New(nil)
	s.Upsert(running("a"))

	if _, ok := s.Detail("a"); ok {
		t.Fatal("detail present before fetch")
	}

	d := execution.Detail{
		Record: running("a"),
		Steps:  []execution.Step{{Number: 1, Action: "send_email"}},
	}
	if err := s.AttachDetail("a", d); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Detail("a")
	if !ok || len(got.Steps) != 1 {
		t.Fatalf("Detail() = %+v, %v", got, ok)
	}

	// A later upsert updates the record part of the cached detail.
	s.Upsert(finished("a", execution.StatusCompleted, time.Minute))
	got, _ = s.Detail("a")
	if got.Status != execution.StatusCompleted {
		t.Errorf("detail status = %s, want completed", got.Status)
	}

	s.Invalidate("a")
	if _, ok := s.Detail("a"); ok {
		t.Error("detail still cached after Invalidate")
	}
	if !s.Has("a") {
		t.Error("Invalidate removed the record")
	}
}

func TestAttachDetail_MismatchedID(t *testing.T) {
	s := New(nil)
	err := s.AttachDetail("a", execution.Detail{Record: running("b")})
	if !errors.Is(err, execution.ErrInvalidRecord) {
		t.Errorf("err = %v, want ErrInvalidRecord", err)
	}
}

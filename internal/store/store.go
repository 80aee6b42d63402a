// Package store caches execution records and details for one viewing session.
//
// A Store is not safe for concurrent use. The owning session mutates it from a
// single goroutine.
package store

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// ErrPinned is returned when removing a record that has live progress.
var ErrPinned = errors.New("record is pinned by live progress")

// ChangeKind says what a mutation did.
type ChangeKind string

const (
	ChangeUpserted    ChangeKind = "upserted"
	ChangeDetail      ChangeKind = "detail"
	ChangeInvalidated ChangeKind = "invalidated"
	ChangeRemoved     ChangeKind = "removed"
	ChangePage        ChangeKind = "page"
)

// Change is emitted once per mutation.
type Change struct {
	Kind ChangeKind
	ID   string
}

// Store is a normalized cache of records and lazily loaded details keyed by
// execution id.
type Store struct {
	records map[string]execution.Record
	details map[string]execution.Detail
	page    []string

	pinned    func(id string) bool
	listeners []func(Change)
}

// New returns an empty store. pinned reports ids that must not be removed;
// it may be nil.
func New(pinned func(id string) bool) *Store {
	if pinned == nil {
		pinned = func(string) bool { return false }
	}
	return &Store{
		records: make(map[string]execution.Record),
		details: make(map[string]execution.Detail),
		pinned:  pinned,
	}
}

// Subscribe registers fn to receive every change.
func (s *Store) Subscribe(fn func(Change)) {
	s.listeners = append(s.listeners, fn)
}

func (s *Store) emit(kind ChangeKind, id string) {
	c := Change{Kind: kind, ID: id}
	for _, fn := range s.listeners {
		fn(c)
	}
}

// Upsert merges rec by id and reports whether the stored value changed.
func (s *Store) Upsert(rec execution.Record) bool {
	cur, ok := s.records[rec.ID]
	if ok && (!newer(rec, cur) || reflect.DeepEqual(rec, cur)) {
		return false
	}
	s.records[rec.ID] = rec
	if d, ok := s.details[rec.ID]; ok {
		d.Record = rec
		s.details[rec.ID] = d
	}
	s.emit(ChangeUpserted, rec.ID)
	return true
}

// newer decides whether incoming should replace current. Completion times are
// last-write-wins; a terminal record is never replaced by an open one.
func newer(incoming, current execution.Record) bool {
	switch {
	case incoming.CompletedAt != nil && current.CompletedAt != nil:
		return !incoming.CompletedAt.Before(*current.CompletedAt)
	case current.Status.IsTerminal() && !incoming.Status.IsTerminal():
		return false
	}
	return true
}

// Get returns the record for id.
func (s *Store) Get(id string) (execution.Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

// Has reports whether id is known.
func (s *Store) Has(id string) bool {
	_, ok := s.records[id]
	return ok
}

// List returns the known records for ids, in the order given.
func (s *Store) List(ids []string) []execution.Record {
	out := make([]execution.Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Page returns the records of the current page in server order.
func (s *Store) Page() []execution.Record {
	return s.List(s.page)
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	return len(s.records)
}

// ReplacePage upserts a freshly fetched page and evicts records that are no
// longer on it, except pinned ones and ones with a cached detail.
func (s *Store) ReplacePage(recs []execution.Record) {
	keep := make(map[string]struct{}, len(recs))
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		s.Upsert(r)
		keep[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}
	for id := range s.records {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, ok := s.details[id]; ok {
			continue
		}
		_ = s.Remove(id)
	}
	if !slices.Equal(s.page, ids) {
		s.page = ids
		s.emit(ChangePage, "")
	}
}

// AttachDetail fills in the steps for a record. The record part of the detail
// goes through the normal merge rules.
func (s *Store) AttachDetail(id string, d execution.Detail) error {
	if d.ID != id {
		return fmt.Errorf("%w: detail for %s attached to %s", execution.ErrInvalidRecord, d.ID, id)
	}
	s.Upsert(d.Record)
	d.Record = s.records[id]
	s.details[id] = d
	s.emit(ChangeDetail, id)
	return nil
}

// Detail returns the cached detail for id.
func (s *Store) Detail(id string) (execution.Detail, bool) {
	d, ok := s.details[id]
	return d, ok
}

// Invalidate drops the cached detail so the next request re-fetches it.
func (s *Store) Invalidate(id string) {
	if _, ok := s.details[id]; !ok {
		return
	}
	delete(s.details, id)
	s.emit(ChangeInvalidated, id)
}

// Remove evicts a record and its detail.
func (s *Store) Remove(id string) error {
	if s.pinned(id) {
		return fmt.Errorf("removing %s: %w", id, ErrPinned)
	}
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	delete(s.details, id)
	s.emit(ChangeRemoved, id)
	return nil
}

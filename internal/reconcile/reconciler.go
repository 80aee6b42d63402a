// Package reconcile merges push events about running executions into a
// live-progress overlay and turns them into refresh signals for the
// authoritative records.
package reconcile

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// DefaultOrphanGrace is how long progress for an unknown execution is kept
// while waiting for a list refresh to reveal it.
const DefaultOrphanGrace = 10 * time.Second

// Entry is the live progress of one running execution. It is cosmetic: the
// execution's record status always wins.
type Entry struct {
	ExecutionID string   `json:"executionId"`
	Step        int      `json:"step"`
	Total       int      `json:"total"`
	Action      string   `json:"action,omitempty"`
	Progress    *float64 `json:"progress,omitempty"`
}

// Host is what the reconciler needs from the session that owns it.
type Host interface {
	// Known reports whether the record store has the execution.
	Known(id string) bool
	// Status returns the authoritative status of a known execution.
	Status(id string) (execution.Status, bool)
	// DetailOpen reports whether the execution's detail panel is open.
	DetailOpen(id string) bool
	RefreshList()
	RefreshDetail(id string)
}

// Observer receives counts of handled events. It may be nil.
type Observer interface {
	EventHandled(kind execution.EventKind, outcome string)
}

type orphan struct {
	entry Entry
	at    time.Time
}

// Reconciler is not safe for concurrent use. The owning session calls it from
// its event loop.
type Reconciler struct {
	workspaceID string
	agentID     string
	host        Host
	observer    Observer
	grace       time.Duration
	now         func() time.Time

	live    map[string]Entry
	orphans map[string]orphan
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithGrace sets how long orphan progress is buffered.
func WithGrace(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithClock overrides the time source used to expire orphans.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observer = o }
}

// New returns a reconciler scoped to one workspace and agent.
func New(workspaceID, agentID string, host Host, opts ...Option) *Reconciler {
	r := &Reconciler{
		workspaceID: workspaceID,
		agentID:     agentID,
		host:        host,
		grace:       DefaultOrphanGrace,
		now:         time.Now,
		live:        make(map[string]Entry),
		orphans:     make(map[string]orphan),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle applies one push event.
func (r *Reconciler) Handle(ev execution.Event) {
	if ev.WorkspaceID != r.workspaceID || ev.AgentID != r.agentID {
		r.observe(ev.Kind, "out_of_scope")
		return
	}
	if err := ev.Validate(); err != nil {
		log.Warn().Err(err).Str("exec_id", ev.ExecutionID).Msg("dropping malformed event")
		r.observe(ev.Kind, "invalid")
		return
	}

	switch ev.Kind {
	case execution.EventStarted:
		// The payload does not carry the record, so pull it.
		r.track(Entry{ExecutionID: ev.ExecutionID, Total: ev.Total, Action: ev.Action})
		r.host.RefreshList()
		r.observe(ev.Kind, "refresh")

	case execution.EventProgress:
		r.track(Entry{
			ExecutionID: ev.ExecutionID,
			Step:        ev.Step,
			Total:       ev.Total,
			Action:      ev.Action,
			Progress:    ev.Progress,
		})
		if r.host.DetailOpen(ev.ExecutionID) {
			r.host.RefreshDetail(ev.ExecutionID)
		}
		r.observe(ev.Kind, "applied")

	case execution.EventCompleted, execution.EventFailed:
		delete(r.live, ev.ExecutionID)
		delete(r.orphans, ev.ExecutionID)
		r.host.RefreshList()
		if r.host.DetailOpen(ev.ExecutionID) {
			r.host.RefreshDetail(ev.ExecutionID)
		}
		r.observe(ev.Kind, "refresh")
	}
}

// track overwrites the live entry, or buffers it when the execution is not
// in the store yet.
func (r *Reconciler) track(e Entry) {
	if r.host.Known(e.ExecutionID) {
		if status, ok := r.host.Status(e.ExecutionID); ok && status.IsTerminal() {
			return
		}
		r.live[e.ExecutionID] = e
		return
	}
	now := r.now()
	r.expireOrphans(now)
	r.orphans[e.ExecutionID] = orphan{entry: e, at: now}
}

// expireOrphans drops buffered progress older than the grace period.
func (r *Reconciler) expireOrphans(now time.Time) {
	for id, o := range r.orphans {
		if now.Sub(o.at) > r.grace {
			delete(r.orphans, id)
			log.Debug().Str("exec_id", id).Msg("discarding orphan progress")
			r.observe(execution.EventProgress, "orphan_expired")
		}
	}
}

// Reconcile runs after every list refresh. Buffered progress for executions
// that are now known is adopted, expired orphans are dropped, and entries
// whose record is already terminal are removed.
func (r *Reconciler) Reconcile() {
	r.expireOrphans(r.now())
	for id, o := range r.orphans {
		if !r.host.Known(id) {
			continue
		}
		delete(r.orphans, id)
		if status, ok := r.host.Status(id); ok && status.IsTerminal() {
			continue
		}
		r.live[id] = o.entry
	}
	for id := range r.live {
		if status, ok := r.host.Status(id); ok && status.IsTerminal() {
			delete(r.live, id)
		}
	}
}

// Has reports whether id has live progress. Records with live progress are
// pinned in the store.
func (r *Reconciler) Has(id string) bool {
	_, ok := r.live[id]
	return ok
}

// Get returns the live entry for id.
func (r *Reconciler) Get(id string) (Entry, bool) {
	e, ok := r.live[id]
	return e, ok
}

// Entries returns a copy of the overlay.
func (r *Reconciler) Entries() map[string]Entry {
	out := make(map[string]Entry, len(r.live))
	for id, e := range r.live {
		out[id] = e
	}
	return out
}

// Pending returns the number of buffered orphan entries.
func (r *Reconciler) Pending() int {
	return len(r.orphans)
}

func (r *Reconciler) observe(kind execution.EventKind, outcome string) {
	if r.observer != nil {
		r.observer.EventHandled(kind, outcome)
	}
}

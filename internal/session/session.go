// Package session keeps a consistent view of one agent's executions. A
// Session merges paginated list queries with pushed execution events and
// serializes every state change on its own event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/reconcile"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/store"
)

// Sentinel errors for typed error checking.
var (
	ErrClosed        = errors.New("session closed")
	ErrTestInFlight  = errors.New("test run already in flight")
	ErrExportRunning = errors.New("export already in flight")
)

const (
	subscribeBackoff    = time.Second
	maxSubscribeBackoff = 30 * time.Second

	// maxPendingChanges bounds the change feed when nobody drains it.
	maxPendingChanges = 1024
)

// Collaborator is the execution API a session reads from.
type Collaborator interface {
	ListExecutions(ctx context.Context, workspaceID, agentID string, req query.ListRequest) (execution.ListResult, error)
	GetExecution(ctx context.Context, workspaceID, agentID, id string) (execution.Detail, error)
	RetryExecution(ctx context.Context, workspaceID, agentID, id string) (execution.RetryResult, error)
	ExportExecutions(ctx context.Context, workspaceID, agentID string, req query.ExportRequest) ([]byte, error)
	TestAgent(ctx context.Context, workspaceID, agentID string, req dryrun.TestRequest) (*dryrun.Result, error)
	// Subscribe streams push events until ctx is done or the stream breaks,
	// then closes the channel.
	Subscribe(ctx context.Context, workspaceID, agentID string) (<-chan execution.Event, error)
}

// Options configures a session.
type Options struct {
	WorkspaceID     string
	AgentID         string
	PageSize        int
	SearchDebounce  time.Duration
	OrphanGrace     time.Duration
	RefreshInterval time.Duration // 0 disables the periodic refresh
	ExportDir       string
	Clock           query.Clock
	Observer        reconcile.Observer
}

// Session is the view of one agent's executions. All methods are safe for
// concurrent use.
type Session struct {
	opts   Options
	collab Collaborator
	clock  query.Clock
	loop   *loop

	// reqCtx outlives Close: in-flight requests finish and their results are
	// dropped by the closed loop.
	reqCtx   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	inflight atomic.Int64
	updates  chan struct{}

	// Owned by the loop goroutine.
	store   *store.Store
	engine  *query.Engine
	search  *query.Debouncer
	recon   *reconcile.Reconciler
	listGen uint64
	version uint64
	changes []store.Change
	lost    bool
	loaded  bool
	detail  string
	notice  string
	retries map[string]RetryState
	export  ExportState
	test    testState
}

// Open starts a session: it subscribes to push events, loads the first page
// and, if configured, refreshes the page periodically.
func Open(ctx context.Context, c Collaborator, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = query.SystemClock{}
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = reconcile.DefaultOrphanGrace
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}

	s := &Session{
		opts:    opts,
		collab:  c,
		clock:   opts.Clock,
		loop:    newLoop(),
		reqCtx:  context.WithoutCancel(ctx),
		updates: make(chan struct{}, 1),
		engine:  query.NewEngine(opts.Clock, opts.PageSize),
		retries: make(map[string]RetryState),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.store = store.New(func(id string) bool { return s.recon.Has(id) })
	s.store.Subscribe(s.recordChange)
	s.recon = reconcile.New(opts.WorkspaceID, opts.AgentID, host{s},
		reconcile.WithGrace(opts.OrphanGrace),
		reconcile.WithClock(opts.Clock.Now),
		reconcile.WithObserver(opts.Observer),
	)
	s.search = query.NewDebouncer(opts.Clock, opts.SearchDebounce, func(v string) {
		s.post(func() {
			if s.engine.SettleSearch(v) {
				s.refreshList()
			}
		})
	})

	go s.subscribe()
	if opts.RefreshInterval > 0 {
		go s.poll(opts.RefreshInterval)
	}
	s.post(s.refreshList)
	return s
}

// Close stops the session. Requests still in flight complete but their
// results are discarded.
func (s *Session) Close() {
	s.cancel()
	s.search.Cancel()
	s.loop.close()
}

// Updates signals after every state change. Signals coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Wait blocks until cond holds for the current snapshot or ctx is done.
func (s *Session) Wait(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		snap, err := s.Snapshot()
		if err != nil {
			return snap, err
		}
		if cond(snap) {
			return snap, nil
		}
		select {
		case <-s.updates:
		case <-s.loop.done:
			return snap, ErrClosed
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// recordChange queues a store mutation for the renderer. Runs on the loop.
func (s *Session) recordChange(c store.Change) {
	s.version++
	if n := len(s.changes); n > 0 && s.changes[n-1] == c {
		return
	}
	if len(s.changes) == maxPendingChanges {
		s.changes = slices.Delete(s.changes, 0, maxPendingChanges/2)
		s.lost = true
	}
	s.changes = append(s.changes, c)
}

// Changes returns the store mutations since the previous call, oldest first,
// so a renderer can redraw only what changed. complete is false when older
// changes were dropped because nobody drained them; redraw everything then.
func (s *Session) Changes() (changes []store.Change, complete bool, err error) {
	err = s.loop.do(func() {
		changes, complete = s.changes, !s.lost
		s.changes, s.lost = nil, false
	})
	return changes, complete, err
}

// post queues fn on the loop and signals an update after it ran.
func (s *Session) post(fn func()) bool {
	return s.loop.post(func() {
		fn()
		s.changed()
	})
}

// do runs fn on the loop, waits for it, and signals an update.
func (s *Session) do(fn func()) error {
	return s.loop.do(func() {
		fn()
		s.changed()
	})
}

func (s *Session) changed() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// async runs work off the loop and posts the function it returns back.
func (s *Session) async(work func(ctx context.Context) func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Add(-1)
		apply := work(s.reqCtx)
		s.post(apply)
	}()
}

func (s *Session) refreshList() {
	s.listGen++
	gen := s.listGen
	req := s.engine.Request()
	s.async(func(ctx context.Context) func() {
		res, err := s.collab.ListExecutions(ctx, s.opts.WorkspaceID, s.opts.AgentID, req)
		return func() {
			if gen != s.listGen {
				return
			}
			if err != nil {
				log.Warn().Err(err).Str("agent_id", s.opts.AgentID).Msg("list refresh failed, keeping previous page")
				s.engine.PageFailed(err)
				return
			}
			s.store.ReplacePage(res.Executions)
			s.engine.PageLoaded(len(res.Executions), res.Count)
			s.loaded = true
			s.recon.Reconcile()
		}
	})
}

func (s *Session) fetchDetail(id string) {
	s.async(func(ctx context.Context) func() {
		d, err := s.collab.GetExecution(ctx, s.opts.WorkspaceID, s.opts.AgentID, id)
		return func() {
			if err != nil {
				log.Warn().Err(err).Str("exec_id", id).Msg("detail fetch failed")
				s.notice = fmt.Sprintf("could not load execution %s: %v", id, err)
				return
			}
			if err := s.store.AttachDetail(id, d); err != nil {
				log.Warn().Err(err).Str("exec_id", id).Msg("discarding detail")
				s.notice = err.Error()
			}
		}
	})
}

func (s *Session) subscribe() {
	backoff := subscribeBackoff
	for {
		events, err := s.collab.Subscribe(s.ctx, s.opts.WorkspaceID, s.opts.AgentID)
		if err == nil {
			backoff = subscribeBackoff
			for ev := range events {
				s.post(func() { s.recon.Handle(ev) })
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("backoff", backoff).Str("agent_id", s.opts.AgentID).
			Msg("event stream lost, relying on list refresh")

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		backoff = min(backoff*2, maxSubscribeBackoff)
	}
}

func (s *Session) poll(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.post(s.refreshList)
		case <-s.ctx.Done():
			return
		}
	}
}

// Refresh re-fetches the current page.
func (s *Session) Refresh() error {
	return s.do(s.refreshList)
}

// SetStatus changes the status filter.
func (s *Session) SetStatus(f query.StatusFilter) error {
	return s.do(func() {
		if s.engine.SetStatus(f) {
			s.refreshList()
		}
	})
}

// SetDateRange changes the date window.
func (s *Session) SetDateRange(r query.DateRange) error {
	return s.do(func() {
		if s.engine.SetDateRange(r) {
			s.refreshList()
		}
	})
}

// TypeSearch updates the search draft. The list is re-queried once typing
// pauses.
func (s *Session) TypeSearch(v string) {
	s.search.Type(v)
	s.changed()
}

// NextPage moves one page forward and reports whether it moved.
func (s *Session) NextPage() (bool, error) {
	var moved bool
	err := s.do(func() {
		if moved = s.engine.Next(); moved {
			s.refreshList()
		}
	})
	return moved, err
}

// PrevPage moves one page back and reports whether it moved.
func (s *Session) PrevPage() (bool, error) {
	var moved bool
	err := s.do(func() {
		if moved = s.engine.Prev(); moved {
			s.refreshList()
		}
	})
	return moved, err
}

// DismissNotice clears the transient error notice.
func (s *Session) DismissNotice() error {
	return s.do(func() {
		s.engine.DismissError()
		s.notice = ""
	})
}

// OpenDetail shows an execution's steps, fetching them unless cached.
func (s *Session) OpenDetail(id string) error {
	return s.do(func() {
		s.detail = id
		if _, ok := s.store.Detail(id); !ok {
			s.fetchDetail(id)
		}
	})
}

// CloseDetail hides the detail panel.
func (s *Session) CloseDetail() error {
	return s.do(func() { s.detail = "" })
}

// host adapts the session to the reconciler. Its methods run on the loop.
type host struct{ s *Session }

func (h host) Known(id string) bool { return h.s.store.Has(id) }

func (h host) Status(id string) (execution.Status, bool) {
	r, ok := h.s.store.Get(id)
	return r.Status, ok
}

func (h host) DetailOpen(id string) bool { return h.s.detail == id }

func (h host) RefreshList() { h.s.refreshList() }

func (h host) RefreshDetail(id string) {
	h.s.store.Invalidate(id)
	h.s.fetchDetail(id)
}

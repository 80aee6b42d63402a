package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/reconcile"
)

type testState struct {
	inFlight bool
	err      string
	last     *dryrun.Result
	prev     *dryrun.Result
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Version     uint64                     `json:"version"` // bumped on every store mutation
	Filter      query.FilterState          `json:"filter"`
	SearchDraft string                     `json:"searchDraft"`
	Loaded      bool                       `json:"loaded"`
	Records     []execution.Record         `json:"records"`
	Total       int                        `json:"total"`
	HasPrev     bool                       `json:"hasPrev"`
	HasNext     bool                       `json:"hasNext"`
	Live        map[string]reconcile.Entry `json:"live"`
	DetailID    string                     `json:"detailId,omitempty"`
	Detail      *execution.Detail          `json:"detail,omitempty"`
	Retries     map[string]RetryState      `json:"retries"`
	Export      ExportState                `json:"export"`
	Testing     bool                       `json:"testing"`
	TestErr     string                     `json:"testError,omitempty"`
	LastTest    *dryrun.Result             `json:"lastTest,omitempty"`
	PrevTest    *dryrun.Result             `json:"previousTest,omitempty"`
	Notice      string                     `json:"notice,omitempty"`
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.loop.do(func() { snap = s.snapshot() })
	snap.SearchDraft = s.search.Draft()
	return snap, err
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Version:  s.version,
		Filter:   s.engine.State(),
		Loaded:   s.loaded,
		Records:  s.store.Page(),
		Total:    s.engine.Total(),
		HasPrev:  s.engine.HasPrev(),
		HasNext:  s.engine.HasNext(),
		Live:     s.recon.Entries(),
		DetailID: s.detail,
		Retries:  make(map[string]RetryState, len(s.retries)),
		Export:   s.export,
		Testing:  s.test.inFlight,
		TestErr:  s.test.err,
		LastTest: s.test.last,
		PrevTest: s.test.prev,
		Notice:   s.notice,
	}
	if err := s.engine.Err(); err != nil {
		snap.Notice = "could not refresh executions: " + err.Error()
	}
	for id, st := range s.retries {
		snap.Retries[id] = st
	}
	if s.detail != "" {
		if d, ok := s.store.Detail(s.detail); ok {
			d.Steps = append([]execution.Step(nil), d.Steps...)
			snap.Detail = &d
		}
	}
	return snap
}

// Record returns a cached record by id, on or off the current page.
func (s *Session) Record(id string) (execution.Record, bool, error) {
	var (
		rec execution.Record
		ok  bool
	)
	err := s.loop.do(func() { rec, ok = s.store.Get(id) })
	return rec, ok, err
}

// Test dry-runs the agent. The previous result is kept for comparison.
func (s *Session) Test(entityCount int) error {
	var err error
	if lerr := s.do(func() {
		if s.test.inFlight {
			err = ErrTestInFlight
			return
		}
		s.test.inFlight = true
		s.test.err = ""
		req := dryrun.TestRequest{EntityCount: entityCount}
		s.async(func(ctx context.Context) func() {
			res, err := s.collab.TestAgent(ctx, s.opts.WorkspaceID, s.opts.AgentID, req)
			return func() {
				s.test.inFlight = false
				if err != nil {
					log.Warn().Err(err).Str("agent_id", s.opts.AgentID).Msg("test run failed")
					s.test.err = err.Error()
					return
				}
				s.test.prev, s.test.last = s.test.last, res
			}
		})
	}); lerr != nil {
		return lerr
	}
	return err
}

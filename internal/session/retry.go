package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

var (
	ErrNotRetryable  = errors.New("only failed executions can be retried")
	ErrRetryInFlight = errors.New("retry already in flight")
)

// RetryState is the retry status of one source execution.
type RetryState struct {
	InFlight       bool   `json:"inFlight"`
	Err            string `json:"error,omitempty"`
	NewExecutionID string `json:"newExecutionId,omitempty"`
}

// Retry starts a new run of a failed execution. It returns once the request
// is submitted; the outcome shows up in the snapshot's Retries.
func (s *Session) Retry(id string) error {
	var err error
	if lerr := s.do(func() { err = s.startRetry(id) }); lerr != nil {
		return lerr
	}
	return err
}

func (s *Session) startRetry(id string) error {
	rec, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("retry %s: %w", id, execution.ErrNotFound)
	}
	if rec.Status != execution.StatusFailed {
		return fmt.Errorf("retry %s (%s): %w", id, rec.Status, ErrNotRetryable)
	}
	if s.retries[id].InFlight {
		return fmt.Errorf("retry %s: %w", id, ErrRetryInFlight)
	}
	s.retries[id] = RetryState{InFlight: true}

	s.async(func(ctx context.Context) func() {
		res, err := s.collab.RetryExecution(ctx, s.opts.WorkspaceID, s.opts.AgentID, id)
		return func() {
			if err != nil {
				log.Warn().Err(err).Str("exec_id", id).Msg("retry failed")
				s.retries[id] = RetryState{Err: err.Error()}
				return
			}
			log.Info().Str("exec_id", id).Str("new_exec_id", res.ExecutionID).Msg("retry started")
			s.retries[id] = RetryState{NewExecutionID: res.ExecutionID}
			s.refreshList()
		}
	})
	return nil
}

// DismissRetryError clears a retry failure shown for id.
func (s *Session) DismissRetryError(id string) error {
	return s.do(func() {
		if st, ok := s.retries[id]; ok && !st.InFlight {
			delete(s.retries, id)
		}
	})
}

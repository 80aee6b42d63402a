package execution

import "fmt"

// EventKind identifies a push notification about an execution.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is a push notification scoped to a workspace and agent.
type Event struct {
	Kind        EventKind `json:"kind"`
	WorkspaceID string    `json:"workspaceId"`
	AgentID     string    `json:"agentId"`
	ExecutionID string    `json:"executionId"`
	Step        int       `json:"step,omitempty"`
	Total       int       `json:"total,omitempty"`
	Action      string    `json:"action,omitempty"`
	Progress    *float64  `json:"progress,omitempty"`
}

// Terminal reports whether the event closes out an execution.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Validate checks that the event names a known kind and an execution.
func (e Event) Validate() error {
	switch e.Kind {
	case EventStarted, EventProgress, EventCompleted, EventFailed:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ExecutionID == "" {
		return fmt.Errorf("%w: missing executionId", ErrInvalidEvent)
	}
	if e.Progress != nil && (*e.Progress < 0 || *e.Progress > 100) {
		return fmt.Errorf("%w: progress %.1f out of range", ErrInvalidEvent, *e.Progress)
	}
	return nil
}

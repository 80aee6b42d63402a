package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// Filter provides criteria for querying executions of one agent.
type Filter struct {
	WorkspaceID string
	AgentID     string
	Status      execution.Status
	Since       *time.Time
	Until       *time.Time
	Search      string
	Limit       int // 0 returns every match
	Offset      int
}

// Repository persists execution records and their steps.
type Repository interface {
	// ListExecutions returns one page of matches, newest first, and the
	// number of matches across all pages.
	ListExecutions(ctx context.Context, f Filter) ([]execution.Record, int, error)
	GetExecution(ctx context.Context, workspaceID, agentID, id string) (execution.Detail, error)
	// ApplyReport folds an engine report into the execution named by ref,
	// creating it if needed, and returns the stored record and the push
	// events the change causes.
	ApplyReport(ctx context.Context, ref execution.Record, rep execution.Report) (execution.Record, []execution.Event, error)
	Healthy(ctx context.Context) bool
	Close()
}

// Open connects to the repository for driver, "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Repository, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return New(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}

// likePattern matches s anywhere in a column, with LIKE wildcards escaped.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// truncateForDB cuts s to at most maxLen bytes without splitting a rune.
func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

const maxTextLen = 4096

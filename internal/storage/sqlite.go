package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id               TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       INTEGER NOT NULL,
	completed_at     INTEGER,
	duration_ms      INTEGER,
	triggered_by     TEXT,
	retry_of         TEXT NOT NULL DEFAULT '',
	total_steps      INTEGER NOT NULL DEFAULT 0,
	successful_steps INTEGER NOT NULL DEFAULT 0,
	credits_used     INTEGER NOT NULL DEFAULT 0,
	description      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_executions_agent_started
	ON executions (workspace_id, agent_id, started_at DESC);

CREATE TABLE IF NOT EXISTS execution_steps (
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	number       INTEGER NOT NULL,
	action       TEXT NOT NULL,
	success      INTEGER NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	credits      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, number)
);`

// SQLite is an embedded Repository. Times are stored as Unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.Info().Str("path", path).Msg("opened SQLite store")
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("closing sqlite")
	}
}

// Healthy checks that the database answers.
func (s *SQLite) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// ListExecutions queries executions with optional filters.
func (s *SQLite) ListExecutions(ctx context.Context, f Filter) ([]execution.Record, int, error) {
	where := `
		WHERE workspace_id = ? AND agent_id = ?
		  AND (? = '' OR status = ?)
		  AND (? IS NULL OR started_at >= ?)
		  AND (? IS NULL OR started_at <= ?)
		  AND (? = '' OR id = ? OR description LIKE ? ESCAPE '\')`
	since, until := msOrNil(f.Since), msOrNil(f.Until)
	status := string(f.Status)
	args := []any{
		f.WorkspaceID, f.AgentID,
		status, status,
		since, since,
		until, until,
		f.Search, f.Search, likePattern(f.Search),
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}

	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM executions`+where+`
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []execution.Record{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, rec)
	}
	return results, total, rows.Err()
}

// GetExecution retrieves a single execution with its steps.
func (s *SQLite) GetExecution(ctx context.Context, workspaceID, agentID, id string) (execution.Detail, error) {
	return getSQLiteDetail(ctx, s.db, workspaceID, agentID, id)
}

// ApplyReport reads, updates and writes the execution in one transaction.
func (s *SQLite) ApplyReport(ctx context.Context, ref execution.Record, rep execution.Report) (execution.Record, []execution.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return execution.Record{}, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	d, err := getSQLiteDetail(ctx, tx, ref.WorkspaceID, ref.AgentID, ref.ID)
	if err != nil && !execution.IsNotFound(err) {
		return execution.Record{}, nil, err
	}
	events, err := execution.Apply(&d, ref, rep)
	if err != nil {
		return execution.Record{}, nil, err
	}

	r := d.Record
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms, total_steps = excluded.total_steps,
			successful_steps = excluded.successful_steps, credits_used = excluded.credits_used,
			description = excluded.description`,
		r.ID, r.WorkspaceID, r.AgentID, string(r.Status), r.StartedAt.UnixMilli(), msOrNil(r.CompletedAt),
		r.DurationMS, r.TriggeredBy, r.RetryOf, r.Summary.TotalSteps, r.Summary.SuccessfulSteps,
		r.Summary.CreditsUsed, truncateForDB(r.Summary.Description, maxTextLen),
	); err != nil {
		return execution.Record{}, nil, fmt.Errorf("upserting execution %s: %w", r.ID, err)
	}

	if st := rep.Step; st != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_steps (execution_id, number, action, success, description, error, duration_ms, credits)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (execution_id, number) DO UPDATE SET
				action = excluded.action, success = excluded.success, description = excluded.description,
				error = excluded.error, duration_ms = excluded.duration_ms, credits = excluded.credits`,
			r.ID, st.Number, st.Action, st.Result.Success,
			truncateForDB(st.Result.Description, maxTextLen), truncateForDB(st.Result.Error, maxTextLen),
			st.DurationMS, st.Credits,
		); err != nil {
			return execution.Record{}, nil, fmt.Errorf("upserting step %d of %s: %w", st.Number, r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return execution.Record{}, nil, fmt.Errorf("committing report: %w", err)
	}
	return r, events, nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getSQLiteDetail(ctx context.Context, q sqlQuerier, workspaceID, agentID, id string) (execution.Detail, error) {
	rec, err := scanSQLiteRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM executions WHERE id = ? AND workspace_id = ? AND agent_id = ?`,
		id, workspaceID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Detail{}, fmt.Errorf("execution %s: %w", id, execution.ErrNotFound)
	}
	if err != nil {
		return execution.Detail{}, fmt.Errorf("querying execution %s: %w", id, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT number, action, success, description, error, duration_ms, credits
		FROM execution_steps WHERE execution_id = ? ORDER BY number`, id)
	if err != nil {
		return execution.Detail{}, fmt.Errorf("querying steps of %s: %w", id, err)
	}
	defer rows.Close()

	d := execution.Detail{Record: rec, Steps: []execution.Step{}}
	for rows.Next() {
		var st execution.Step
		if err := rows.Scan(&st.Number, &st.Action, &st.Result.Success, &st.Result.Description,
			&st.Result.Error, &st.DurationMS, &st.Credits); err != nil {
			return execution.Detail{}, fmt.Errorf("scanning step row: %w", err)
		}
		d.Steps = append(d.Steps, st)
	}
	return d, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (execution.Record, error) {
	var (
		r           execution.Record
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		durationMS  sql.NullInt64
		triggeredBy sql.NullString
	)
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.AgentID, &status, &startedAt, &completedAt,
		&durationMS, &triggeredBy, &r.RetryOf, &r.Summary.TotalSteps, &r.Summary.SuccessfulSteps,
		&r.Summary.CreditsUsed, &r.Summary.Description)
	if err != nil {
		return execution.Record{}, err
	}
	r.Status = execution.Status(status)
	r.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		r.CompletedAt = &t
	}
	if durationMS.Valid {
		r.DurationMS = &durationMS.Int64
	}
	if triggeredBy.Valid {
		r.TriggeredBy = &triggeredBy.String
	}
	return r, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

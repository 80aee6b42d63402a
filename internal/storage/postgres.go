package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id               TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	duration_ms      BIGINT,
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
	success      BOOLEAN NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	credits      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, number)
);`

const recordColumns = `id, workspace_id, agent_id, status, started_at, completed_at, duration_ms,
	triggered_by, retry_of, total_steps, successful_steps, credits_used, description`

// DB is a PostgreSQL-backed Repository.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and applies the schema.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, f Filter) ([]execution.Record, int, error) {
	where := `
		WHERE workspace_id = $1 AND agent_id = $2
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR started_at >= $4)
		  AND ($5::timestamptz IS NULL OR started_at <= $5)
		  AND ($6 = '' OR id = $6 OR description ILIKE $7 ESCAPE '\')`
	args := []any{f.WorkspaceID, f.AgentID, string(f.Status), f.Since, f.Until, f.Search, likePattern(f.Search)}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}

	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	query := `SELECT ` + recordColumns + ` FROM executions` + where + `
		ORDER BY started_at DESC, id DESC
		LIMIT $8 OFFSET $9`

	rows, err := db.pool.Query(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []execution.Record{}
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, rec)
	}
	return results, total, rows.Err()
}

// GetExecution retrieves a single execution with its steps.
func (db *DB) GetExecution(ctx context.Context, workspaceID, agentID, id string) (execution.Detail, error) {
	return getPgDetail(ctx, db.pool, workspaceID, agentID, id, false)
}

// ApplyReport reads, updates and writes the execution in one transaction.
func (db *DB) ApplyReport(ctx context.Context, ref execution.Record, rep execution.Report) (execution.Record, []execution.Event, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return execution.Record{}, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := getPgDetail(ctx, tx, ref.WorkspaceID, ref.AgentID, ref.ID, true)
	if err != nil && !execution.IsNotFound(err) {
		return execution.Record{}, nil, err
	}
	events, err := execution.Apply(&d, ref, rep)
	if err != nil {
		return execution.Record{}, nil, err
	}

	r := d.Record
	if _, err := tx.Exec(ctx, `
		INSERT INTO executions (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms, total_steps = EXCLUDED.total_steps,
			successful_steps = EXCLUDED.successful_steps, credits_used = EXCLUDED.credits_used,
			description = EXCLUDED.description`,
		r.ID, r.WorkspaceID, r.AgentID, string(r.Status), r.StartedAt, r.CompletedAt, r.DurationMS,
		r.TriggeredBy, r.RetryOf, r.Summary.TotalSteps, r.Summary.SuccessfulSteps, r.Summary.CreditsUsed,
		truncateForDB(r.Summary.Description, maxTextLen),
	); err != nil {
		return execution.Record{}, nil, fmt.Errorf("upserting execution %s: %w", r.ID, err)
	}

	if s := rep.Step; s != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO execution_steps (execution_id, number, action, success, description, error, duration_ms, credits)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (execution_id, number) DO UPDATE SET
				action = EXCLUDED.action, success = EXCLUDED.success, description = EXCLUDED.description,
				error = EXCLUDED.error, duration_ms = EXCLUDED.duration_ms, credits = EXCLUDED.credits`,
			r.ID, s.Number, s.Action, s.Result.Success,
			truncateForDB(s.Result.Description, maxTextLen), truncateForDB(s.Result.Error, maxTextLen),
			s.DurationMS, s.Credits,
		); err != nil {
			return execution.Record{}, nil, fmt.Errorf("upserting step %d of %s: %w", s.Number, r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return execution.Record{}, nil, fmt.Errorf("committing report: %w", err)
	}
	return r, events, nil
}

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getPgDetail(ctx context.Context, q pgQuerier, workspaceID, agentID, id string, lock bool) (execution.Detail, error) {
	query := `SELECT ` + recordColumns + ` FROM executions WHERE id = $1 AND workspace_id = $2 AND agent_id = $3`
	if lock {
		query += ` FOR UPDATE`
	}
	rec, err := scanPgRecord(q.QueryRow(ctx, query, id, workspaceID, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return execution.Detail{}, fmt.Errorf("execution %s: %w", id, execution.ErrNotFound)
	}
	if err != nil {
		return execution.Detail{}, fmt.Errorf("querying execution %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `
		SELECT number, action, success, description, error, duration_ms, credits
		FROM execution_steps WHERE execution_id = $1 ORDER BY number`, id)
	if err != nil {
		return execution.Detail{}, fmt.Errorf("querying steps of %s: %w", id, err)
	}
	defer rows.Close()

	d := execution.Detail{Record: rec, Steps: []execution.Step{}}
	for rows.Next() {
		var s execution.Step
		if err := rows.Scan(&s.Number, &s.Action, &s.Result.Success, &s.Result.Description,
			&s.Result.Error, &s.DurationMS, &s.Credits); err != nil {
			return execution.Detail{}, fmt.Errorf("scanning step row: %w", err)
		}
		d.Steps = append(d.Steps, s)
	}
	return d, rows.Err()
}

func scanPgRecord(row pgx.Row) (execution.Record, error) {
	var (
		r      execution.Record
		status string
	)
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.AgentID, &status, &r.StartedAt, &r.CompletedAt,
		&r.DurationMS, &r.TriggeredBy, &r.RetryOf, &r.Summary.TotalSteps, &r.Summary.SuccessfulSteps,
		&r.Summary.CreditsUsed, &r.Summary.Description)
	if err != nil {
		return execution.Record{}, err
	}
	r.Status = execution.Status(status)
	r.StartedAt = r.StartedAt.UTC()
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return r, nil
}

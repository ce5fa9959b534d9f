package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	table_name      TEXT NOT NULL,
	table_rows      INTEGER NOT NULL,
	question_hash   TEXT NOT NULL,
	status          TEXT NOT NULL,
	message         TEXT NOT NULL,
	reasons         TEXT[] NOT NULL DEFAULT '{}',
	result_kind     TEXT NOT NULL DEFAULT '',
	result_source   TEXT NOT NULL DEFAULT '',
	repaired        BOOLEAN NOT NULL DEFAULT FALSE,
	security_events INTEGER NOT NULL DEFAULT 0,
	duration_ms     BIGINT NOT NULL,
	request_ip      TEXT NOT NULL DEFAULT '',
	api_key_hash    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);
CREATE TABLE IF NOT EXISTS run_attempts (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	number      INTEGER NOT NULL,
	exec_id     TEXT NOT NULL DEFAULT '',
	code_hash   TEXT NOT NULL DEFAULT '',
	method      TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	reasons     TEXT[] NOT NULL DEFAULT '{}',
	message     TEXT NOT NULL DEFAULT '',
	line        INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL,
	PRIMARY KEY (run_id, number)
);
CREATE TABLE IF NOT EXISTS security_events (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	detail     TEXT NOT NULL,
	line       INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);`

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// New creates a new database connection pool and ensures the schema exists.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
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

// LogRun inserts a run with its attempts and security events in one
// transaction.
func (db *DB) LogRun(ctx context.Context, run *Run) error {
	for i := range run.Events {
		ev := &run.Events[i]
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = run.CreatedAt
		}
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO runs (id, table_name, table_rows, question_hash, status, message,
				reasons, result_kind, result_source, repaired, security_events,
				duration_ms, request_ip, api_key_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			run.ID, run.TableName, run.TableRows, run.QuestionHash, run.Status,
			truncateForDB(run.Message, 4096), nonNil(run.Reasons),
			run.ResultKind, run.ResultSource, run.Repaired, run.SecurityEvents,
			run.DurationMS, run.RequestIP, run.APIKeyHash, run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		batch := &pgx.Batch{}
		for _, a := range run.Attempts {
			batch.Queue(`
				INSERT INTO run_attempts (run_id, number, exec_id, code_hash, method, outcome,
					reasons, message, line, duration_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				run.ID, a.Number, a.ExecID, a.CodeHash, a.Method, a.Outcome,
				nonNil(a.Reasons), truncateForDB(a.Message, 4096), a.Line, a.DurationMS,
			)
		}
		for _, ev := range run.Events {
			batch.Queue(`
				INSERT INTO security_events (id, run_id, type, severity, detail, line, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				ev.ID, run.ID, ev.Type, ev.Severity, ev.Detail, ev.Line, ev.CreatedAt,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting attempts: %w", err)
		}
		return nil
	})
	return err
}

// GetRun retrieves a single run with its attempts.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, table_name, table_rows, question_hash, status, message, reasons,
			result_kind, result_source, repaired, security_events, duration_ms,
			request_ip, api_key_hash, created_at
		FROM runs WHERE id = $1`

	var run Run
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.TableName, &run.TableRows, &run.QuestionHash, &run.Status,
		&run.Message, &run.Reasons, &run.ResultKind, &run.ResultSource,
		&run.Repaired, &run.SecurityEvents, &run.DurationMS,
		&run.RequestIP, &run.APIKeyHash, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT number, exec_id, code_hash, method, outcome, reasons, message, line, duration_ms
		FROM run_attempts WHERE run_id = $1 ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("querying attempts for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		a := Attempt{RunID: id}
		if err := rows.Scan(&a.Number, &a.ExecID, &a.CodeHash, &a.Method, &a.Outcome,
			&a.Reasons, &a.Message, &a.Line, &a.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		run.Attempts = append(run.Attempts, a)
	}
	return &run, rows.Err()
}

// ListRuns queries runs with optional filters, newest first.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `
		SELECT id, table_name, table_rows, status, message, result_kind,
			repaired, security_events, duration_ms, created_at
		FROM runs
		WHERE ($1 = '' OR status = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Status, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.TableName, &run.TableRows, &run.Status, &run.Message,
			&run.ResultKind, &run.Repaired, &run.SecurityEvents,
			&run.DurationMS, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		results = append(results, run)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

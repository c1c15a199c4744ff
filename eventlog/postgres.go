package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
)

// PostgresLog is a PostgreSQL-backed event log.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog creates a PostgreSQL-backed event log from a connection
// string and creates its schema if missing.
func NewPostgresLog(ctx context.Context, connString string) (*PostgresLog, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	log := &PostgresLog{pool: pool}
	if err := log.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return log, nil
}

// NewPostgresLogWithPool wraps an existing pool. The caller owns the pool.
func NewPostgresLogWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	log := &PostgresLog{pool: pool}
	if err := log.setup(ctx); err != nil {
		return nil, err
	}
	return log, nil
}

// setup creates the necessary tables.
func (l *PostgresLog) setup(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event TEXT NOT NULL,
		data JSONB,
		emitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (run_id, seq)
	);
	`
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Append implements Log. The per-run sequence is computed and inserted in a
// single statement; the primary key makes concurrent appends retry-safe.
func (l *PostgresLog) Append(ctx context.Context, runID, event string, data interface{}) (*Entry, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	now := time.Now()
	var seq int64
	err = l.pool.QueryRow(ctx,
		`INSERT INTO run_events (run_id, seq, event, data, emitted_at)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = $1), $2, $3, $4)
		 RETURNING seq`,
		runID, event, payload, now,
	).Scan(&seq)
	if err != nil {
		return nil, apperrors.NewTransientLog("append", err)
	}

	return &Entry{RunID: runID, Seq: seq, Event: event, Data: data, EmittedAt: now}, nil
}

// ReadFrom implements Log.
func (l *PostgresLog) ReadFrom(ctx context.Context, runID string, startSeq int64) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT seq, event, data, emitted_at FROM run_events
		 WHERE run_id = $1 AND seq >= $2 ORDER BY seq`,
		runID, startSeq,
	)
	if err != nil {
		return nil, apperrors.NewTransientLog("read", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		entry := &Entry{RunID: runID}
		var payload []byte
		if err := rows.Scan(&entry.Seq, &entry.Event, &payload, &entry.EmittedAt); err != nil {
			return nil, apperrors.NewTransientLog("read", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewTransientLog("read", err)
	}
	return entries, nil
}

// LastSeq implements Log.
func (l *PostgresLog) LastSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = $1`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, apperrors.NewTransientLog("read", err)
	}
	return seq, nil
}

// Purge implements Log.
func (l *PostgresLog) Purge(ctx context.Context, runID string) error {
	if _, err := l.pool.Exec(ctx,
		`DELETE FROM run_events WHERE run_id = $1`, runID,
	); err != nil {
		return apperrors.NewTransientLog("purge", err)
	}
	return nil
}

// Close implements Log.
func (l *PostgresLog) Close() error {
	l.pool.Close()
	return nil
}

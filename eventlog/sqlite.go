package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
)

// SqliteLog is a SQLite-backed event log.
type SqliteLog struct {
	db *sql.DB
}

// NewSqliteLog opens or creates a SQLite-backed event log at the given path.
func NewSqliteLog(dbPath string) (*SqliteLog, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	log := &SqliteLog{db: db}
	if err := log.setup(); err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

// setup creates the necessary tables.
func (l *SqliteLog) setup() error {
	query := `
	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event TEXT NOT NULL,
		data BLOB,
		emitted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, seq)
	);
	`
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Append implements Log. The sequence number is assigned inside the insert
// statement so concurrent appends to the same run serialize on the primary
// key rather than racing on a read-then-write.
func (l *SqliteLog) Append(ctx context.Context, runID, event string, data interface{}) (*Entry, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	now := time.Now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewTransientLog("append", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO run_events (run_id, seq, event, data, emitted_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?), ?, ?, ?)
		 RETURNING seq`,
		runID, runID, event, payload, now,
	).Scan(&seq)
	if err != nil {
		return nil, apperrors.NewTransientLog("append", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewTransientLog("append", err)
	}

	return &Entry{RunID: runID, Seq: seq, Event: event, Data: data, EmittedAt: now}, nil
}

// ReadFrom implements Log.
func (l *SqliteLog) ReadFrom(ctx context.Context, runID string, startSeq int64) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, event, data, emitted_at FROM run_events
		 WHERE run_id = ? AND seq >= ? ORDER BY seq`,
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
func (l *SqliteLog) LastSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, apperrors.NewTransientLog("read", err)
	}
	return seq, nil
}

// Purge implements Log.
func (l *SqliteLog) Purge(ctx context.Context, runID string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id = ?`, runID,
	); err != nil {
		return apperrors.NewTransientLog("purge", err)
	}
	return nil
}

// Close implements Log.
func (l *SqliteLog) Close() error {
	return l.db.Close()
}

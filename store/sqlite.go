package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/types"
)

// SqliteStore is a SQLite-backed store. Records are kept as JSON blobs with
// the queryable fields broken out into columns.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens or creates a SQLite-backed store at the given path.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	store := &SqliteStore{db: db}
	if err := store.setup(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// setup creates the necessary tables.
func (s *SqliteStore) setup() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at);

	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		user_id TEXT,
		record BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assistants (
		assistant_id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		name TEXT,
		record BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assistants_graph ON assistants(graph_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// CreateRun implements RunStore.
func (s *SqliteStore) CreateRun(ctx context.Context, run *types.Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, thread_id, status, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ThreadID, string(run.Status), record, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun implements RunStore.
func (s *SqliteStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM runs WHERE run_id = ?`, runID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return unmarshalRun(record)
}

// UpdateRun implements RunStore. The stored status is checked against the
// transition table inside the update transaction.
func (s *SqliteStore) UpdateRun(ctx context.Context, run *types.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE run_id = ?`, run.RunID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFound("run", run.RunID)
	}
	if err != nil {
		return fmt.Errorf("failed to query run status: %w", err)
	}

	from := types.RunStatus(current)
	if from != run.Status && !types.ValidTransition(from, run.Status) {
		return apperrors.NewConflict("run %s cannot move from %s to %s", run.RunID, from, run.Status)
	}

	updated := run.Clone()
	updated.UpdatedAt = time.Now()
	record, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, record = ?, updated_at = ? WHERE run_id = ?`,
		string(updated.Status), record, updated.UpdatedAt, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return tx.Commit()
}

// DeleteRun implements RunStore.
func (s *SqliteStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("run", runID)
	}
	return nil
}

// ListRuns implements RunStore.
func (s *SqliteStore) ListRuns(ctx context.Context, threadID string, filter RunFilter) ([]*types.Run, error) {
	query := `SELECT record FROM runs WHERE thread_id = ?`
	args := []interface{}{threadID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, run_id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// LatestRun implements RunStore.
func (s *SqliteStore) LatestRun(ctx context.Context, threadID string) (*types.Run, error) {
	runs, err := s.ListRuns(ctx, threadID, RunFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, apperrors.NewNotFound("run", "latest for thread "+threadID)
	}
	return runs[0], nil
}

// ActiveRun implements RunStore.
func (s *SqliteStore) ActiveRun(ctx context.Context, threadID string) (*types.Run, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM runs WHERE thread_id = ? AND status IN ('pending', 'running', 'interrupted') LIMIT 1`,
		threadID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active run: %w", err)
	}
	return unmarshalRun(record)
}

// TerminalRunsBefore implements RunStore.
func (s *SqliteStore) TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateThread implements ThreadStore.
func (s *SqliteStore) CreateThread(ctx context.Context, thread *types.Thread) error {
	record, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, user_id, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		thread.ThreadID, thread.UserID, record, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

// GetThread implements ThreadStore.
func (s *SqliteStore) GetThread(ctx context.Context, threadID string) (*types.Thread, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM threads WHERE thread_id = ?`, threadID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("thread", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	thread := &types.Thread{}
	if err := json.Unmarshal(record, thread); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thread: %w", err)
	}
	return thread, nil
}

// UpdateThread implements ThreadStore.
func (s *SqliteStore) UpdateThread(ctx context.Context, thread *types.Thread) error {
	updated := *thread
	updated.UpdatedAt = time.Now()
	record, err := json.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET record = ?, updated_at = ? WHERE thread_id = ?`,
		record, updated.UpdatedAt, thread.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("thread", thread.ThreadID)
	}
	return nil
}

// DeleteThread implements ThreadStore.
func (s *SqliteStore) DeleteThread(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("thread", threadID)
	}
	return nil
}

// ListThreads implements ThreadStore.
func (s *SqliteStore) ListThreads(ctx context.Context, userID string, limit, offset int) ([]*types.Thread, error) {
	query := `SELECT record FROM threads`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else if offset > 0 {
		query += ` LIMIT -1`
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	threads := []*types.Thread{}
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		thread := &types.Thread{}
		if err := json.Unmarshal(record, thread); err != nil {
			return nil, fmt.Errorf("failed to unmarshal thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// CreateAssistant implements AssistantStore.
func (s *SqliteStore) CreateAssistant(ctx context.Context, assistant *types.Assistant) error {
	record, err := json.Marshal(assistant)
	if err != nil {
		return fmt.Errorf("failed to marshal assistant: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assistants (assistant_id, graph_id, name, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		assistant.AssistantID, assistant.GraphID, assistant.Name, record, assistant.CreatedAt, assistant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert assistant: %w", err)
	}
	return nil
}

// GetAssistant implements AssistantStore.
func (s *SqliteStore) GetAssistant(ctx context.Context, assistantID string) (*types.Assistant, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM assistants WHERE assistant_id = ?`, assistantID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("assistant", assistantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query assistant: %w", err)
	}
	assistant := &types.Assistant{}
	if err := json.Unmarshal(record, assistant); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assistant: %w", err)
	}
	return assistant, nil
}

// UpdateAssistant implements AssistantStore. Each update bumps the version.
func (s *SqliteStore) UpdateAssistant(ctx context.Context, assistant *types.Assistant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var record []byte
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM assistants WHERE assistant_id = ?`, assistant.AssistantID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFound("assistant", assistant.AssistantID)
	}
	if err != nil {
		return fmt.Errorf("failed to query assistant: %w", err)
	}
	current := &types.Assistant{}
	if err := json.Unmarshal(record, current); err != nil {
		return fmt.Errorf("failed to unmarshal assistant: %w", err)
	}

	updated := *assistant
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now()
	record, err = json.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("failed to marshal assistant: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE assistants SET graph_id = ?, name = ?, record = ?, updated_at = ? WHERE assistant_id = ?`,
		updated.GraphID, updated.Name, record, updated.UpdatedAt, assistant.AssistantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update assistant: %w", err)
	}
	return tx.Commit()
}

// DeleteAssistant implements AssistantStore.
func (s *SqliteStore) DeleteAssistant(ctx context.Context, assistantID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assistants WHERE assistant_id = ?`, assistantID)
	if err != nil {
		return fmt.Errorf("failed to delete assistant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("assistant", assistantID)
	}
	return nil
}

// SearchAssistants implements AssistantStore.
func (s *SqliteStore) SearchAssistants(ctx context.Context, filter AssistantFilter) ([]*types.Assistant, error) {
	query := `SELECT record FROM assistants WHERE 1=1`
	args := []interface{}{}
	if filter.GraphID != "" {
		query += ` AND graph_id = ?`
		args = append(args, filter.GraphID)
	}
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assistants: %w", err)
	}
	defer rows.Close()

	assistants := []*types.Assistant{}
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan assistant: %w", err)
		}
		assistant := &types.Assistant{}
		if err := json.Unmarshal(record, assistant); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assistant: %w", err)
		}
		assistants = append(assistants, assistant)
	}
	return assistants, rows.Err()
}

// Close implements Store.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func unmarshalRun(record []byte) (*types.Run, error) {
	run := &types.Run{}
	if err := json.Unmarshal(record, run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*types.Run, error) {
	runs := []*types.Run{}
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := unmarshalRun(record)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/types"
)

// PostgresStore is a PostgreSQL-backed store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store from a connection string
// and creates its schema if missing.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Pool exposes the underlying pool so other backends can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// setup creates the necessary tables.
func (s *PostgresStore) setup(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at);

	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		user_id TEXT,
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assistants (
		assistant_id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		name TEXT,
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assistants_graph ON assistants(graph_id);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// CreateRun implements RunStore.
func (s *PostgresStore) CreateRun(ctx context.Context, run *types.Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (run_id, thread_id, status, record, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.ThreadID, string(run.Status), record, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun implements RunStore.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM runs WHERE run_id = $1`, runID,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return unmarshalRun(record)
}

// UpdateRun implements RunStore. The row is locked while the transition is
// checked so concurrent finalization and cancellation serialize.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *types.Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM runs WHERE run_id = $1 FOR UPDATE`, run.RunID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
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

	_, err = tx.Exec(ctx,
		`UPDATE runs SET status = $1, record = $2, updated_at = $3 WHERE run_id = $4`,
		string(updated.Status), record, updated.UpdatedAt, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteRun implements RunStore.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("run", runID)
	}
	return nil
}

// ListRuns implements RunStore.
func (s *PostgresStore) ListRuns(ctx context.Context, threadID string, filter RunFilter) ([]*types.Run, error) {
	query := `SELECT record FROM runs WHERE thread_id = $1`
	args := []interface{}{threadID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, run_id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

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

// LatestRun implements RunStore.
func (s *PostgresStore) LatestRun(ctx context.Context, threadID string) (*types.Run, error) {
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
func (s *PostgresStore) ActiveRun(ctx context.Context, threadID string) (*types.Run, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM runs WHERE thread_id = $1 AND status IN ('pending', 'running', 'interrupted') LIMIT 1`,
		threadID,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active run: %w", err)
	}
	return unmarshalRun(record)
}

// TerminalRunsBefore implements RunStore.
func (s *PostgresStore) TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id FROM runs WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`,
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
func (s *PostgresStore) CreateThread(ctx context.Context, thread *types.Thread) error {
	record, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO threads (thread_id, user_id, record, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		thread.ThreadID, thread.UserID, record, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

// GetThread implements ThreadStore.
func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (*types.Thread, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM threads WHERE thread_id = $1`, threadID,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) UpdateThread(ctx context.Context, thread *types.Thread) error {
	updated := *thread
	updated.UpdatedAt = time.Now()
	record, err := json.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET record = $1, updated_at = $2 WHERE thread_id = $3`,
		record, updated.UpdatedAt, thread.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("thread", thread.ThreadID)
	}
	return nil
}

// DeleteThread implements ThreadStore.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("thread", threadID)
	}
	return nil
}

// ListThreads implements ThreadStore.
func (s *PostgresStore) ListThreads(ctx context.Context, userID string, limit, offset int) ([]*types.Thread, error) {
	query := `SELECT record FROM threads`
	args := []interface{}{}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(` WHERE user_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) CreateAssistant(ctx context.Context, assistant *types.Assistant) error {
	record, err := json.Marshal(assistant)
	if err != nil {
		return fmt.Errorf("failed to marshal assistant: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO assistants (assistant_id, graph_id, name, record, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		assistant.AssistantID, assistant.GraphID, assistant.Name, record, assistant.CreatedAt, assistant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert assistant: %w", err)
	}
	return nil
}

// GetAssistant implements AssistantStore.
func (s *PostgresStore) GetAssistant(ctx context.Context, assistantID string) (*types.Assistant, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM assistants WHERE assistant_id = $1`, assistantID,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) UpdateAssistant(ctx context.Context, assistant *types.Assistant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var record []byte
	err = tx.QueryRow(ctx,
		`SELECT record FROM assistants WHERE assistant_id = $1 FOR UPDATE`, assistant.AssistantID,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
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

	_, err = tx.Exec(ctx,
		`UPDATE assistants SET graph_id = $1, name = $2, record = $3, updated_at = $4 WHERE assistant_id = $5`,
		updated.GraphID, updated.Name, record, updated.UpdatedAt, assistant.AssistantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update assistant: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteAssistant implements AssistantStore.
func (s *PostgresStore) DeleteAssistant(ctx context.Context, assistantID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assistants WHERE assistant_id = $1`, assistantID)
	if err != nil {
		return fmt.Errorf("failed to delete assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("assistant", assistantID)
	}
	return nil
}

// SearchAssistants implements AssistantStore.
func (s *PostgresStore) SearchAssistants(ctx context.Context, filter AssistantFilter) ([]*types.Assistant, error) {
	query := `SELECT record FROM assistants WHERE TRUE`
	args := []interface{}{}
	if filter.GraphID != "" {
		args = append(args, filter.GraphID)
		query += fmt.Sprintf(` AND graph_id = $%d`, len(args))
	}
	if filter.Name != "" {
		args = append(args, filter.Name)
		query += fmt.Sprintf(` AND name = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

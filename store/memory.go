package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/types"
)

// MemoryStore is an in-memory store, suitable for tests and single-process
// deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]*types.Run
	threads    map[string]*types.Thread
	assistants map[string]*types.Assistant
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*types.Run),
		threads:    make(map[string]*types.Thread),
		assistants: make(map[string]*types.Assistant),
	}
}

// CreateRun implements RunStore.
func (s *MemoryStore) CreateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return apperrors.NewConflict("run %s already exists", run.RunID)
	}
	s.runs[run.RunID] = run.Clone()
	return nil
}

// GetRun implements RunStore.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, apperrors.NewNotFound("run", runID)
	}
	return run.Clone(), nil
}

// UpdateRun implements RunStore.
func (s *MemoryStore) UpdateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.RunID]
	if !ok {
		return apperrors.NewNotFound("run", run.RunID)
	}
	if current.Status != run.Status && !types.ValidTransition(current.Status, run.Status) {
		return apperrors.NewConflict("run %s cannot move from %s to %s", run.RunID, current.Status, run.Status)
	}
	clone := run.Clone()
	clone.UpdatedAt = time.Now()
	s.runs[run.RunID] = clone
	return nil
}

// DeleteRun implements RunStore.
func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return apperrors.NewNotFound("run", runID)
	}
	delete(s.runs, runID)
	return nil
}

// ListRuns implements RunStore.
func (s *MemoryStore) ListRuns(ctx context.Context, threadID string, filter RunFilter) ([]*types.Run, error) {
	s.mu.RLock()
	var matched []*types.Run
	for _, run := range s.runs {
		if run.ThreadID != threadID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, run.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].RunID > matched[j].RunID
	})
	return page(matched, filter.Limit, filter.Offset), nil
}

// LatestRun implements RunStore.
func (s *MemoryStore) LatestRun(ctx context.Context, threadID string) (*types.Run, error) {
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
func (s *MemoryStore) ActiveRun(ctx context.Context, threadID string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.ThreadID == threadID && run.Status.Active() {
			return run.Clone(), nil
		}
	}
	return nil, nil
}

// TerminalRunsBefore implements RunStore.
func (s *MemoryStore) TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, run := range s.runs {
		if run.Status.Terminal() && run.UpdatedAt.Before(cutoff) {
			ids = append(ids, run.RunID)
		}
	}
	return ids, nil
}

// CreateThread implements ThreadStore.
func (s *MemoryStore) CreateThread(ctx context.Context, thread *types.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[thread.ThreadID]; exists {
		return apperrors.NewConflict("thread %s already exists", thread.ThreadID)
	}
	clone := *thread
	s.threads[thread.ThreadID] = &clone
	return nil
}

// GetThread implements ThreadStore.
func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (*types.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return nil, apperrors.NewNotFound("thread", threadID)
	}
	clone := *thread
	return &clone, nil
}

// UpdateThread implements ThreadStore.
func (s *MemoryStore) UpdateThread(ctx context.Context, thread *types.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ThreadID]; !ok {
		return apperrors.NewNotFound("thread", thread.ThreadID)
	}
	clone := *thread
	clone.UpdatedAt = time.Now()
	s.threads[thread.ThreadID] = &clone
	return nil
}

// DeleteThread implements ThreadStore.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return apperrors.NewNotFound("thread", threadID)
	}
	delete(s.threads, threadID)
	return nil
}

// ListThreads implements ThreadStore.
func (s *MemoryStore) ListThreads(ctx context.Context, userID string, limit, offset int) ([]*types.Thread, error) {
	s.mu.RLock()
	var matched []*types.Thread
	for _, thread := range s.threads {
		if userID != "" && thread.UserID != userID {
			continue
		}
		clone := *thread
		matched = append(matched, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, limit, offset), nil
}

// CreateAssistant implements AssistantStore.
func (s *MemoryStore) CreateAssistant(ctx context.Context, assistant *types.Assistant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assistants[assistant.AssistantID]; exists {
		return apperrors.NewConflict("assistant %s already exists", assistant.AssistantID)
	}
	clone := *assistant
	s.assistants[assistant.AssistantID] = &clone
	return nil
}

// GetAssistant implements AssistantStore.
func (s *MemoryStore) GetAssistant(ctx context.Context, assistantID string) (*types.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assistant, ok := s.assistants[assistantID]
	if !ok {
		return nil, apperrors.NewNotFound("assistant", assistantID)
	}
	clone := *assistant
	return &clone, nil
}

// UpdateAssistant implements AssistantStore. Each update bumps the version.
func (s *MemoryStore) UpdateAssistant(ctx context.Context, assistant *types.Assistant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.assistants[assistant.AssistantID]
	if !ok {
		return apperrors.NewNotFound("assistant", assistant.AssistantID)
	}
	clone := *assistant
	clone.Version = current.Version + 1
	clone.UpdatedAt = time.Now()
	s.assistants[assistant.AssistantID] = &clone
	return nil
}

// DeleteAssistant implements AssistantStore.
func (s *MemoryStore) DeleteAssistant(ctx context.Context, assistantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assistants[assistantID]; !ok {
		return apperrors.NewNotFound("assistant", assistantID)
	}
	delete(s.assistants, assistantID)
	return nil
}

// SearchAssistants implements AssistantStore.
func (s *MemoryStore) SearchAssistants(ctx context.Context, filter AssistantFilter) ([]*types.Assistant, error) {
	s.mu.RLock()
	var matched []*types.Assistant
	for _, assistant := range s.assistants {
		if filter.GraphID != "" && assistant.GraphID != filter.GraphID {
			continue
		}
		if filter.Name != "" && assistant.Name != filter.Name {
			continue
		}
		clone := *assistant
		matched = append(matched, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, filter.Limit, filter.Offset), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

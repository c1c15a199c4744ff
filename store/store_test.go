package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/types"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSqliteStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newRun(threadID string, status types.RunStatus, createdAt time.Time) *types.Run {
	return &types.Run{
		RunID:       uuid.New().String(),
		ThreadID:    threadID,
		AssistantID: "asst-1",
		Status:      status,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestRunCRUD(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun("thread-1", types.RunStatusPending, time.Now())
			run.Input = map[string]interface{}{"question": "hello"}

			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("create failed: %v", err)
			}

			got, err := s.GetRun(ctx, run.RunID)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.Status != types.RunStatusPending {
				t.Errorf("expected pending, got %s", got.Status)
			}
			input, ok := got.Input.(map[string]interface{})
			if !ok || input["question"] != "hello" {
				t.Errorf("input did not round-trip: %v", got.Input)
			}

			if _, err := s.GetRun(ctx, "missing"); !apperrors.IsNotFound(err) {
				t.Errorf("expected NotFoundError, got %v", err)
			}

			if err := s.DeleteRun(ctx, run.RunID); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := s.GetRun(ctx, run.RunID); !apperrors.IsNotFound(err) {
				t.Errorf("expected NotFoundError after delete, got %v", err)
			}
		})
	}
}

func TestUpdateRunEnforcesTransitions(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun("thread-1", types.RunStatusPending, time.Now())
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("create failed: %v", err)
			}

			run.Status = types.RunStatusRunning
			if err := s.UpdateRun(ctx, run); err != nil {
				t.Fatalf("pending->running should be legal: %v", err)
			}

			run.Status = types.RunStatusCompleted
			if err := s.UpdateRun(ctx, run); err != nil {
				t.Fatalf("running->completed should be legal: %v", err)
			}

			run.Status = types.RunStatusRunning
			err := s.UpdateRun(ctx, run)
			if !apperrors.IsConflict(err) {
				t.Errorf("expected ConflictError leaving terminal status, got %v", err)
			}

			got, _ := s.GetRun(ctx, run.RunID)
			if got.Status != types.RunStatusCompleted {
				t.Errorf("rejected update must not change the record, got %s", got.Status)
			}
		})
	}
}

func TestUpdateRunSameStatus(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun("thread-1", types.RunStatusPending, time.Now())
			s.CreateRun(ctx, run)

			// Non-status fields may be updated without a transition.
			run.Metadata = map[string]interface{}{"note": "annotated"}
			if err := s.UpdateRun(ctx, run); err != nil {
				t.Fatalf("same-status update failed: %v", err)
			}
			got, _ := s.GetRun(ctx, run.RunID)
			if got.Metadata["note"] != "annotated" {
				t.Errorf("metadata not persisted: %v", got.Metadata)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			var runs []*types.Run
			for i := 0; i < 5; i++ {
				status := types.RunStatusCompleted
				if i == 4 {
					status = types.RunStatusPending
				}
				run := newRun("thread-1", status, base.Add(time.Duration(i)*time.Minute))
				runs = append(runs, run)
				if err := s.CreateRun(ctx, run); err != nil {
					t.Fatalf("create failed: %v", err)
				}
			}
			s.CreateRun(ctx, newRun("other-thread", types.RunStatusCompleted, base))

			all, err := s.ListRuns(ctx, "thread-1", RunFilter{})
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("expected 5 runs, got %d", len(all))
			}
			if all[0].RunID != runs[4].RunID {
				t.Error("expected newest-first ordering")
			}

			completed, _ := s.ListRuns(ctx, "thread-1", RunFilter{Status: types.RunStatusCompleted})
			if len(completed) != 4 {
				t.Errorf("expected 4 completed runs, got %d", len(completed))
			}

			paged, _ := s.ListRuns(ctx, "thread-1", RunFilter{Limit: 2, Offset: 1})
			if len(paged) != 2 {
				t.Fatalf("expected page of 2, got %d", len(paged))
			}
			if paged[0].RunID != runs[3].RunID {
				t.Error("expected offset to skip the newest run")
			}

			latest, err := s.LatestRun(ctx, "thread-1")
			if err != nil {
				t.Fatalf("latest failed: %v", err)
			}
			if latest.RunID != runs[4].RunID {
				t.Error("expected latest run to be the newest")
			}

			if _, err := s.LatestRun(ctx, "empty-thread"); !apperrors.IsNotFound(err) {
				t.Errorf("expected NotFoundError for empty thread, got %v", err)
			}
		})
	}
}

func TestActiveRun(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.CreateRun(ctx, newRun("thread-1", types.RunStatusCompleted, time.Now().Add(-time.Minute)))

			active, err := s.ActiveRun(ctx, "thread-1")
			if err != nil {
				t.Fatalf("active failed: %v", err)
			}
			if active != nil {
				t.Errorf("expected no active run, got %s", active.RunID)
			}

			pending := newRun("thread-1", types.RunStatusPending, time.Now())
			s.CreateRun(ctx, pending)
			active, err = s.ActiveRun(ctx, "thread-1")
			if err != nil {
				t.Fatalf("active failed: %v", err)
			}
			if active == nil || active.RunID != pending.RunID {
				t.Error("expected the pending run to be active")
			}
		})
	}
}

func TestTerminalRunsBefore(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := newRun("thread-1", types.RunStatusCompleted, time.Now().Add(-2*time.Hour))
			s.CreateRun(ctx, old)
			fresh := newRun("thread-1", types.RunStatusCompleted, time.Now())
			s.CreateRun(ctx, fresh)
			live := newRun("thread-2", types.RunStatusRunning, time.Now().Add(-2*time.Hour))
			s.CreateRun(ctx, live)

			ids, err := s.TerminalRunsBefore(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if len(ids) != 1 || ids[0] != old.RunID {
				t.Errorf("expected only the old terminal run, got %v", ids)
			}
		})
	}
}

func TestThreadCRUD(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			thread := &types.Thread{
				ThreadID:  uuid.New().String(),
				UserID:    "user-1",
				Status:    types.ThreadStatusIdle,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := s.CreateThread(ctx, thread); err != nil {
				t.Fatalf("create failed: %v", err)
			}

			thread.Status = types.ThreadStatusBusy
			if err := s.UpdateThread(ctx, thread); err != nil {
				t.Fatalf("update failed: %v", err)
			}
			got, err := s.GetThread(ctx, thread.ThreadID)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.Status != types.ThreadStatusBusy {
				t.Errorf("expected busy, got %s", got.Status)
			}

			mine, err := s.ListThreads(ctx, "user-1", 0, 0)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(mine) != 1 {
				t.Errorf("expected 1 thread for user-1, got %d", len(mine))
			}
			others, _ := s.ListThreads(ctx, "user-2", 0, 0)
			if len(others) != 0 {
				t.Errorf("expected no threads for user-2, got %d", len(others))
			}

			if err := s.DeleteThread(ctx, thread.ThreadID); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := s.GetThread(ctx, thread.ThreadID); !apperrors.IsNotFound(err) {
				t.Errorf("expected NotFoundError after delete, got %v", err)
			}
		})
	}
}

func TestAssistantCRUDAndSearch(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assistant := &types.Assistant{
				AssistantID: uuid.New().String(),
				GraphID:     "agent",
				Name:        "researcher",
				Version:     1,
				CreatedAt:   time.Now(),
				UpdatedAt:   time.Now(),
			}
			if err := s.CreateAssistant(ctx, assistant); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			other := &types.Assistant{
				AssistantID: uuid.New().String(),
				GraphID:     "other-graph",
				Name:        "writer",
				Version:     1,
				CreatedAt:   time.Now(),
				UpdatedAt:   time.Now(),
			}
			s.CreateAssistant(ctx, other)

			assistant.Name = "renamed"
			if err := s.UpdateAssistant(ctx, assistant); err != nil {
				t.Fatalf("update failed: %v", err)
			}
			got, _ := s.GetAssistant(ctx, assistant.AssistantID)
			if got.Name != "renamed" {
				t.Errorf("expected renamed, got %s", got.Name)
			}
			if got.Version != 2 {
				t.Errorf("expected version bump to 2, got %d", got.Version)
			}

			found, err := s.SearchAssistants(ctx, AssistantFilter{GraphID: "agent"})
			if err != nil {
				t.Fatalf("search failed: %v", err)
			}
			if len(found) != 1 || found[0].AssistantID != assistant.AssistantID {
				t.Errorf("unexpected search result: %v", found)
			}

			if err := s.DeleteAssistant(ctx, assistant.AssistantID); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := s.GetAssistant(ctx, assistant.AssistantID); !apperrors.IsNotFound(err) {
				t.Errorf("expected NotFoundError after delete, got %v", err)
			}
		})
	}
}

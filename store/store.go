// Package store persists assistants, threads, and runs. Implementations
// enforce the run status transition table: an update that would move a run
// along an illegal edge is rejected with a conflict, which also serves as the
// optimistic guard between the driver and concurrent cancellation.
package store

import (
	"context"
	"time"

	"github.com/agent-protocol-go/agentserver/types"
)

// RunFilter narrows and pages a run listing.
type RunFilter struct {
	// Status keeps only runs in the given status when non-empty.
	Status types.RunStatus
	// Limit caps the page size. Zero means no cap.
	Limit int
	// Offset skips leading results.
	Offset int
}

// RunStore persists runs.
type RunStore interface {
	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, run *types.Run) error

	// GetRun returns a run by id, or a NotFoundError.
	GetRun(ctx context.Context, runID string) (*types.Run, error)

	// UpdateRun persists the given record. If the status differs from the
	// stored one the transition must be legal, otherwise a ConflictError is
	// returned and nothing changes.
	UpdateRun(ctx context.Context, run *types.Run) error

	// DeleteRun removes a run record.
	DeleteRun(ctx context.Context, runID string) error

	// ListRuns returns a thread's runs newest-first.
	ListRuns(ctx context.Context, threadID string, filter RunFilter) ([]*types.Run, error)

	// LatestRun returns the most recently created run of a thread, or a
	// NotFoundError when the thread has none.
	LatestRun(ctx context.Context, threadID string) (*types.Run, error)

	// ActiveRun returns the thread's non-terminal run if one exists, or nil.
	ActiveRun(ctx context.Context, threadID string) (*types.Run, error)

	// TerminalRunsBefore returns ids of runs that reached a terminal status
	// before the cutoff.
	TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ThreadStore persists threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *types.Thread) error
	GetThread(ctx context.Context, threadID string) (*types.Thread, error)
	UpdateThread(ctx context.Context, thread *types.Thread) error
	DeleteThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, userID string, limit, offset int) ([]*types.Thread, error)
}

// AssistantFilter narrows an assistant search.
type AssistantFilter struct {
	// GraphID keeps only assistants bound to the graph when non-empty.
	GraphID string
	// Name keeps only assistants with the exact name when non-empty.
	Name   string
	Limit  int
	Offset int
}

// AssistantStore persists assistants.
type AssistantStore interface {
	CreateAssistant(ctx context.Context, assistant *types.Assistant) error
	GetAssistant(ctx context.Context, assistantID string) (*types.Assistant, error)
	UpdateAssistant(ctx context.Context, assistant *types.Assistant) error
	DeleteAssistant(ctx context.Context, assistantID string) error
	SearchAssistants(ctx context.Context, filter AssistantFilter) ([]*types.Assistant, error)
}

// Store bundles the three record stores behind one backend.
type Store interface {
	RunStore
	ThreadStore
	AssistantStore

	// Close releases underlying resources.
	Close() error
}

// Package types provides the core record types of the Agent Protocol server.
package types

import (
	"time"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	// RunStatusPending means the run has been persisted but execution has not started.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means the execution driver is advancing the run.
	RunStatusRunning RunStatus = "running"
	// RunStatusInterrupted means the graph paused awaiting external input.
	RunStatusInterrupted RunStatus = "interrupted"
	// RunStatusCompleted means the run finished successfully. Terminal.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the engine raised an error mid-run. Terminal.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means the run was cancelled by a caller. Terminal.
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Active reports whether a run in this status still occupies its thread.
func (s RunStatus) Active() bool {
	return !s.Terminal()
}

// transitions is the set of legal status edges. Terminal states are absorbing
// and pending never moves straight to interrupted: the graph must start first.
var transitions = map[RunStatus][]RunStatus{
	RunStatusPending:     {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning:     {RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusInterrupted},
	RunStatusInterrupted: {RunStatusRunning, RunStatusCancelled},
}

// ValidTransition reports whether a run may move from one status to another.
func ValidTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StreamMode selects a category of event detail requested by a caller.
type StreamMode string

const (
	// StreamModeValues emits full state snapshots after each step.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates emits per-node state deltas.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeMessages emits message deltas, token by token.
	StreamModeMessages StreamMode = "messages"
	// StreamModeEvents emits fine-grained engine events.
	StreamModeEvents StreamMode = "events"
)

// DefaultStreamModes is used when a request names no modes.
var DefaultStreamModes = []StreamMode{StreamModeValues}

// Command is a resume directive supplied to continue an interrupted run.
type Command struct {
	// Resume is the value answering the pending interrupt.
	Resume interface{} `json:"resume,omitempty"`
	// Update is an optional state update applied alongside the resume.
	Update map[string]interface{} `json:"update,omitempty"`
	// Goto optionally names the node to continue at.
	Goto string `json:"goto,omitempty"`
}

// RunConfig carries execution options for a single run.
type RunConfig struct {
	// InterruptBefore lists nodes to pause before. "*" matches all nodes.
	InterruptBefore []string `json:"interrupt_before,omitempty"`
	// InterruptAfter lists nodes to pause after.
	InterruptAfter []string `json:"interrupt_after,omitempty"`
	// Configurable values forwarded to the engine.
	Configurable map[string]interface{} `json:"configurable,omitempty"`
	// RecursionLimit bounds the number of engine steps. Zero means the engine default.
	RecursionLimit int `json:"recursion_limit,omitempty"`
	// Tags annotate the execution.
	Tags []string `json:"tags,omitempty"`
}

// Run is one execution attempt of a graph against a thread.
type Run struct {
	RunID        string                 `json:"run_id"`
	ThreadID     string                 `json:"thread_id"`
	AssistantID  string                 `json:"assistant_id"`
	UserID       string                 `json:"user_id,omitempty"`
	Status       RunStatus              `json:"status"`
	Input        interface{}            `json:"input,omitempty"`
	Command      *Command               `json:"command,omitempty"`
	Config       *RunConfig             `json:"config,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	StreamModes  []StreamMode           `json:"stream_mode,omitempty"`
	Output       interface{}            `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Interrupt    interface{}            `json:"interrupt,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Clone returns a shallow copy of the run. Stores hand out clones so callers
// never share the mutable record.
func (r *Run) Clone() *Run {
	clone := *r
	return &clone
}

// Thread is a durable conversation container that runs operate against.
type Thread struct {
	ThreadID  string                 `json:"thread_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Thread status values.
const (
	ThreadStatusIdle        = "idle"
	ThreadStatusBusy        = "busy"
	ThreadStatusInterrupted = "interrupted"
)

// Assistant binds a graph to a named, versioned configuration.
type Assistant struct {
	AssistantID string                 `json:"assistant_id"`
	GraphID     string                 `json:"graph_id"`
	UserID      string                 `json:"user_id,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Config      *RunConfig             `json:"config,omitempty"`
	// ConfigSchema declares the configuration keys the graph accepts. When
	// set, run context is filtered against its "properties" before it
	// reaches the engine.
	ConfigSchema map[string]interface{} `json:"config_schema,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Version      int                    `json:"version"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

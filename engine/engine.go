// Package engine defines the boundary to the external graph-execution
// engine. The server treats execution as opaque: it hands the engine an
// input or a resume command and consumes a stream of raw, mode-tagged
// events, one shape of which signals "paused pending external input".
package engine

import (
	"context"
	"time"

	"github.com/agent-protocol-go/agentserver/types"
)

// Interrupt is a graph-initiated pause requesting external input before
// continuing. The value describes what is being requested, for example which
// tool calls need approval.
type Interrupt struct {
	// ID identifies the interrupt so a resume can target it.
	ID string `json:"id"`
	// Value is the payload surfaced to the client.
	Value interface{} `json:"value"`
}

// RawEvent is one event as produced by the engine, before normalization.
// The payload shape varies by stream mode and may be wrapped in nested
// positional structures with trailing metadata; the events package is
// responsible for decoding it defensively.
type RawEvent struct {
	// Mode tags which requested stream mode produced this event.
	Mode types.StreamMode
	// Payload is the mode-specific data.
	Payload interface{}
	// Metadata is an optional sidecar; a "tags" entry may mark the event
	// as internal-only.
	Metadata map[string]interface{}
	// Interrupt is set when this event signals a pause for external input.
	Interrupt *Interrupt
	// Err is set when the engine terminated abnormally. It is always the
	// last event on the channel when present.
	Err error
}

// StateSnapshot is a point-in-time view of a thread's checkpointed state,
// including any pending interrupts.
type StateSnapshot struct {
	// Values are the current state values.
	Values map[string]interface{} `json:"values"`
	// Next lists the nodes that would execute on resume.
	Next []string `json:"next,omitempty"`
	// Interrupts pending resolution.
	Interrupts []*Interrupt `json:"interrupts,omitempty"`
	// CheckpointID identifies the underlying checkpoint.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// Request describes one invocation of the engine. Exactly one of Input and
// Command is set: a command continues the checkpoint the pending interrupt
// was raised from rather than starting a fresh execution context.
type Request struct {
	// Input starts a new logical turn.
	Input interface{}
	// Command resumes an interrupted execution.
	Command *types.Command
	// Context carries caller configuration, already filtered against the
	// assistant's declared schema.
	Context map[string]interface{}
	// Config carries execution options such as interrupt node lists.
	Config *types.RunConfig
	// StreamModes selects which event categories the engine should emit.
	StreamModes []types.StreamMode
}

// Engine is the graph-execution collaborator.
type Engine interface {
	// Stream begins or resumes execution against a thread and returns a
	// channel of raw events. The channel is closed when execution reaches a
	// stopping point: completion, interrupt, error, or context cancellation.
	// Cancellation via ctx is cooperative; the engine persists partial state
	// before closing the channel.
	Stream(ctx context.Context, threadID string, req *Request) (<-chan *RawEvent, error)

	// State returns the current checkpointed state of a thread, or a
	// snapshot with nil Values if the thread has no state yet.
	State(ctx context.Context, threadID string) (*StateSnapshot, error)

	// Abandon discards the thread's pending interrupt, if any, so the thread
	// state stops reporting it. Called when the run that raised the interrupt
	// is cancelled instead of resumed.
	Abandon(ctx context.Context, threadID string) error
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-protocol-go/agentserver/types"
)

// LocalEngine is a minimal in-process engine with per-thread checkpointed
// state. It merges map inputs into the thread state, honors interrupt_before
// by pausing with a pending interrupt, and resumes via a command applied to
// the same checkpoint. It backs the CLI demo and tests; production graphs
// implement Engine against a real executor.
type LocalEngine struct {
	mu      sync.Mutex
	threads map[string]*localThreadState
}

type localThreadState struct {
	values       map[string]interface{}
	pending      *Interrupt
	pendingInput interface{}
	checkpointID string
	updatedAt    time.Time
}

// NewLocalEngine creates an empty local engine.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{threads: make(map[string]*localThreadState)}
}

// Stream implements Engine.
func (e *LocalEngine) Stream(ctx context.Context, threadID string, req *Request) (<-chan *RawEvent, error) {
	if req == nil || (req.Input == nil && req.Command == nil) {
		return nil, fmt.Errorf("local engine: request needs an input or a command")
	}

	modes := req.StreamModes
	if len(modes) == 0 {
		modes = types.DefaultStreamModes
	}

	out := make(chan *RawEvent, 16)
	go func() {
		defer close(out)
		e.run(ctx, threadID, req, modes, out)
	}()
	return out, nil
}

func (e *LocalEngine) run(ctx context.Context, threadID string, req *Request, modes []types.StreamMode, out chan<- *RawEvent) {
	e.mu.Lock()
	st := e.threads[threadID]
	if st == nil {
		st = &localThreadState{values: make(map[string]interface{})}
		e.threads[threadID] = st
	}
	e.mu.Unlock()

	emit := func(ev *RawEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(&RawEvent{Mode: types.StreamModeEvents, Payload: map[string]interface{}{
		"event": "execution_started", "thread_id": threadID,
	}}) {
		return
	}

	var input interface{}
	if req.Command != nil {
		e.mu.Lock()
		pending := st.pending
		input = st.pendingInput
		e.mu.Unlock()
		if pending == nil {
			emit(&RawEvent{Err: fmt.Errorf("local engine: thread %s has no pending interrupt to resume", threadID)})
			return
		}
		e.mu.Lock()
		st.pending = nil
		st.pendingInput = nil
		st.values["resume"] = req.Command.Resume
		for k, v := range req.Command.Update {
			st.values[k] = v
		}
		e.mu.Unlock()
	} else {
		input = req.Input
		if wantsInterrupt(req.Config) {
			intr := &Interrupt{
				ID: uuid.New().String(),
				Value: map[string]interface{}{
					"reason": "interrupt_before",
					"input":  input,
				},
			}
			e.mu.Lock()
			st.pending = intr
			st.pendingInput = input
			st.checkpointID = uuid.New().String()
			st.updatedAt = time.Now()
			e.mu.Unlock()
			emit(&RawEvent{Mode: types.StreamModeValues, Interrupt: intr})
			return
		}
	}

	e.mu.Lock()
	if m, ok := input.(map[string]interface{}); ok {
		for k, v := range m {
			st.values[k] = v
		}
	} else if input != nil {
		st.values["input"] = input
	}
	st.checkpointID = uuid.New().String()
	st.updatedAt = time.Now()
	values := snapshotValues(st.values)
	e.mu.Unlock()

	for _, mode := range modes {
		switch mode {
		case types.StreamModeValues:
			if !emit(&RawEvent{Mode: types.StreamModeValues, Payload: values}) {
				return
			}
		case types.StreamModeUpdates:
			if !emit(&RawEvent{Mode: types.StreamModeUpdates, Payload: map[string]interface{}{"apply": values}}) {
				return
			}
		case types.StreamModeMessages:
			if !emit(&RawEvent{Mode: types.StreamModeMessages, Payload: map[string]interface{}{
				"role": "assistant", "content": fmt.Sprintf("processed %d keys", len(values)),
			}}) {
				return
			}
		}
	}
}

// Abandon implements Engine. The pending interrupt and its saved input are
// dropped; the thread's committed values are untouched.
func (e *LocalEngine) Abandon(ctx context.Context, threadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st := e.threads[threadID]; st != nil {
		st.pending = nil
		st.pendingInput = nil
	}
	return nil
}

// State implements Engine.
func (e *LocalEngine) State(ctx context.Context, threadID string) (*StateSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.threads[threadID]
	if st == nil {
		return &StateSnapshot{CreatedAt: time.Now()}, nil
	}

	snap := &StateSnapshot{
		Values:       snapshotValues(st.values),
		CheckpointID: st.checkpointID,
		CreatedAt:    st.updatedAt,
	}
	if st.pending != nil {
		snap.Interrupts = []*Interrupt{st.pending}
	}
	return snap, nil
}

func wantsInterrupt(cfg *types.RunConfig) bool {
	return cfg != nil && len(cfg.InterruptBefore) > 0
}

func snapshotValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

package engine

import (
	"context"
	"testing"

	"github.com/agent-protocol-go/agentserver/types"
)

func drain(t *testing.T, ch <-chan *RawEvent) []*RawEvent {
	t.Helper()
	var events []*RawEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestLocalEngineStreamValues(t *testing.T) {
	e := NewLocalEngine()
	ch, err := e.Stream(context.Background(), "thread-1", &Request{
		Input:       map[string]interface{}{"topic": "weather"},
		StreamModes: []types.StreamMode{types.StreamModeValues},
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	events := drain(t, ch)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Mode != types.StreamModeEvents {
		t.Errorf("expected leading events-mode record, got %s", events[0].Mode)
	}
	values, ok := events[1].Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map payload, got %T", events[1].Payload)
	}
	if values["topic"] != "weather" {
		t.Errorf("expected input merged into values, got %v", values)
	}
}

func TestLocalEngineRejectsEmptyRequest(t *testing.T) {
	e := NewLocalEngine()
	if _, err := e.Stream(context.Background(), "thread-1", &Request{}); err == nil {
		t.Error("expected error for request without input or command")
	}
}

func TestLocalEngineInterruptAndResume(t *testing.T) {
	e := NewLocalEngine()
	ctx := context.Background()

	ch, err := e.Stream(ctx, "thread-1", &Request{
		Input:  map[string]interface{}{"question": "approve?"},
		Config: &types.RunConfig{InterruptBefore: []string{"*"}},
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	events := drain(t, ch)

	last := events[len(events)-1]
	if last.Interrupt == nil {
		t.Fatal("expected trailing interrupt event")
	}
	if last.Interrupt.ID == "" {
		t.Error("expected interrupt to carry an id")
	}

	snap, err := e.State(ctx, "thread-1")
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if len(snap.Interrupts) != 1 {
		t.Fatalf("expected 1 pending interrupt, got %d", len(snap.Interrupts))
	}

	ch, err = e.Stream(ctx, "thread-1", &Request{
		Command: &types.Command{Resume: "approved"},
	})
	if err != nil {
		t.Fatalf("resume stream failed: %v", err)
	}
	events = drain(t, ch)
	for _, ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected engine error: %v", ev.Err)
		}
	}

	snap, err = e.State(ctx, "thread-1")
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if len(snap.Interrupts) != 0 {
		t.Error("expected interrupt cleared after resume")
	}
	if snap.Values["resume"] != "approved" {
		t.Errorf("expected resume value recorded in state, got %v", snap.Values["resume"])
	}
	if snap.Values["question"] != "approve?" {
		t.Errorf("expected pending input applied on resume, got %v", snap.Values)
	}
}

func TestLocalEngineAbandonClearsPendingInterrupt(t *testing.T) {
	e := NewLocalEngine()
	ctx := context.Background()

	ch, err := e.Stream(ctx, "thread-1", &Request{
		Input:  map[string]interface{}{"question": "approve?"},
		Config: &types.RunConfig{InterruptBefore: []string{"*"}},
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	drain(t, ch)

	if err := e.Abandon(ctx, "thread-1"); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}

	snap, err := e.State(ctx, "thread-1")
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if len(snap.Interrupts) != 0 {
		t.Errorf("expected no pending interrupt after abandon, got %d", len(snap.Interrupts))
	}

	// The abandoned interrupt cannot be resumed.
	ch, err = e.Stream(ctx, "thread-1", &Request{Command: &types.Command{Resume: "late"}})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	events := drain(t, ch)
	if events[len(events)-1].Err == nil {
		t.Error("expected error resuming an abandoned interrupt")
	}

	// Abandoning an unknown thread is a no-op.
	if err := e.Abandon(ctx, "no-such-thread"); err != nil {
		t.Errorf("expected nil abandoning unknown thread, got %v", err)
	}
}

func TestLocalEngineResumeWithoutInterrupt(t *testing.T) {
	e := NewLocalEngine()
	ch, err := e.Stream(context.Background(), "thread-1", &Request{
		Command: &types.Command{Resume: "nothing pending"},
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Err == nil {
		t.Error("expected error event resuming a thread with no pending interrupt")
	}
}

package runs

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/eventlog"
	"github.com/agent-protocol-go/agentserver/events"
	"github.com/agent-protocol-go/agentserver/store"
	"github.com/agent-protocol-go/agentserver/telemetry"
	"github.com/agent-protocol-go/agentserver/types"
)

// pollInterval is the fallback wakeup for backends whose appends happen in
// another process and so never hit this instance's notifier.
const pollInterval = 250 * time.Millisecond

// Gateway attaches subscribers to run event streams. A subscriber first gets
// the durable replay from its requested position, then live events as the
// driver appends them; the seam is stitched by sequence number so nothing is
// lost or repeated. Every subscription ends with exactly one end event.
type Gateway struct {
	store     store.RunStore
	log       eventlog.Log
	notifier  *Notifier
	telemetry *telemetry.Registry
	logger    *slog.Logger
}

// NewGateway creates a gateway.
func NewGateway(st store.RunStore, log eventlog.Log, notifier *Notifier, reg *telemetry.Registry, logger *slog.Logger) *Gateway {
	if reg == nil {
		reg = telemetry.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: st, log: log, notifier: notifier, telemetry: reg, logger: logger}
}

// Stream subscribes to a run's events starting at fromSeq (use 1 for a full
// replay). Events outside the run's requested stream modes are filtered out.
// The returned channel is closed after the end event, or when ctx is done.
func (g *Gateway) Stream(ctx context.Context, runID string, fromSeq int64) (<-chan *events.Envelope, error) {
	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	modes := run.StreamModes
	if len(modes) == 0 {
		modes = types.DefaultStreamModes
	}

	out := make(chan *events.Envelope, 16)
	go func() {
		defer close(out)
		g.telemetry.StreamClientConnected(ctx, 1)
		defer g.telemetry.StreamClientConnected(ctx, -1)
		g.serve(ctx, runID, fromSeq, modes, out)
	}()
	return out, nil
}

func (g *Gateway) serve(ctx context.Context, runID string, next int64, modes []types.StreamMode, out chan<- *events.Envelope) {
	if next < 1 {
		next = 1
	}

	send := func(env *events.Envelope) bool {
		select {
		case out <- env:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		entries, err := g.log.ReadFrom(ctx, runID, next)
		if err != nil {
			g.logger.Warn("event replay read failed", "run_id", runID, "error", err)
			send(&events.Envelope{Event: events.EventError, Data: map[string]interface{}{
				"message": "event log unavailable",
				"code":    string(apperrors.CodeTransientLog),
			}})
			send(&events.Envelope{Event: events.EventEnd, Data: nil})
			return
		}

		for _, entry := range entries {
			next = entry.Seq + 1
			if !events.WantMode(entry.Event, modes) {
				continue
			}
			if !send(&events.Envelope{Event: entry.Event, Data: entry.Data}) {
				return
			}
			if entry.Event == events.EventEnd {
				return
			}
		}

		run, err := g.store.GetRun(ctx, runID)
		if err != nil {
			// Deleted mid-stream; terminate cleanly.
			send(&events.Envelope{Event: events.EventEnd, Data: nil})
			return
		}

		if run.Status.Terminal() {
			if next == 1 {
				// The log was reclaimed by retention; serve the stored
				// outcome instead of an empty replay.
				g.serveStoredOutcome(ctx, run, send)
				return
			}
			// Drain whatever arrived between the read and the status check;
			// the persisted end event terminates the loop above.
			if last, err := g.log.LastSeq(ctx, runID); err == nil && last >= next {
				continue
			}
			send(&events.Envelope{Event: events.EventEnd, Data: nil})
			return
		}

		if run.Status == types.RunStatusInterrupted {
			if last, err := g.log.LastSeq(ctx, runID); err == nil && last >= next {
				continue
			}
			// Interrupted runs have no persisted end: the log must stay
			// appendable for the resume leg. Each subscriber gets its own
			// terminator.
			send(&events.Envelope{Event: events.EventEnd, Data: nil})
			return
		}

		wake := g.notifier.Wait(runID)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(pollInterval):
		}
	}
}

// serveStoredOutcome synthesizes a minimal stream for a terminal run whose
// event log has been purged.
func (g *Gateway) serveStoredOutcome(ctx context.Context, run *types.Run, send func(*events.Envelope) bool) {
	if !send(&events.Envelope{Event: events.EventMetadata, Data: map[string]interface{}{
		"run_id":       run.RunID,
		"thread_id":    run.ThreadID,
		"assistant_id": run.AssistantID,
	}}) {
		return
	}
	switch run.Status {
	case types.RunStatusFailed:
		if !send(&events.Envelope{Event: events.EventError, Data: map[string]interface{}{
			"message": run.ErrorMessage,
			"code":    string(apperrors.CodeEngineExecution),
		}}) {
			return
		}
	default:
		if run.Output != nil {
			if !send(&events.Envelope{Event: string(types.StreamModeValues), Data: run.Output}) {
				return
			}
		}
	}
	send(&events.Envelope{Event: events.EventEnd, Data: nil})
}

package runs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agent-protocol-go/agentserver/engine"
	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/eventlog"
	"github.com/agent-protocol-go/agentserver/events"
	"github.com/agent-protocol-go/agentserver/lease"
	"github.com/agent-protocol-go/agentserver/store"
	"github.com/agent-protocol-go/agentserver/telemetry"
	"github.com/agent-protocol-go/agentserver/types"
)

// appendAttempts bounds retries of a transient event log failure before the
// run is failed.
const appendAttempts = 3

// Driver advances runs through the engine. It owns the status transitions of
// an executing run: it flips the run to running under an exclusive lease,
// translates the engine's raw events into durable log entries, and finalizes
// the run when the engine reaches a stopping point.
type Driver struct {
	store     store.Store
	log       eventlog.Log
	leaser    lease.Leaser
	engine    engine.Engine
	notifier  *Notifier
	telemetry *telemetry.Registry
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewDriver creates a driver.
func NewDriver(st store.Store, log eventlog.Log, leaser lease.Leaser, eng engine.Engine, notifier *Notifier, reg *telemetry.Registry, logger *slog.Logger) *Driver {
	if reg == nil {
		reg = telemetry.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		store:     st,
		log:       log,
		leaser:    leaser,
		engine:    eng,
		notifier:  notifier,
		telemetry: reg,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Execute advances a run to its next stopping point. It is safe to call for
// a run another driver already holds: the second caller gets a ConflictError
// and the run is untouched.
func (d *Driver) Execute(ctx context.Context, runID string) error {
	release, err := d.leaser.Acquire(ctx, runID)
	if errors.Is(err, lease.ErrHeld) {
		return apperrors.NewConflict("run %s is already being executed", runID)
	}
	if err != nil {
		return err
	}
	defer release()

	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		// Cancelled between dispatch and pickup.
		return nil
	}

	resuming := run.Status == types.RunStatusInterrupted

	run.Status = types.RunStatusRunning
	if err := d.store.UpdateRun(ctx, run); err != nil {
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}
	d.notifier.Notify(runID)
	d.setThreadStatus(ctx, run.ThreadID, types.ThreadStatusBusy)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancels[runID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, runID)
		d.mu.Unlock()
	}()

	// Re-read after registering: a cancel that raced the registration has
	// already settled the run and written its end marker.
	current, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		d.setThreadStatus(ctx, run.ThreadID, types.ThreadStatusIdle)
		return nil
	}

	execCtx, span := d.telemetry.StartSpan(execCtx, "run.execute",
		attribute.String("run_id", runID),
		attribute.String("thread_id", run.ThreadID),
		attribute.Bool("resuming", resuming),
	)
	defer span.End()
	d.telemetry.RunStarted(execCtx)

	req, err := d.buildRequest(execCtx, run, resuming)
	if err != nil {
		return d.finalizeFailed(ctx, run, err)
	}

	if err := d.appendMetadataOnce(execCtx, run); err != nil {
		return d.finalizeFailed(ctx, run, err)
	}

	ch, err := d.engine.Stream(execCtx, run.ThreadID, req)
	if err != nil {
		return d.finalizeFailed(ctx, run, apperrors.NewEngineExecution(runID, err))
	}

	var lastValues interface{}
	var interrupt *engine.Interrupt
	var engineErr error
	for raw := range ch {
		// Once cancelled, nothing more may be appended: a direct cancel may
		// already have written the end marker, which must stay last.
		if execCtx.Err() != nil {
			break
		}
		if raw.Err != nil {
			engineErr = apperrors.NewEngineExecution(runID, raw.Err)
			break
		}
		if raw.Interrupt != nil {
			interrupt = raw.Interrupt
			payload := map[string]interface{}{"__interrupt__": []interface{}{raw.Interrupt}}
			if err := d.append(execCtx, runID, string(types.StreamModeValues), payload); err != nil {
				engineErr = err
				break
			}
			continue
		}
		if events.ShouldSkip(raw) {
			continue
		}
		env := events.Normalize(raw)
		if env.Event == string(types.StreamModeValues) {
			lastValues = env.Data
		}
		if err := d.append(execCtx, runID, env.Event, env.Data); err != nil {
			engineErr = err
			break
		}
	}

	// Finalization must survive cancellation of the execution context.
	doneCtx := context.WithoutCancel(ctx)

	switch {
	case execCtx.Err() != nil && engineErr == nil:
		return d.finalizeCancelled(doneCtx, run, lastValues)
	case engineErr != nil:
		return d.finalizeFailed(doneCtx, run, engineErr)
	case interrupt != nil:
		return d.finalizeInterrupted(doneCtx, run, interrupt, lastValues)
	default:
		return d.finalizeCompleted(doneCtx, run, lastValues)
	}
}

// Cancel signals the in-flight execution of a run, if this driver holds one.
func (d *Driver) Cancel(runID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[runID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// buildRequest assembles the engine request, filtering the run context
// against the assistant's declared configuration schema.
func (d *Driver) buildRequest(ctx context.Context, run *types.Run, resuming bool) (*engine.Request, error) {
	assistant, err := d.store.GetAssistant(ctx, run.AssistantID)
	if err != nil {
		return nil, err
	}

	filtered, dropped := events.FilterContext(assistant.ConfigSchema, run.Context)
	if len(dropped) > 0 {
		d.logger.Warn("dropped undeclared context keys",
			"run_id", run.RunID, "assistant_id", run.AssistantID, "keys", dropped)
	}

	req := &engine.Request{
		Context:     filtered,
		Config:      run.Config,
		StreamModes: run.StreamModes,
	}
	if resuming {
		if run.Command == nil {
			return nil, apperrors.NewEngineExecution(run.RunID, errors.New("interrupted run has no resume command"))
		}
		req.Command = run.Command
	} else {
		req.Input = run.Input
	}
	return req, nil
}

// appendMetadataOnce opens the run's log with a metadata event. A resumed run
// already has one; its log keeps growing from where the first leg stopped.
func (d *Driver) appendMetadataOnce(ctx context.Context, run *types.Run) error {
	last, err := d.log.LastSeq(ctx, run.RunID)
	if err != nil {
		return err
	}
	if last > 0 {
		return nil
	}
	return d.append(ctx, run.RunID, events.EventMetadata, map[string]interface{}{
		"run_id":       run.RunID,
		"thread_id":    run.ThreadID,
		"assistant_id": run.AssistantID,
	})
}

// append writes one event to the durable log, retrying transient failures,
// and wakes subscribers.
func (d *Driver) append(ctx context.Context, runID, event string, data interface{}) error {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		_, err := d.log.Append(ctx, runID, event, data)
		if err == nil {
			d.telemetry.EventAppended(ctx)
			d.notifier.Notify(runID)
			return nil
		}
		lastErr = err
		if !apperrors.IsTransientLog(err) {
			break
		}
		d.logger.Warn("event append failed, retrying",
			"run_id", runID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return lastErr
}

func (d *Driver) finalizeCompleted(ctx context.Context, run *types.Run, output interface{}) error {
	run.Status = types.RunStatusCompleted
	run.Output = output
	run.Interrupt = nil
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	d.appendEnd(ctx, run.RunID)
	d.setThreadStatus(ctx, run.ThreadID, types.ThreadStatusIdle)
	d.telemetry.RunFinished(ctx, string(run.Status))
	d.notifier.Notify(run.RunID)
	d.logger.Info("run completed", "run_id", run.RunID, "thread_id", run.ThreadID)
	return nil
}

func (d *Driver) finalizeInterrupted(ctx context.Context, run *types.Run, interrupt *engine.Interrupt, partial interface{}) error {
	run.Status = types.RunStatusInterrupted
	run.Interrupt = interrupt
	run.Output = partial
	run.Command = nil
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	d.setThreadStatus(ctx, run.ThreadID, types.ThreadStatusInterrupted)
	d.telemetry.RunFinished(ctx, string(run.Status))
	d.notifier.Notify(run.RunID)
	d.logger.Info("run interrupted", "run_id", run.RunID, "interrupt_id", interrupt.ID)
	return nil
}

func (d *Driver) finalizeFailed(ctx context.Context, run *types.Run, cause error) error {
	run.Status = types.RunStatusFailed
	run.ErrorMessage = cause.Error()
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	// Best effort: the error event tells subscribers why the stream ends.
	d.append(ctx, run.RunID, events.EventError, map[string]interface{}{
		"message": cause.Error(),
		"code":    string(apperrors.CodeOf(cause)),
	})
	d.appendEnd(ctx, run.RunID)
	d.setThreadStatus(ctx, run.ThreadID, types.ThreadStatusIdle)
	d.telemetry.RunFinished(ctx, string(run.Status))
	d.notifier.Notify(run.RunID)
	d.logger.Error("run failed", "run_id", run.RunID, "error", cause)
	return nil
}

func (d *Driver) finalizeCancelled(ctx context.Context, run *types.Run, partial interface{}) error {
	if current, err := d.store.GetRun(ctx, run.RunID); err == nil && current.Status.Terminal() {
		// A direct cancel settled the run and wrote its end marker.
		d.notifier.Notify(run.RunID)
		return nil
	}
	run.Status = types.RunStatusCancelled
	run.Output = partial
	if err := d.store.UpdateRun(ctx, run); err != nil {
		// A concurrent writer may have finalized first.
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}
	d.appendEnd(ctx, run.RunID)
	d.setThreadStatus(ctx, run.ThreadID, types.ThreadStatusIdle)
	d.telemetry.RunFinished(ctx, string(run.Status))
	d.notifier.Notify(run.RunID)
	d.logger.Info("run cancelled", "run_id", run.RunID)
	return nil
}

// appendEnd writes the stream terminator. It is only ever written when a run
// reaches a terminal status.
func (d *Driver) appendEnd(ctx context.Context, runID string) {
	if err := d.append(ctx, runID, events.EventEnd, nil); err != nil {
		d.logger.Error("failed to append end event", "run_id", runID, "error", err)
	}
}

func (d *Driver) setThreadStatus(ctx context.Context, threadID, status string) {
	thread, err := d.store.GetThread(ctx, threadID)
	if err != nil {
		d.logger.Warn("thread lookup failed", "thread_id", threadID, "error", err)
		return
	}
	thread.Status = status
	if err := d.store.UpdateThread(ctx, thread); err != nil {
		d.logger.Warn("thread status update failed", "thread_id", threadID, "error", err)
	}
}

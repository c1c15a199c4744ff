package runs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-protocol-go/agentserver/engine"
	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/eventlog"
	"github.com/agent-protocol-go/agentserver/events"
	"github.com/agent-protocol-go/agentserver/store"
	"github.com/agent-protocol-go/agentserver/types"
)

// Controller implements the Agent Protocol operations over the store, the
// event log, the execution driver, and the streaming gateway. Handlers talk
// to the controller only; it owns validation, identity scoping, and the
// conflict rules between runs sharing a thread.
type Controller struct {
	store    store.Store
	log      eventlog.Log
	driver   *Driver
	gateway  *Gateway
	engine   engine.Engine
	notifier *Notifier
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewController creates a controller. Background executions are dispatched
// onto an internal context that Close cancels.
func NewController(st store.Store, log eventlog.Log, driver *Driver, gateway *Gateway, eng engine.Engine, notifier *Notifier, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:    st,
		log:      log,
		driver:   driver,
		gateway:  gateway,
		engine:   eng,
		notifier: notifier,
		logger:   logger,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Close stops background executions and waits for them to finalize.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// scoped reports whether a record owned by recordUser is visible to userID.
// An empty caller identity sees everything; an unowned record is visible to
// everyone.
func scoped(recordUser, userID string) bool {
	return userID == "" || recordUser == "" || recordUser == userID
}

// CreateAssistant registers an assistant for a graph.
func (c *Controller) CreateAssistant(ctx context.Context, assistant *types.Assistant) (*types.Assistant, error) {
	if assistant.GraphID == "" {
		return nil, apperrors.NewValidation("graph_id is required")
	}
	if assistant.AssistantID == "" {
		assistant.AssistantID = uuid.New().String()
	}
	now := time.Now()
	assistant.Version = 1
	assistant.CreatedAt = now
	assistant.UpdatedAt = now
	if err := c.store.CreateAssistant(ctx, assistant); err != nil {
		return nil, err
	}
	c.logger.Info("assistant created", "assistant_id", assistant.AssistantID, "graph_id", assistant.GraphID)
	return assistant, nil
}

// GetAssistant returns an assistant visible to the caller.
func (c *Controller) GetAssistant(ctx context.Context, userID, assistantID string) (*types.Assistant, error) {
	assistant, err := c.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	if !scoped(assistant.UserID, userID) {
		return nil, apperrors.NewNotFound("assistant", assistantID)
	}
	return assistant, nil
}

// UpdateAssistant replaces an assistant's mutable fields and bumps its version.
func (c *Controller) UpdateAssistant(ctx context.Context, userID string, assistant *types.Assistant) (*types.Assistant, error) {
	if assistant.GraphID == "" {
		return nil, apperrors.NewValidation("graph_id is required")
	}
	if _, err := c.GetAssistant(ctx, userID, assistant.AssistantID); err != nil {
		return nil, err
	}
	if err := c.store.UpdateAssistant(ctx, assistant); err != nil {
		return nil, err
	}
	return c.store.GetAssistant(ctx, assistant.AssistantID)
}

// DeleteAssistant removes an assistant.
func (c *Controller) DeleteAssistant(ctx context.Context, userID, assistantID string) error {
	if _, err := c.GetAssistant(ctx, userID, assistantID); err != nil {
		return err
	}
	return c.store.DeleteAssistant(ctx, assistantID)
}

// SearchAssistants lists assistants matching a filter.
func (c *Controller) SearchAssistants(ctx context.Context, filter store.AssistantFilter) ([]*types.Assistant, error) {
	return c.store.SearchAssistants(ctx, filter)
}

// CreateThread creates a conversation thread.
func (c *Controller) CreateThread(ctx context.Context, thread *types.Thread) (*types.Thread, error) {
	if thread.ThreadID == "" {
		thread.ThreadID = uuid.New().String()
	}
	now := time.Now()
	thread.Status = types.ThreadStatusIdle
	thread.CreatedAt = now
	thread.UpdatedAt = now
	if err := c.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread returns a thread visible to the caller.
func (c *Controller) GetThread(ctx context.Context, userID, threadID string) (*types.Thread, error) {
	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !scoped(thread.UserID, userID) {
		return nil, apperrors.NewNotFound("thread", threadID)
	}
	return thread, nil
}

// ListThreads lists the caller's threads.
func (c *Controller) ListThreads(ctx context.Context, userID string, limit, offset int) ([]*types.Thread, error) {
	return c.store.ListThreads(ctx, userID, limit, offset)
}

// DeleteThread removes a thread along with its runs and their event logs. A
// thread with an active run cannot be deleted.
func (c *Controller) DeleteThread(ctx context.Context, userID, threadID string) error {
	if _, err := c.GetThread(ctx, userID, threadID); err != nil {
		return err
	}
	active, err := c.store.ActiveRun(ctx, threadID)
	if err != nil {
		return err
	}
	if active != nil {
		return apperrors.NewConflict("thread %s has an active run %s", threadID, active.RunID)
	}

	runs, err := c.store.ListRuns(ctx, threadID, store.RunFilter{})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := c.log.Purge(ctx, run.RunID); err != nil {
			return err
		}
		if err := c.store.DeleteRun(ctx, run.RunID); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		c.notifier.Forget(run.RunID)
	}
	return c.store.DeleteThread(ctx, threadID)
}

// ThreadState returns the thread's current checkpointed state from the
// engine, including pending interrupts.
func (c *Controller) ThreadState(ctx context.Context, userID, threadID string) (*engine.StateSnapshot, error) {
	if _, err := c.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return c.engine.State(ctx, threadID)
}

// CreateRunRequest describes a run creation call.
type CreateRunRequest struct {
	// ThreadID names the target thread. Empty creates a fresh thread.
	ThreadID    string
	AssistantID string
	UserID      string
	// Input starts a new turn. Exactly one of Input and Command is set.
	Input interface{}
	// Command resumes the thread's interrupted run.
	Command     *types.Command
	Config      *types.RunConfig
	Context     map[string]interface{}
	StreamModes []types.StreamMode
	Metadata    map[string]interface{}
}

// CreateRun validates and persists a run, then dispatches it to the
// execution driver in the background. An input starts a new run and is
// rejected while the thread has an active one; a command targets the
// thread's interrupted run and moves that same run forward.
func (c *Controller) CreateRun(ctx context.Context, req *CreateRunRequest) (*types.Run, error) {
	if req.Input != nil && req.Command != nil {
		return nil, apperrors.NewValidation("input and command are mutually exclusive")
	}
	if req.Input == nil && req.Command == nil {
		return nil, apperrors.NewValidation("one of input or command is required")
	}
	if req.AssistantID == "" {
		return nil, apperrors.NewValidation("assistant_id is required")
	}

	assistant, err := c.store.GetAssistant(ctx, req.AssistantID)
	if err != nil {
		return nil, err
	}
	if !scoped(assistant.UserID, req.UserID) {
		return nil, apperrors.NewNotFound("assistant", req.AssistantID)
	}

	var thread *types.Thread
	if req.ThreadID == "" {
		if req.Command != nil {
			return nil, apperrors.NewValidation("a command requires an existing thread")
		}
		thread, err = c.CreateThread(ctx, &types.Thread{UserID: req.UserID})
	} else {
		thread, err = c.GetThread(ctx, req.UserID, req.ThreadID)
	}
	if err != nil {
		return nil, err
	}

	if req.Command != nil {
		return c.resumeRun(ctx, thread, req)
	}
	return c.startRun(ctx, thread, assistant, req)
}

// startRun creates a fresh pending run for an input.
func (c *Controller) startRun(ctx context.Context, thread *types.Thread, assistant *types.Assistant, req *CreateRunRequest) (*types.Run, error) {
	active, err := c.store.ActiveRun(ctx, thread.ThreadID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.NewConflict("thread %s already has an active run %s", thread.ThreadID, active.RunID)
	}

	modes := req.StreamModes
	if len(modes) == 0 {
		modes = types.DefaultStreamModes
	}
	now := time.Now()
	run := &types.Run{
		RunID:       uuid.New().String(),
		ThreadID:    thread.ThreadID,
		AssistantID: req.AssistantID,
		UserID:      req.UserID,
		Status:      types.RunStatusPending,
		Input:       req.Input,
		Config:      mergeConfig(assistant.Config, req.Config),
		Context:     req.Context,
		StreamModes: modes,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	c.dispatch(run.RunID)
	c.logger.Info("run created", "run_id", run.RunID, "thread_id", thread.ThreadID)
	return run, nil
}

// resumeRun advances the thread's interrupted run with a command. The latest
// run must be interrupted; its event log keeps growing from where the
// interrupt left it.
func (c *Controller) resumeRun(ctx context.Context, thread *types.Thread, req *CreateRunRequest) (*types.Run, error) {
	latest, err := c.store.LatestRun(ctx, thread.ThreadID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewValidation("thread %s has no run to resume", thread.ThreadID)
		}
		return nil, err
	}
	if latest.Status != types.RunStatusInterrupted {
		return nil, apperrors.NewValidation("thread %s latest run is %s, only an interrupted run accepts a command",
			thread.ThreadID, latest.Status)
	}
	if !scoped(latest.UserID, req.UserID) {
		return nil, apperrors.NewNotFound("run", latest.RunID)
	}

	latest.Command = req.Command
	if req.Context != nil {
		latest.Context = req.Context
	}
	latest.Config = mergeConfig(latest.Config, req.Config)
	if err := c.store.UpdateRun(ctx, latest); err != nil {
		return nil, err
	}
	c.dispatch(latest.RunID)
	c.logger.Info("run resumed", "run_id", latest.RunID, "thread_id", thread.ThreadID)
	return latest, nil
}

// dispatch hands a run to the driver on the controller's background context.
func (c *Controller) dispatch(runID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.driver.Execute(c.baseCtx, runID); err != nil {
			c.logger.Error("run execution error", "run_id", runID, "error", err)
		}
	}()
}

// GetRun returns a run visible to the caller.
func (c *Controller) GetRun(ctx context.Context, userID, threadID, runID string) (*types.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.ThreadID != threadID || !scoped(run.UserID, userID) {
		return nil, apperrors.NewNotFound("run", runID)
	}
	return run, nil
}

// ListRuns lists a thread's runs newest-first.
func (c *Controller) ListRuns(ctx context.Context, userID, threadID string, filter store.RunFilter) ([]*types.Run, error) {
	if _, err := c.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return c.store.ListRuns(ctx, threadID, filter)
}

// CancelRun cancels a run. Cancellation is cooperative for an executing run
// and immediate for a pending or interrupted one. Cancelling a terminal run
// is an idempotent no-op.
func (c *Controller) CancelRun(ctx context.Context, userID, threadID, runID string) (*types.Run, error) {
	run, err := c.GetRun(ctx, userID, threadID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if run.Status == types.RunStatusRunning {
		if c.driver.Cancel(runID) {
			return c.store.GetRun(ctx, runID)
		}
		// No local execution: another instance holds it, or the driver
		// died. Fall through to a direct store transition.
	}
	wasInterrupted := run.Status == types.RunStatusInterrupted

	run.Status = types.RunStatusCancelled
	if err := c.store.UpdateRun(ctx, run); err != nil {
		if apperrors.IsConflict(err) {
			// The driver finalized first; report the settled record.
			return c.store.GetRun(ctx, runID)
		}
		return nil, err
	}
	// A driver that registered its cancel after the first attempt still gets
	// the signal; its post-registration recheck keeps it from appending past
	// the end marker written below.
	c.driver.Cancel(runID)
	c.appendEnd(ctx, runID)
	if wasInterrupted {
		if err := c.engine.Abandon(ctx, threadID); err != nil {
			c.logger.Warn("failed to discard pending interrupt", "thread_id", threadID, "error", err)
		}
	}
	c.setThreadIdle(ctx, threadID)
	c.notifier.Notify(runID)
	c.logger.Info("run cancelled", "run_id", runID)
	return c.store.GetRun(ctx, runID)
}

// DeleteRun removes a terminal run and its event log.
func (c *Controller) DeleteRun(ctx context.Context, userID, threadID, runID string) error {
	run, err := c.GetRun(ctx, userID, threadID, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return apperrors.NewConflict("run %s is %s, only terminal runs can be deleted", runID, run.Status)
	}
	if err := c.log.Purge(ctx, runID); err != nil {
		return err
	}
	if err := c.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	c.notifier.Forget(runID)
	return nil
}

// JoinResult is the settled outcome of a run delivered by Join.
type JoinResult struct {
	RunID  string          `json:"run_id"`
	Status types.RunStatus `json:"status"`
	// Output is the final state values, or the partial values for an
	// interrupted or cancelled run.
	Output interface{} `json:"output,omitempty"`
	// Interrupt is the pending interrupt payload when the run paused.
	Interrupt interface{} `json:"interrupt,omitempty"`
	// Error is the failure message of a failed run.
	Error string `json:"error,omitempty"`
}

// JoinRun blocks until the run reaches a terminal status or an interrupt,
// then returns its outcome. Joining an already settled run returns
// immediately.
func (c *Controller) JoinRun(ctx context.Context, userID, threadID, runID string) (*JoinResult, error) {
	for {
		run, err := c.GetRun(ctx, userID, threadID, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() || run.Status == types.RunStatusInterrupted {
			return &JoinResult{
				RunID:     run.RunID,
				Status:    run.Status,
				Output:    run.Output,
				Interrupt: run.Interrupt,
				Error:     run.ErrorMessage,
			}, nil
		}

		wake := c.notifier.Wait(runID)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-time.After(pollInterval):
		}
	}
}

// StreamRun subscribes to a run's event stream.
func (c *Controller) StreamRun(ctx context.Context, userID, threadID, runID string, fromSeq int64) (<-chan *events.Envelope, error) {
	if _, err := c.GetRun(ctx, userID, threadID, runID); err != nil {
		return nil, err
	}
	return c.gateway.Stream(ctx, runID, fromSeq)
}

func (c *Controller) appendEnd(ctx context.Context, runID string) {
	if _, err := c.log.Append(ctx, runID, events.EventEnd, nil); err != nil {
		c.logger.Warn("failed to append end event", "run_id", runID, "error", err)
	}
}

func (c *Controller) setThreadIdle(ctx context.Context, threadID string) {
	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return
	}
	thread.Status = types.ThreadStatusIdle
	if err := c.store.UpdateThread(ctx, thread); err != nil {
		c.logger.Warn("thread status update failed", "thread_id", threadID, "error", err)
	}
}

// mergeConfig layers a request config over an assistant's base config.
func mergeConfig(base, override *types.RunConfig) *types.RunConfig {
	if base == nil {
		return override
	}
	if override == nil {
		clone := *base
		return &clone
	}
	merged := *base
	if len(override.InterruptBefore) > 0 {
		merged.InterruptBefore = override.InterruptBefore
	}
	if len(override.InterruptAfter) > 0 {
		merged.InterruptAfter = override.InterruptAfter
	}
	if override.RecursionLimit > 0 {
		merged.RecursionLimit = override.RecursionLimit
	}
	if len(override.Tags) > 0 {
		merged.Tags = override.Tags
	}
	if len(override.Configurable) > 0 {
		if merged.Configurable == nil {
			merged.Configurable = make(map[string]interface{})
		} else {
			combined := make(map[string]interface{}, len(merged.Configurable)+len(override.Configurable))
			for k, v := range merged.Configurable {
				combined[k] = v
			}
			merged.Configurable = combined
		}
		for k, v := range override.Configurable {
			merged.Configurable[k] = v
		}
	}
	return &merged
}

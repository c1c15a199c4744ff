package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/runs"
	"github.com/agent-protocol-go/agentserver/store"
	"github.com/agent-protocol-go/agentserver/types"
)

type assistantRequest struct {
	GraphID      string                 `json:"graph_id"`
	Name         string                 `json:"name,omitempty"`
	Config       *types.RunConfig       `json:"config,omitempty"`
	ConfigSchema map[string]interface{} `json:"config_schema,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	var req assistantRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	assistant, err := s.controller.CreateAssistant(r.Context(), &types.Assistant{
		GraphID:      req.GraphID,
		UserID:       identity(r),
		Name:         req.Name,
		Config:       req.Config,
		ConfigSchema: req.ConfigSchema,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, assistant)
}

func (s *Server) handleGetAssistant(w http.ResponseWriter, r *http.Request) {
	assistant, err := s.controller.GetAssistant(r.Context(), identity(r), chi.URLParam(r, "assistant_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assistant)
}

func (s *Server) handleUpdateAssistant(w http.ResponseWriter, r *http.Request) {
	var req assistantRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	assistant, err := s.controller.UpdateAssistant(r.Context(), identity(r), &types.Assistant{
		AssistantID:  chi.URLParam(r, "assistant_id"),
		GraphID:      req.GraphID,
		UserID:       identity(r),
		Name:         req.Name,
		Config:       req.Config,
		ConfigSchema: req.ConfigSchema,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assistant)
}

func (s *Server) handleDeleteAssistant(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DeleteAssistant(r.Context(), identity(r), chi.URLParam(r, "assistant_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchAssistants(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GraphID string `json:"graph_id,omitempty"`
		Name    string `json:"name,omitempty"`
		Limit   int    `json:"limit,omitempty"`
		Offset  int    `json:"offset,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	assistants, err := s.controller.SearchAssistants(r.Context(), store.AssistantFilter{
		GraphID: req.GraphID,
		Name:    req.Name,
		Limit:   req.Limit,
		Offset:  req.Offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assistants)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	// An empty body is a valid thread create.
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	thread, err := s.controller.CreateThread(r.Context(), &types.Thread{
		UserID:   identity(r),
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.controller.GetThread(r.Context(), identity(r), chi.URLParam(r, "thread_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.controller.ListThreads(r.Context(), identity(r),
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DeleteThread(r.Context(), identity(r), chi.URLParam(r, "thread_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThreadState(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller.ThreadState(r.Context(), identity(r), chi.URLParam(r, "thread_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type runRequest struct {
	AssistantID string                 `json:"assistant_id"`
	Input       interface{}            `json:"input,omitempty"`
	Command     *types.Command         `json:"command,omitempty"`
	Config      *types.RunConfig       `json:"config,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	StreamMode  streamModes            `json:"stream_mode,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (req *runRequest) toCreate(r *http.Request) *runs.CreateRunRequest {
	return &runs.CreateRunRequest{
		ThreadID:    chi.URLParam(r, "thread_id"),
		AssistantID: req.AssistantID,
		UserID:      identity(r),
		Input:       req.Input,
		Command:     req.Command,
		Config:      req.Config,
		Context:     req.Context,
		StreamModes: req.StreamMode,
		Metadata:    req.Metadata,
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	run, err := s.controller.CreateRun(r.Context(), req.toCreate(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleCreateRunWait(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	run, err := s.controller.CreateRun(r.Context(), req.toCreate(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.controller.JoinRun(r.Context(), identity(r), run.ThreadID, run.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeWaitResult(w, result)
}

// writeWaitResult writes the bare graph output, not the run envelope. An
// interrupted run surfaces its partial values, or the interrupt payload when
// nothing was produced yet; a failed run surfaces the error body.
func (s *Server) writeWaitResult(w http.ResponseWriter, result *runs.JoinResult) {
	switch result.Status {
	case types.RunStatusFailed:
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": result.Error,
			"code":  string(apperrors.CodeEngineExecution),
		})
	case types.RunStatusInterrupted:
		if result.Output != nil {
			s.writeJSON(w, http.StatusOK, result.Output)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"__interrupt__": []interface{}{result.Interrupt},
		})
	default:
		if result.Output == nil {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{})
			return
		}
		s.writeJSON(w, http.StatusOK, result.Output)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	listed, err := s.controller.ListRuns(r.Context(), identity(r), chi.URLParam(r, "thread_id"), store.RunFilter{
		Status: types.RunStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listed)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.controller.GetRun(r.Context(), identity(r),
		chi.URLParam(r, "thread_id"), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.controller.CancelRun(r.Context(), identity(r),
		chi.URLParam(r, "thread_id"), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	err := s.controller.DeleteRun(r.Context(), identity(r),
		chi.URLParam(r, "thread_id"), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoinRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.JoinRun(r.Context(), identity(r),
		chi.URLParam(r, "thread_id"), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

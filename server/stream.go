package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	apperrors "github.com/agent-protocol-go/agentserver/errors"
	"github.com/agent-protocol-go/agentserver/events"
	"github.com/agent-protocol-go/agentserver/types"
)

// streamModes accepts both a single mode string and a list of modes.
type streamModes []types.StreamMode

func (m *streamModes) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = streamModes{types.StreamMode(single)}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*m = make(streamModes, 0, len(many))
	for _, mode := range many {
		*m = append(*m, types.StreamMode(mode))
	}
	return nil
}

// handleCreateRunStream creates a run and streams its events on the same
// connection.
func (s *Server) handleCreateRunStream(w http.ResponseWriter, r *http.Request) {
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
	s.serveSSE(w, r, run.ThreadID, run.RunID, 1)
}

// handleStreamRun attaches to an existing run's stream. The from_seq query
// parameter positions the replay; omitted or 1 replays from the start.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r,
		chi.URLParam(r, "thread_id"), chi.URLParam(r, "run_id"),
		queryInt64(r, "from_seq", 1))
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, threadID, runID string, fromSeq int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	ch, err := s.controller.StreamRun(r.Context(), identity(r), threadID, runID, fromSeq)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for env := range ch {
		data, err := json.Marshal(env.Data)
		if err != nil {
			s.logger.Warn("event encode failed", "run_id", runID, "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, data)
		flusher.Flush()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth already ran in middleware; cross-origin clients are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStreamRunWS serves the run stream over a websocket. Each message is
// one JSON envelope; the connection closes after the end event.
func (s *Server) handleStreamRunWS(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	runID := chi.URLParam(r, "run_id")

	// Validate before upgrading so protocol errors come back as HTTP.
	if _, err := s.controller.GetRun(r.Context(), identity(r), threadID, runID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	ch, err := s.controller.StreamRun(r.Context(), identity(r), threadID, runID, queryInt64(r, "from_seq", 1))
	if err != nil {
		conn.WriteJSON(&events.Envelope{Event: events.EventError, Data: map[string]string{
			"message": err.Error(),
			"code":    string(apperrors.CodeOf(err)),
		}})
		return
	}

	for env := range ch {
		if err := conn.WriteJSON(env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket write failed", "run_id", runID, "error", err)
			}
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

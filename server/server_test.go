package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-protocol-go/agentserver/engine"
	"github.com/agent-protocol-go/agentserver/eventlog"
	"github.com/agent-protocol-go/agentserver/events"
	"github.com/agent-protocol-go/agentserver/lease"
	"github.com/agent-protocol-go/agentserver/runs"
	"github.com/agent-protocol-go/agentserver/store"
	"github.com/agent-protocol-go/agentserver/types"
)

func newTestServer(t *testing.T, config *Config) *Server {
	t.Helper()
	eng := engine.NewLocalEngine()
	st := store.NewMemoryStore()
	log := eventlog.NewMemoryLog()
	notifier := runs.NewNotifier()
	driver := runs.NewDriver(st, log, lease.NewMemoryLeaser(), eng, notifier, nil, nil)
	gateway := runs.NewGateway(st, log, notifier, nil, nil)
	controller := runs.NewController(st, log, driver, gateway, eng, notifier, nil)
	t.Cleanup(controller.Close)
	return New(controller, config, nil, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response failed: %v (body: %s)", err, w.Body.String())
	}
}

func seedAssistantAndThread(t *testing.T, s *Server) (assistantID, threadID string) {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/assistants", map[string]interface{}{"graph_id": "agent"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create assistant: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var assistant types.Assistant
	decode(t, w, &assistant)

	w = doJSON(t, s, http.MethodPost, "/threads", map[string]interface{}{})
	if w.Code != http.StatusCreated {
		t.Fatalf("create thread: expected 201, got %d", w.Code)
	}
	var thread types.Thread
	decode(t, w, &thread)
	return assistant.AssistantID, thread.ThreadID
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, &Config{AuthToken: "secret"})

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with api key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad api key, got %d", rec.Code)
	}
}

func TestAssistantLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/assistants", map[string]interface{}{
		"graph_id": "agent", "name": "researcher",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var assistant types.Assistant
	decode(t, w, &assistant)

	w = doJSON(t, s, http.MethodGet, "/assistants/"+assistant.AssistantID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPatch, "/assistants/"+assistant.AssistantID, map[string]interface{}{
		"graph_id": "agent", "name": "renamed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var updated types.Assistant
	decode(t, w, &updated)
	if updated.Name != "renamed" || updated.Version != 2 {
		t.Errorf("unexpected update result: %+v", updated)
	}

	w = doJSON(t, s, http.MethodPost, "/assistants/search", map[string]interface{}{"graph_id": "agent"})
	var found []types.Assistant
	decode(t, w, &found)
	if len(found) != 1 {
		t.Errorf("expected 1 search hit, got %d", len(found))
	}

	w = doJSON(t, s, http.MethodDelete, "/assistants/"+assistant.AssistantID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/assistants/"+assistant.AssistantID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}

	// Missing graph_id is a validation error.
	w = doJSON(t, s, http.MethodPost, "/assistants", map[string]interface{}{"name": "no-graph"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	assistantID, threadID := seedAssistantAndThread(t, s)

	w := doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"topic": "weather"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var run types.Run
	decode(t, w, &run)

	w = doJSON(t, s, http.MethodGet, fmt.Sprintf("/threads/%s/runs/%s/join", threadID, run.RunID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d", w.Code)
	}
	var result runs.JoinResult
	decode(t, w, &result)
	if result.Status != types.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Error)
	}

	w = doJSON(t, s, http.MethodGet, "/threads/"+threadID+"/runs", nil)
	var listed []types.Run
	decode(t, w, &listed)
	if len(listed) != 1 {
		t.Errorf("expected 1 run listed, got %d", len(listed))
	}

	w = doJSON(t, s, http.MethodGet, fmt.Sprintf("/threads/%s/runs/%s", threadID, run.RunID), nil)
	if w.Code != http.StatusOK {
		t.Errorf("get run: expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodDelete, fmt.Sprintf("/threads/%s/runs/%s", threadID, run.RunID), nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete run: expected 204, got %d (%s)", w.Code, w.Body.String())
	}
	w = doJSON(t, s, http.MethodGet, fmt.Sprintf("/threads/%s/runs/%s", threadID, run.RunID), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestRunValidationOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	assistantID, threadID := seedAssistantAndThread(t, s)

	w := doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"a": 1},
		"command":      map[string]interface{}{"resume": "x"},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for input+command, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/threads/missing/runs", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"a": 1},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown thread, got %d", w.Code)
	}
}

func TestRunWaitEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	assistantID, threadID := seedAssistantAndThread(t, s)

	w := doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs/wait", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"topic": "news"},
		"stream_mode":  "values",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	// The body is the bare graph output, not the run envelope.
	var output map[string]interface{}
	decode(t, w, &output)
	if output["topic"] != "news" {
		t.Errorf("unexpected output: %v", output)
	}
	for _, field := range []string{"run_id", "status", "thread_id"} {
		if _, ok := output[field]; ok {
			t.Errorf("wait response carries run metadata field %q", field)
		}
	}

	// A durable run record was still created.
	w = doJSON(t, s, http.MethodGet, "/threads/"+threadID+"/runs", nil)
	var listed []types.Run
	decode(t, w, &listed)
	if len(listed) != 1 {
		t.Fatalf("expected 1 run record, got %d", len(listed))
	}
	if listed[0].Status != types.RunStatusCompleted {
		t.Errorf("expected completed run record, got %s", listed[0].Status)
	}
}

func TestInterruptResumeOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	assistantID, threadID := seedAssistantAndThread(t, s)

	w := doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs/wait", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"question": "approve?"},
		"config":       map[string]interface{}{"interrupt_before": []string{"*"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var output map[string]interface{}
	decode(t, w, &output)
	if _, ok := output["__interrupt__"]; !ok {
		t.Fatalf("expected interrupt payload from interrupted wait, got %v", output)
	}

	w = doJSON(t, s, http.MethodGet, "/threads/"+threadID+"/runs", nil)
	var listed []types.Run
	decode(t, w, &listed)
	if len(listed) != 1 || listed[0].Status != types.RunStatusInterrupted {
		t.Fatalf("expected one interrupted run, got %+v", listed)
	}
	runID := listed[0].RunID

	// Thread state surfaces the pending interrupt.
	w = doJSON(t, s, http.MethodGet, "/threads/"+threadID+"/state", nil)
	var state engine.StateSnapshot
	decode(t, w, &state)
	if len(state.Interrupts) != 1 {
		t.Errorf("expected 1 pending interrupt in state, got %d", len(state.Interrupts))
	}

	w = doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs/wait", map[string]interface{}{
		"assistant_id": assistantID,
		"command":      map[string]interface{}{"resume": "approved"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	decode(t, w, &output)
	if output["resume"] != "approved" {
		t.Errorf("expected resume value in final output, got %v", output)
	}

	// The command advanced the same run to completion.
	w = doJSON(t, s, http.MethodGet, "/threads/"+threadID+"/runs", nil)
	decode(t, w, &listed)
	if len(listed) != 1 || listed[0].RunID != runID {
		t.Fatalf("expected the command to advance the same run, got %+v", listed)
	}
	if listed[0].Status != types.RunStatusCompleted {
		t.Errorf("expected completed after resume, got %s", listed[0].Status)
	}
}

func TestCancelEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	assistantID, threadID := seedAssistantAndThread(t, s)

	w := doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"q": "?"},
		"config":       map[string]interface{}{"interrupt_before": []string{"*"}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var created types.Run
	decode(t, w, &created)

	w = doJSON(t, s, http.MethodGet, fmt.Sprintf("/threads/%s/runs/%s/join", threadID, created.RunID), nil)
	var result runs.JoinResult
	decode(t, w, &result)
	if result.Status != types.RunStatusInterrupted {
		t.Fatalf("expected interrupted, got %s", result.Status)
	}

	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/threads/%s/runs/%s/cancel", threadID, created.RunID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var run types.Run
	decode(t, w, &run)
	if run.Status != types.RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", run.Status)
	}

	// The discarded interrupt no longer shows in thread state.
	w = doJSON(t, s, http.MethodGet, "/threads/"+threadID+"/state", nil)
	var state engine.StateSnapshot
	decode(t, w, &state)
	if len(state.Interrupts) != 0 {
		t.Errorf("expected no pending interrupt after cancel, got %d", len(state.Interrupts))
	}
}

func parseSSE(t *testing.T, body string) []*events.Envelope {
	t.Helper()
	var out []*events.Envelope
	scanner := bufio.NewScanner(strings.NewReader(body))
	var current *events.Envelope
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = &events.Envelope{Event: strings.TrimPrefix(line, "event: ")}
		case strings.HasPrefix(line, "data: ") && current != nil:
			raw := strings.TrimPrefix(line, "data: ")
			if raw != "null" {
				var data interface{}
				if err := json.Unmarshal([]byte(raw), &data); err != nil {
					t.Fatalf("bad SSE data %q: %v", raw, err)
				}
				current.Data = data
			}
			out = append(out, current)
			current = nil
		}
	}
	return out
}

func TestStreamEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	assistantID, threadID := seedAssistantAndThread(t, s)

	w := doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs/stream", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"topic": "live"},
		"stream_mode":  []string{"values"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %s", ct)
	}

	got := parseSSE(t, w.Body.String())
	if len(got) == 0 {
		t.Fatal("expected SSE events")
	}
	if got[0].Event != events.EventMetadata {
		t.Errorf("expected stream to open with metadata, got %s", got[0].Event)
	}
	ends := 0
	for _, env := range got {
		if env.Event == events.EventEnd {
			ends++
		}
	}
	if ends != 1 || got[len(got)-1].Event != events.EventEnd {
		t.Errorf("expected exactly one trailing end event, got %d", ends)
	}
}

func TestWebsocketStream(t *testing.T) {
	s := newTestServer(t, nil)
	assistantID, threadID := seedAssistantAndThread(t, s)

	w := doJSON(t, s, http.MethodPost, "/threads/"+threadID+"/runs", map[string]interface{}{
		"assistant_id": assistantID,
		"input":        map[string]interface{}{"topic": "ws"},
	})
	var created types.Run
	decode(t, w, &created)
	doJSON(t, s, http.MethodGet, fmt.Sprintf("/threads/%s/runs/%s/join", threadID, created.RunID), nil)

	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/threads/%s/runs/%s/ws", threadID, created.RunID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []*events.Envelope
	for {
		env := &events.Envelope{}
		if err := conn.ReadJSON(env); err != nil {
			break
		}
		got = append(got, env)
		if env.Event == events.EventEnd {
			break
		}
	}
	if len(got) == 0 {
		t.Fatal("expected websocket events")
	}
	if got[len(got)-1].Event != events.EventEnd {
		t.Errorf("expected end event last, got %s", got[len(got)-1].Event)
	}
}

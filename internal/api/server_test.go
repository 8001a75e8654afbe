package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/aichemy-agent/internal/catalog"
	"github.com/nugget/aichemy-agent/internal/events"
	"github.com/nugget/aichemy-agent/internal/session"
)

type started struct {
	threadID string
	seq      uint64
	prompt   string
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []started
}

func (f *fakeStarter) Start(_ context.Context, threadID string, seq uint64, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, started{threadID, seq, prompt})
}

func (f *fakeStarter) started() []started {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]started(nil), f.calls...)
}

type testEnv struct {
	srv      *Server
	sessions *session.Manager
	runner   *fakeStarter
	bus      *events.Bus
	ts       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()
	n := 0
	machine := session.NewMachine(session.Config{
		Plan: []session.PlanStep{{Name: "Agent endpoint", Description: "Query", Tools: []string{"*"}}},
	}, session.WithIDSource(func() string {
		n++
		return fmt.Sprintf("minted-%d", n)
	}))
	sessions := session.NewManager(machine, logger, session.WithBus(bus))
	runner := &fakeStarter{}
	tools, err := catalog.Parse(strings.NewReader("source\tdescription\nPubChem\tCompound lookup\n"))
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer("127.0.0.1", 0, sessions, runner, logger, WithBus(bus), WithCatalog(tools))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, sessions: sessions, runner: runner, bus: bus, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decodeSession(t *testing.T, data []byte) SessionResponse {
	t.Helper()
	var out SessionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	id := decodeSession(t, body).Session.ThreadID
	if id == "" {
		t.Fatal("created session has no thread id")
	}

	resp, body = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/submit", SubmitRequest{Prompt: "What is aspirin?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d: %s", resp.StatusCode, body)
	}
	got := decodeSession(t, body)
	if got.Session.State != session.StateAwaitingApproval {
		t.Errorf("state after submit = %s, want %s", got.Session.State, session.StateAwaitingApproval)
	}
	if len(env.runner.started()) != 0 {
		t.Error("runner started before approval")
	}

	_, body = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/approve", nil)
	got = decodeSession(t, body)
	if got.Session.State != session.StateExecuting {
		t.Fatalf("state after approve = %s", got.Session.State)
	}
	calls := env.runner.started()
	if len(calls) != 1 {
		t.Fatalf("runner started %d times, want 1", len(calls))
	}
	if calls[0].threadID != id || calls[0].seq != got.Session.Seq || calls[0].prompt != "What is aspirin?" {
		t.Errorf("runner call = %+v", calls[0])
	}

	// A second approve is ignored and does not start another turn.
	_, body = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/approve", nil)
	if tr := decodeSession(t, body).Transition; tr == nil || !tr.Ignored {
		t.Errorf("second approve transition = %+v, want ignored", tr)
	}
	if len(env.runner.started()) != 1 {
		t.Error("ignored approve started the runner")
	}

	_, body = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/cancel", nil)
	if s := decodeSession(t, body).Session; !s.CancelRequested {
		t.Error("cancel during executing should set cancel_requested")
	}

	resp, body = env.do(t, http.MethodGet, "/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if s := decodeSession(t, body).Session; s.State != session.StateExecuting {
		t.Errorf("get state = %s", s.State)
	}
}

func TestSubmit_CreatesOnFirstUse(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodPost, "/v1/sessions/fresh/submit", SubmitRequest{
		Workflow: "target_identification",
		Subject:  "glioblastoma",
	})
	got := decodeSession(t, body)
	if got.Session.ThreadID != "fresh" {
		t.Errorf("thread id = %q", got.Session.ThreadID)
	}
	if got.Session.LastKey != "disease:glioblastoma" {
		t.Errorf("last key = %q", got.Session.LastKey)
	}
}

func TestSubmit_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty", SubmitRequest{}},
		{"unknown workflow", SubmitRequest{Workflow: "nope", Subject: "x"}},
		{"missing subject", SubmitRequest{Workflow: "hit_identification"}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/sessions/t/submit", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", resp.StatusCode, body)
			}
		})
	}
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/approve", "/cancel", "/reset"} {
		resp, _ := env.do(t, http.MethodPost, "/v1/sessions/missing"+path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, resp.StatusCode)
		}
	}
	resp, _ := env.do(t, http.MethodGet, "/v1/sessions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get status = %d, want 404", resp.StatusCode)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.GetOrCreate("old")

	_, body := env.do(t, http.MethodPost, "/v1/sessions/old/reset", nil)
	got := decodeSession(t, body)
	if got.Session.ThreadID != "minted-1" {
		t.Errorf("thread id after reset = %q, want minted-1", got.Session.ThreadID)
	}
	if _, ok := env.sessions.Get("old"); ok {
		t.Error("old thread id still present after reset")
	}
}

func TestParse(t *testing.T) {
	env := newTestEnv(t)

	text := `Looking it up.<function_calls><invoke name="pubchem_lookup"><parameter name="compound">aspirin</parameter></invoke></function_calls>Done.`
	resp, body := env.do(t, http.MethodPost, "/v1/parse", ParseRequest{Text: text})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var got ParseResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Records) != 1 || got.Records[0].Function != "pubchem_lookup" {
		t.Fatalf("records = %+v", got.Records)
	}
	if v, _ := got.Records[0].Params.Get("compound"); v != "aspirin" {
		t.Errorf("compound param = %q", v)
	}
	if got.CleanText != "Looking it up.Done." {
		t.Errorf("clean text = %q", got.CleanText)
	}

	_, body = env.do(t, http.MethodPost, "/v1/parse", ParseRequest{Text: "plain"})
	if !strings.Contains(string(body), `"records":[]`) {
		t.Errorf("records should encode as an empty array: %s", body)
	}
}

func TestCatalogueEndpoints(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodGet, "/v1/tools", nil)
	var tools struct {
		Sources []catalog.Group `json:"sources"`
	}
	if err := json.Unmarshal(body, &tools); err != nil {
		t.Fatal(err)
	}
	if len(tools.Sources) != 1 || tools.Sources[0].Source != "PubChem" {
		t.Errorf("tools = %+v", tools.Sources)
	}

	_, body = env.do(t, http.MethodGet, "/v1/workflows", nil)
	var wf map[string]json.RawMessage
	if err := json.Unmarshal(body, &wf); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"workflows", "compound_properties", "examples"} {
		if _, ok := wf[key]; !ok {
			t.Errorf("workflows response missing %q", key)
		}
	}

	_, body = env.do(t, http.MethodGet, "/health", nil)
	if !strings.Contains(string(body), `"healthy"`) {
		t.Errorf("health = %s", body)
	}
}

func TestStream(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.GetOrCreate("t-1")

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/sessions/t-1/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first StreamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Event != nil || first.Session.State != session.StateIdle {
		t.Errorf("first frame = %+v", first)
	}

	env.do(t, http.MethodPost, "/v1/sessions/t-1/submit", SubmitRequest{Prompt: "hi"})

	var next StreamMessage
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read transition: %v", err)
	}
	if next.Event == nil || next.Event.Kind != events.KindTransition {
		t.Fatalf("event = %+v", next.Event)
	}
	if next.Session.State != session.StateAwaitingApproval {
		t.Errorf("streamed state = %s", next.Session.State)
	}

	// Reset moves the stream to the new thread.
	env.do(t, http.MethodPost, "/v1/sessions/t-1/cancel", nil)
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read cancel: %v", err)
	}
	env.do(t, http.MethodPost, "/v1/sessions/t-1/reset", nil)
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read reset: %v", err)
	}
	if next.Session.ThreadID != "minted-1" {
		t.Errorf("thread after reset = %q", next.Session.ThreadID)
	}
	env.do(t, http.MethodPost, "/v1/sessions/minted-1/submit", SubmitRequest{Prompt: "again"})
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read after reset: %v", err)
	}
	if next.Session.ThreadID != "minted-1" || next.Session.State != session.StateAwaitingApproval {
		t.Errorf("frame after reset = %+v", next.Session)
	}
}

func TestStream_TransitionsBeforeFirstRead(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.GetOrCreate("t-1")

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/sessions/t-1/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Drive the turn to completion before reading a single frame.
	ctx := t.Context()
	s, _, err := env.sessions.Dispatch(ctx, "t-1", session.Submit{Input: session.Input{Prompt: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	s, _, _ = env.sessions.Dispatch(ctx, "t-1", session.Approve{})
	s, _, _ = env.sessions.Dispatch(ctx, "t-1", session.Reply{Seq: s.Seq, Texts: []string{"done"}})
	for i := 0; i < 5 && s.State == session.StateExecuting; i++ {
		s, _, _ = env.sessions.Dispatch(ctx, "t-1", session.StepDone{Seq: s.Seq})
	}
	if s.State != session.StateComplete {
		t.Fatalf("state = %s, want complete", s.State)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("stream never reported completion: %v", err)
		}
		if msg.Session.State == session.StateComplete {
			if got := msg.Session.Turns[len(msg.Session.Turns)-1].Content; got != "done" {
				t.Errorf("last turn = %q, want done", got)
			}
			return
		}
	}
}

func TestSuggestions(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.GetOrCreate("t-1")

	suggestions := func() []string {
		t.Helper()
		_, body := env.do(t, http.MethodGet, "/v1/sessions/t-1/suggestions", nil)
		var out struct {
			Suggestions []string `json:"suggestions"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
		return out.Suggestions
	}

	if got := suggestions(); len(got) != 0 {
		t.Errorf("idle suggestions = %v, want none", got)
	}

	ctx := t.Context()
	s, _, _ := env.sessions.Dispatch(ctx, "t-1", session.Submit{Input: session.Input{Prompt: "What targets EGFR?"}})
	s, _, _ = env.sessions.Dispatch(ctx, "t-1", session.Approve{})
	s, _, _ = env.sessions.Dispatch(ctx, "t-1", session.Reply{Seq: s.Seq, Texts: []string{"answer"}})
	for i := 0; i < 5 && s.State == session.StateExecuting; i++ {
		s, _, _ = env.sessions.Dispatch(ctx, "t-1", session.StepDone{Seq: s.Seq})
	}
	if s.State != session.StateComplete {
		t.Fatalf("state = %s, want complete", s.State)
	}
	if got := suggestions(); len(got) != 3 || got[0] != "Show binding mode of top hit" {
		t.Errorf("suggestions = %v", got)
	}

	resp, _ := env.do(t, http.MethodGet, "/v1/sessions/missing/suggestions", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestStream_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/v1/sessions/missing/stream", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

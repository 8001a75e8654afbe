package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/aichemy-agent/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInvocationsURL(t *testing.T) {
	tests := []struct {
		base, name, want string
	}{
		{"https://host", "aichemy", "https://host/serving-endpoints/aichemy/invocations"},
		{"https://host/", "aichemy", "https://host/serving-endpoints/aichemy/invocations"},
		{"https://host/serving-endpoints/x/invocations", "ignored", "https://host/serving-endpoints/x/invocations"},
		{"https://host", "a b", "https://host/serving-endpoints/a%20b/invocations"},
		{"", "aichemy", ""},
	}
	for _, tt := range tests {
		if got := InvocationsURL(tt.base, tt.name); got != tt.want {
			t.Errorf("InvocationsURL(%q, %q) = %q, want %q", tt.base, tt.name, got, tt.want)
		}
	}
}

func TestInvoke(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"output":[{"type":"message","content":[{"type":"output_text","text":"EGFR is a target."}]}]}`)
	}))
	defer srv.Close()

	c := New(config.EndpointConfig{URL: srv.URL, Name: "agent", Token: "dapi-x", TimeoutSec: 5}, discardLogger())
	env, err := c.Invoke(context.Background(), Request{ThreadID: "t-1", Prompt: "Tell me about EGFR"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if gotPath != "/serving-endpoints/agent/invocations" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer dapi-x" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	wantBody := map[string]any{
		"input":              []any{map[string]any{"role": "user", "content": "Tell me about EGFR"}},
		"custom_inputs":      map[string]any{"thread_id": "t-1"},
		"databricks_options": map[string]any{"return_trace": true},
	}
	if diff := cmp.Diff(wantBody, gotBody); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"EGFR is a target."}, env.Texts()); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_SkipTrace(t *testing.T) {
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"output":[]}`)
	}))
	defer srv.Close()

	c := New(config.EndpointConfig{URL: srv.URL + "/invocations", SkipTrace: true}, discardLogger())
	if _, err := c.Invoke(context.Background(), Request{ThreadID: "t", Prompt: "p"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.Contains(string(raw), "databricks_options") {
		t.Errorf("request carried trace options: %s", raw)
	}
}

func TestInvoke_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "endpoint scaling up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(config.EndpointConfig{URL: srv.URL, Name: "agent"}, discardLogger())
	_, err := c.Invoke(context.Background(), Request{ThreadID: "t", Prompt: "p"})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Invoke error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || !strings.Contains(se.Body, "scaling up") {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestInvoke_BadEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"output": [`)
	}))
	defer srv.Close()

	c := New(config.EndpointConfig{URL: srv.URL, Name: "agent"}, discardLogger())
	if _, err := c.Invoke(context.Background(), Request{ThreadID: "t", Prompt: "p"}); err == nil {
		t.Fatal("Invoke with truncated envelope should error")
	}
}

func TestInvoke_NotConfigured(t *testing.T) {
	c := New(config.EndpointConfig{}, discardLogger())
	if _, err := c.Invoke(context.Background(), Request{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Invoke error = %v, want ErrNotConfigured", err)
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(config.EndpointConfig{URL: srv.URL, Name: "agent"}, discardLogger())
	if _, err := c.Invoke(ctx, Request{ThreadID: "t", Prompt: "p"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Invoke error = %v, want context.Canceled", err)
	}
}

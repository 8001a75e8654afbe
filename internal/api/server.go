// Package api implements the gateway's HTTP API: session control,
// live session streams over websocket, and read-only catalogue and
// parsing helpers for the display layer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/aichemy-agent/internal/buildinfo"
	"github.com/nugget/aichemy-agent/internal/catalog"
	"github.com/nugget/aichemy-agent/internal/events"
	"github.com/nugget/aichemy-agent/internal/session"
	"github.com/nugget/aichemy-agent/internal/toolcall"
	"github.com/nugget/aichemy-agent/internal/workflow"
)

// TurnStarter launches the endpoint call for a turn that entered
// executing.
type TurnStarter interface {
	Start(ctx context.Context, threadID string, seq uint64, prompt string)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions *session.Manager
	runner   TurnStarter
	bus      *events.Bus
	tools    *catalog.Catalog
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	server  *http.Server
	stopped bool

	// baseCtx parents the turns started by request handlers, which
	// outlive the request.
	baseCtx context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithBus enables the session stream endpoint.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithCatalog serves the tool catalogue.
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Server) { s.tools = c }
}

// NewServer creates a new API server.
func NewServer(address string, port int, sessions *session.Manager, runner TurnStarter, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		address:  address,
		port:     port,
		sessions: sessions,
		runner:   runner,
		logger:   logger,
		baseCtx:  context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The display layer is served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /v1/sessions/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /v1/sessions/{id}/approve", s.handleEvent(func() session.Event { return session.Approve{} }))
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleEvent(func() session.Event { return session.Cancel{} }))
	mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleEvent(func() session.Event { return session.Reset{} }))
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /v1/sessions/{id}/suggestions", s.handleSuggestions)

	// Protocol and catalogue helpers
	mux.HandleFunc("POST /v1/parse", s.handleParse)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/workflows", s.handleWorkflows)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves HTTP requests until Shutdown. Turns started by handlers
// run under ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   "healthy",
		"sessions": s.sessions.Len(),
	}, s.logger)
}

// ParseRequest is the body of POST /v1/parse.
type ParseRequest struct {
	Text string `json:"text"`
}

// ParseResponse carries the records and clean text of one agent text.
type ParseResponse struct {
	Records     []toolcall.Record    `json:"records"`
	CleanText   string               `json:"clean_text"`
	Diagnostics toolcall.Diagnostics `json:"diagnostics"`
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc := toolcall.Scan(req.Text)
	resp := ParseResponse{
		Records:     doc.Records,
		CleanText:   toolcall.Strip(req.Text),
		Diagnostics: doc.Diagnostics,
	}
	if resp.Records == nil {
		resp.Records = []toolcall.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	groups := s.tools.Grouped()
	if groups == nil {
		groups = []catalog.Group{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sources": groups}, s.logger)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"workflows":           workflow.Workflows(),
		"compound_properties": workflow.CompoundProperties(),
		"examples":            workflow.Examples(),
	}, s.logger)
}

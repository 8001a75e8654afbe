package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/aichemy-agent/internal/session"
	"github.com/nugget/aichemy-agent/internal/workflow"
)

// SubmitRequest is the body of POST /v1/sessions/{id}/submit. Either
// Prompt or Workflow is set. Example marks Prompt as one of the
// offered example questions.
type SubmitRequest struct {
	Prompt     string   `json:"prompt,omitempty"`
	Example    bool     `json:"example,omitempty"`
	Workflow   string   `json:"workflow,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// Input converts the request into a session input.
func (r SubmitRequest) Input() (session.Input, error) {
	switch {
	case r.Workflow != "":
		return workflow.Build(workflow.Request{
			Workflow:   r.Workflow,
			Subject:    r.Subject,
			Properties: r.Properties,
		})
	case r.Prompt == "":
		return session.Input{}, errors.New("prompt or workflow is required")
	case r.Example:
		return workflow.Example(r.Prompt), nil
	default:
		return workflow.Chat(r.Prompt), nil
	}
}

// SessionResponse is returned by the session endpoints.
type SessionResponse struct {
	Session    session.Session     `json:"session"`
	Transition *session.Transition `json:"transition,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Create()
	s.logger.Info("session created", "thread_id", sess.ThreadID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, SessionResponse{Session: sess}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, SessionResponse{Session: sess}, s.logger)
}

// handleSuggestions offers follow-up questions once a turn has
// completed. Any other state has none.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	suggestions := []string{}
	if sess.State == session.StateComplete {
		for i := len(sess.Turns) - 1; i >= 0; i-- {
			if sess.Turns[i].Role == session.RoleUser {
				suggestions = workflow.FollowUps(sess.Turns[i].Content)
				break
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"suggestions": suggestions}, s.logger)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in, err := req.Input()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	s.sessions.GetOrCreate(id)
	s.dispatch(w, r, id, session.Submit{Input: in})
}

// handleEvent returns a handler that dispatches the event built by ev
// to an existing session.
func (s *Server) handleEvent(ev func() session.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, r.PathValue("id"), ev())
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, id string, ev session.Event) {
	sess, tr, err := s.sessions.Dispatch(r.Context(), id, ev)
	if errors.Is(err, session.ErrUnknownThread) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !tr.Ignored && tr.To == session.StateExecuting && tr.From != session.StateExecuting && sess.Pending != nil {
		s.runner.Start(s.baseCtx, id, sess.Seq, sess.Pending.Prompt)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, SessionResponse{Session: sess, Transition: &tr}, s.logger)
}

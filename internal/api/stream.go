package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/aichemy-agent/internal/events"
	"github.com/nugget/aichemy-agent/internal/session"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// StreamMessage is one frame of a session stream: the activity event
// that caused it (absent on the first frame) and the session after it.
type StreamMessage struct {
	Event   *events.Event   `json:"event,omitempty"`
	Session session.Session `json:"session"`
}

// handleStream upgrades to a websocket and pushes a snapshot of the
// session after every event on its thread. A reset moves the stream to
// the new thread id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "streaming not enabled")
		return
	}
	id := r.PathValue("id")

	// Subscribe before taking the snapshot so no transition falls
	// between the two. A transition seen twice only repeats a frame.
	ch := s.bus.Subscribe(streamBuffer, nil)
	defer s.bus.Unsubscribe(ch)

	sess, ok := s.sessions.Get(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "thread_id", id, "error", err)
		return
	}
	defer conn.Close()

	// The client never sends anything meaningful; reading detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeFrame(conn, StreamMessage{Session: sess}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Thread != id {
				continue
			}
			if next, ok := evt.Data["new_thread_id"].(string); ok {
				id = next
			}
			snap, _ := s.sessions.Get(id)
			if err := s.writeFrame(conn, StreamMessage{Event: &evt, Session: snap}); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return err
	}
	return nil
}

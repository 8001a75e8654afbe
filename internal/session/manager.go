package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nugget/aichemy-agent/internal/events"
	"github.com/nugget/aichemy-agent/internal/telemetry"
)

// ErrUnknownThread is returned when no session exists for a thread id.
var ErrUnknownThread = errors.New("unknown thread")

// Manager owns the sessions of every thread and serializes the events
// dispatched to them. Callers only ever see copies.
type Manager struct {
	mu       sync.Mutex
	machine  *Machine
	sessions map[string]Session
	logger   *slog.Logger
	bus      *events.Bus
	inst     *telemetry.Instruments
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBus publishes every handled event to bus.
func WithBus(bus *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithInstruments records transition metrics.
func WithInstruments(inst *telemetry.Instruments) ManagerOption {
	return func(m *Manager) { m.inst = inst }
}

// NewManager creates an empty Manager around machine.
func NewManager(machine *Machine, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		machine:  machine,
		sessions: make(map[string]Session),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Machine returns the state machine the manager dispatches to.
func (m *Manager) Machine() *Machine {
	return m.machine
}

// Create starts a session under a freshly minted thread id.
func (m *Manager) Create() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := New(m.machine.newID())
	m.sessions[s.ThreadID] = s
	return s.Clone()
}

// Get returns a copy of the session for threadID.
func (m *Manager) Get(threadID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[threadID]
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// GetOrCreate returns the session for threadID, creating an idle one on
// first use.
func (m *Manager) GetOrCreate(threadID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[threadID]
	if !ok {
		s = New(threadID)
		m.sessions[threadID] = s
	}
	return s.Clone()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Dispatch applies ev to the session for threadID and stores the
// result. A reset re-keys the session under its new thread id.
func (m *Manager) Dispatch(ctx context.Context, threadID string, ev Event) (Session, Transition, error) {
	m.mu.Lock()
	cur, ok := m.sessions[threadID]
	if !ok {
		m.mu.Unlock()
		return Session{}, Transition{}, ErrUnknownThread
	}
	next, tr := m.machine.Handle(cur, ev)
	if !tr.Ignored {
		if next.ThreadID != threadID {
			delete(m.sessions, threadID)
		}
		m.sessions[next.ThreadID] = next
	}
	snapshot := next.Clone()
	// Bus publishing never blocks, so it stays under the lock and
	// observers see transitions of a thread in the order they applied.
	m.publish(threadID, snapshot, tr)
	m.mu.Unlock()

	m.inst.RecordTransition(ctx, tr.Event, string(tr.From), string(tr.To), tr.Ignored)
	return snapshot, tr, nil
}

func (m *Manager) publish(threadID string, s Session, tr Transition) {
	if tr.Ignored {
		m.logger.Debug("session event ignored",
			"thread_id", threadID, "event", tr.Event, "state", tr.From, "reason", tr.Reason)
		m.bus.Publish(events.Event{
			Source: events.SourceSession,
			Kind:   events.KindIgnored,
			Thread: threadID,
			Data: map[string]any{
				"event":  tr.Event,
				"state":  string(tr.From),
				"reason": tr.Reason,
			},
		})
		return
	}

	m.logger.Info("session transition",
		"thread_id", threadID, "event", tr.Event, "from", tr.From, "to", tr.To, "seq", s.Seq)
	data := map[string]any{
		"event": tr.Event,
		"from":  string(tr.From),
		"to":    string(tr.To),
		"seq":   s.Seq,
	}
	if tr.Aborted {
		data["aborted"] = true
	}
	if s.ThreadID != threadID {
		data["new_thread_id"] = s.ThreadID
	}
	m.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindTransition,
		Thread: threadID,
		Data:   data,
	})
}

// Package session implements the per-thread conversation state
// machine. A Session is a plain value; Machine.Handle applies one Event
// to it and returns the next value without performing I/O. Manager owns
// the mapping from thread id to Session and is the only mutator.
package session

import (
	"slices"

	"github.com/google/uuid"

	"github.com/nugget/aichemy-agent/internal/toolcall"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateComplete         State = "complete"
)

// StepStatus is the progress of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// FallbackText is recorded as the assistant turn when the endpoint
	// produced no message text.
	FallbackText = "No response. Retry or reset the chat."
	// CancelNotice is surfaced after an executing turn is cancelled.
	CancelNotice = "Query cancelled by user."
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Step is one entry of the execution plan shown while a turn runs.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Result string     `json:"result,omitempty"`
}

// ActivityGroup holds the tool invocations recorded for one prompt.
type ActivityGroup struct {
	Prompt string            `json:"prompt"`
	Calls  []toolcall.Record `json:"calls"`
}

// Input is a user submission. Key is the dedup key; when empty it is
// derived from the prompt.
type Input struct {
	Prompt string `json:"prompt"`
	Key    string `json:"key,omitempty"`
}

// DedupKey returns the key used to suppress replays of the same input.
func (in Input) DedupKey() string {
	if in.Key != "" {
		return in.Key
	}
	return "chat:" + in.Prompt
}

// Session is the full state of one conversation thread.
type Session struct {
	ThreadID        string          `json:"thread_id"`
	State           State           `json:"state"`
	Turns           []Turn          `json:"turns"`
	LastKey         string          `json:"last_key,omitempty"`
	Processing      bool            `json:"processing"`
	CancelRequested bool            `json:"cancel_requested"`
	Steps           []Step          `json:"steps"`
	Activity        []ActivityGroup `json:"activity"`
	Pending         *Input          `json:"pending,omitempty"`
	Notice          string          `json:"notice,omitempty"`
	// Seq identifies the current turn. Runner events carry it so late
	// results from an earlier turn are ignored.
	Seq uint64 `json:"seq"`

	// reply is the assistant text staged until every step finishes.
	reply *string
	// grouped is set when the current turn appended an activity group.
	grouped bool
}

// New returns an idle session for threadID.
func New(threadID string) Session {
	return Session{ThreadID: threadID, State: StateIdle}
}

// NewThreadID mints a random thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	c := s
	c.Turns = slices.Clone(s.Turns)
	c.Steps = slices.Clone(s.Steps)
	if s.Activity != nil {
		c.Activity = make([]ActivityGroup, len(s.Activity))
		for i, g := range s.Activity {
			c.Activity[i] = ActivityGroup{Prompt: g.Prompt, Calls: cloneRecords(g.Calls)}
		}
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	if s.reply != nil {
		r := *s.reply
		c.reply = &r
	}
	return c
}

// ReplyStaged reports whether the assistant reply for the current turn
// has arrived.
func (s Session) ReplyStaged() bool {
	return s.reply != nil
}

// Unfinished returns the names of steps that are pending or running.
func (s Session) Unfinished() []string {
	var names []string
	for _, st := range s.Steps {
		if st.Status == StepPending || st.Status == StepRunning {
			names = append(names, st.Name)
		}
	}
	return names
}

func cloneRecords(recs []toolcall.Record) []toolcall.Record {
	if recs == nil {
		return nil
	}
	out := make([]toolcall.Record, len(recs))
	for i, r := range recs {
		out[i] = toolcall.Record{Function: r.Function, Params: slices.Clone(r.Params)}
		if r.Thinking != nil {
			th := *r.Thinking
			out[i].Thinking = &th
		}
	}
	return out
}

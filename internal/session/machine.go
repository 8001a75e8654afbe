package session

import (
	"strings"

	"github.com/nugget/aichemy-agent/internal/toolcall"
)

// Event is an input to the state machine.
type Event interface {
	Name() string
}

// Submit starts a turn with a user input.
type Submit struct{ Input Input }

// Approve lets an awaiting plan execute.
type Approve struct{}

// Cancel discards a turn awaiting approval, or requests cooperative
// cancellation of an executing one.
type Cancel struct{}

// StepDone marks the running step completed.
type StepDone struct {
	Seq    uint64
	Result string
}

// StepFailed marks the running step failed.
type StepFailed struct {
	Seq uint64
	Err string
}

// Reply delivers the message texts extracted from the endpoint
// response. No texts records the fallback reply.
type Reply struct {
	Seq   uint64
	Texts []string
}

// Reset clears the conversation and starts a new thread.
type Reset struct{}

func (Submit) Name() string     { return "submit" }
func (Approve) Name() string    { return "approve" }
func (Cancel) Name() string     { return "cancel" }
func (StepDone) Name() string   { return "step_done" }
func (StepFailed) Name() string { return "step_failed" }
func (Reply) Name() string      { return "reply" }
func (Reset) Name() string      { return "reset" }

// Transition describes the effect of one Handle call. Ignored events
// leave the session unchanged and carry a Reason.
type Transition struct {
	Event   string `json:"event"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Ignored bool   `json:"ignored,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Aborted is set when a pending cancellation took effect.
	Aborted bool `json:"aborted,omitempty"`
}

// PlanStep is one configured step of the execution plan.
type PlanStep struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Tools       []string `yaml:"tools" json:"tools,omitempty"`
}

// Config controls the machine's behavior.
type Config struct {
	// AutoApprove moves a submitted turn straight to executing.
	AutoApprove bool
	// Plan lists the steps seeded after "Plan created" on each submit.
	Plan []PlanStep
	// AllMessages parses every extracted text instead of only the last.
	AllMessages bool
}

// Machine applies events to sessions.
type Machine struct {
	cfg   Config
	newID func() string
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithIDSource replaces the thread id generator used on reset.
func WithIDSource(fn func() string) MachineOption {
	return func(m *Machine) { m.newID = fn }
}

// NewMachine creates a Machine.
func NewMachine(cfg Config, opts ...MachineOption) *Machine {
	m := &Machine{cfg: cfg, newID: NewThreadID}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the machine's configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Handle applies ev to s and returns the resulting session. s itself
// is never modified.
func (m *Machine) Handle(s Session, ev Event) (Session, Transition) {
	tr := Transition{Event: ev.Name(), From: s.State}
	next := s.Clone()

	var reason string
	switch e := ev.(type) {
	case Submit:
		reason = m.submit(&next, e.Input)
	case Approve:
		reason = approve(&next)
	case Cancel:
		reason = cancel(&next)
	case StepDone:
		reason, tr.Aborted = m.checkpoint(&next, e.Seq, func() string {
			return finishStep(&next, StepCompleted, e.Result)
		})
	case StepFailed:
		reason, tr.Aborted = m.checkpoint(&next, e.Seq, func() string {
			return finishStep(&next, StepError, e.Err)
		})
	case Reply:
		reason, tr.Aborted = m.checkpoint(&next, e.Seq, func() string {
			return m.reply(&next, e.Texts)
		})
	case Reset:
		reason = m.reset(&next)
	default:
		reason = "unknown event"
	}

	if reason != "" {
		tr.Ignored = true
		tr.Reason = reason
		tr.To = s.State
		return s, tr
	}
	tr.To = next.State
	return next, tr
}

func (m *Machine) submit(s *Session, in Input) string {
	if s.State != StateIdle && s.State != StateComplete {
		return "turn in progress"
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return "empty prompt"
	}
	key := in.DedupKey()
	if key == s.LastKey {
		return "duplicate submission"
	}
	if s.CancelRequested {
		return "cancellation pending"
	}

	in.Key = key
	s.Turns = append(s.Turns, Turn{Role: RoleUser, Content: in.Prompt})
	s.Pending = &in
	s.LastKey = key
	s.Processing = true
	s.Notice = ""
	s.Seq++
	s.reply = nil
	s.grouped = false
	s.Steps = m.seedSteps()
	s.State = StateAwaitingApproval
	if m.cfg.AutoApprove {
		s.State = StateExecuting
		startNext(s)
	}
	return ""
}

func (m *Machine) seedSteps() []Step {
	steps := make([]Step, 0, len(m.cfg.Plan)+1)
	steps = append(steps, Step{Name: "Plan created", Status: StepCompleted, Result: "Execution plan ready"})
	for _, p := range m.cfg.Plan {
		steps = append(steps, Step{Name: p.Name, Status: StepPending, Result: p.Description})
	}
	return steps
}

func approve(s *Session) string {
	if s.State != StateAwaitingApproval {
		return "nothing awaiting approval"
	}
	s.State = StateExecuting
	startNext(s)
	return ""
}

func cancel(s *Session) string {
	switch s.State {
	case StateAwaitingApproval:
		dropTurn(s)
		s.State = StateIdle
		return ""
	case StateExecuting:
		if s.CancelRequested {
			return "cancel already requested"
		}
		s.CancelRequested = true
		return ""
	default:
		return "nothing to cancel"
	}
}

// checkpoint guards the events the runner delivers while a turn
// executes. A pending cancellation aborts the turn here instead of
// applying the event.
func (m *Machine) checkpoint(s *Session, seq uint64, apply func() string) (string, bool) {
	if s.State != StateExecuting {
		return "not executing", false
	}
	if seq != s.Seq {
		return "stale sequence", false
	}
	if s.CancelRequested {
		dropTurn(s)
		s.State = StateIdle
		s.Notice = CancelNotice
		return "", true
	}
	if reason := apply(); reason != "" {
		return reason, false
	}
	m.maybeComplete(s)
	return "", false
}

func finishStep(s *Session, status StepStatus, result string) string {
	i := indexOf(s.Steps, StepRunning)
	if i < 0 {
		i = indexOf(s.Steps, StepPending)
	}
	if i < 0 {
		return "no unfinished step"
	}
	s.Steps[i].Status = status
	if result != "" {
		s.Steps[i].Result = result
	}
	startNext(s)
	return ""
}

func (m *Machine) reply(s *Session, texts []string) string {
	if s.reply != nil {
		return "reply already recorded"
	}
	text := FallbackText
	if len(texts) > 0 {
		targets := texts[len(texts)-1:]
		if m.cfg.AllMessages {
			targets = texts
		}
		var calls []toolcall.Record
		var cleaned []string
		for _, t := range targets {
			calls = append(calls, toolcall.Parse(t)...)
			if c := toolcall.Strip(t); c != "" {
				cleaned = append(cleaned, c)
			}
		}
		if len(calls) > 0 {
			prompt := ""
			if s.Pending != nil {
				prompt = s.Pending.Prompt
			}
			s.Activity = append(s.Activity, ActivityGroup{Prompt: prompt, Calls: calls})
			s.grouped = true
		}
		text = strings.Join(cleaned, "\n\n")
	}
	s.reply = &text
	return ""
}

func (m *Machine) maybeComplete(s *Session) {
	if s.reply == nil {
		return
	}
	for _, st := range s.Steps {
		if st.Status == StepPending || st.Status == StepRunning {
			return
		}
	}
	s.Turns = append(s.Turns, Turn{Role: RoleAssistant, Content: *s.reply})
	s.reply = nil
	s.grouped = false
	s.Pending = nil
	s.Processing = false
	s.State = StateComplete
}

func (m *Machine) reset(s *Session) string {
	if s.State != StateIdle && s.State != StateComplete {
		return "turn in progress"
	}
	*s = New(m.newID())
	return ""
}

// dropTurn undoes the effects of the current submission.
func dropTurn(s *Session) {
	if n := len(s.Turns); n > 0 && s.Turns[n-1].Role == RoleUser {
		s.Turns = s.Turns[:n-1]
	}
	if s.grouped && len(s.Activity) > 0 {
		s.Activity = s.Activity[:len(s.Activity)-1]
	}
	s.grouped = false
	s.reply = nil
	s.Pending = nil
	s.Steps = nil
	s.LastKey = ""
	s.Processing = false
	s.CancelRequested = false
}

func startNext(s *Session) {
	if indexOf(s.Steps, StepRunning) >= 0 {
		return
	}
	if i := indexOf(s.Steps, StepPending); i >= 0 {
		s.Steps[i].Status = StepRunning
	}
}

func indexOf(steps []Step, status StepStatus) int {
	for i, st := range steps {
		if st.Status == status {
			return i
		}
	}
	return -1
}

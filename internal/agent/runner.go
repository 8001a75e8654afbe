// Package agent drives an executing turn: it invokes the serving
// endpoint for the turn's prompt and feeds the outcome back into the
// session state machine as reply and step events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aichemy-agent/internal/config"
	"github.com/nugget/aichemy-agent/internal/endpoint"
	"github.com/nugget/aichemy-agent/internal/envelope"
	"github.com/nugget/aichemy-agent/internal/events"
	"github.com/nugget/aichemy-agent/internal/session"
	"github.com/nugget/aichemy-agent/internal/telemetry"
	"github.com/nugget/aichemy-agent/internal/toolcall"
)

// Invoker calls the agent serving endpoint.
type Invoker interface {
	Invoke(ctx context.Context, req endpoint.Request) (*envelope.Envelope, error)
}

// Sessions is the subset of session.Manager the runner needs.
type Sessions interface {
	GetOrCreate(threadID string) session.Session
	Dispatch(ctx context.Context, threadID string, ev session.Event) (session.Session, session.Transition, error)
}

// ErrNotExecuting is returned by Ask when the submission did not start
// a turn.
var ErrNotExecuting = errors.New("turn did not start")

// Runner executes turns against the serving endpoint.
type Runner struct {
	invoker     Invoker
	sessions    Sessions
	tools       map[string][]string
	allMessages bool
	logger      *slog.Logger
	bus         *events.Bus
	inst        *telemetry.Instruments

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithBus publishes endpoint call events to bus.
func WithBus(bus *events.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithInstruments records spans and tool call metrics.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(r *Runner) { r.inst = inst }
}

// WithAllMessages summarizes tool calls from every extracted text
// rather than only the last.
func WithAllMessages(all bool) Option {
	return func(r *Runner) { r.allMessages = all }
}

// NewRunner creates a Runner. plan supplies the tool patterns used to
// summarize each step.
func NewRunner(invoker Invoker, sessions Sessions, plan []session.PlanStep, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		invoker:  invoker,
		sessions: sessions,
		tools:    make(map[string][]string, len(plan)),
		logger:   logger,
	}
	for _, p := range plan {
		r.tools[p.Name] = p.Tools
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the turn in the background. Wait blocks until every
// started turn has finished.
func (r *Runner) Start(ctx context.Context, threadID string, seq uint64, prompt string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Run(ctx, threadID, seq, prompt); err != nil {
			r.logger.Error("turn failed", "thread_id", threadID, "seq", seq, "error", err)
		}
	}()
}

// Wait blocks until all turns started with Start have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run invokes the endpoint for one turn and dispatches the outcome.
// Endpoint failures do not make Run fail: they become failed steps and
// the fallback reply. The returned session is the last snapshot seen.
func (r *Runner) Run(ctx context.Context, threadID string, seq uint64, prompt string) (session.Session, error) {
	ctx, span := r.inst.StartSpan(ctx, "agent.turn", telemetry.AttrThreadID.String(threadID))
	defer span.End()

	r.logger.Info("invoking agent endpoint", "thread_id", threadID, "seq", seq)
	r.bus.Publish(events.Event{
		Source: events.SourceRunner,
		Kind:   events.KindEndpointCall,
		Thread: threadID,
		Data:   map[string]any{"seq": seq},
	})

	start := time.Now()
	env, callErr := r.invoker.Invoke(ctx, endpoint.Request{ThreadID: threadID, Prompt: prompt})
	elapsed := time.Since(start)

	var texts []string
	if callErr == nil {
		texts = env.Texts()
	}
	records := r.inspect(ctx, threadID, texts)

	done := map[string]any{
		"seq":         seq,
		"ok":          callErr == nil,
		"texts":       len(texts),
		"tool_calls":  len(records),
		"duration_ms": elapsed.Milliseconds(),
	}
	if callErr != nil {
		done["error"] = callErr.Error()
	}
	r.bus.Publish(events.Event{
		Source: events.SourceRunner,
		Kind:   events.KindEndpointDone,
		Thread: threadID,
		Data:   done,
	})

	// The reply is delivered detached from ctx so a shutdown mid-call
	// still closes the turn.
	dctx := context.WithoutCancel(ctx)
	if callErr != nil {
		s, err := r.finishSteps(dctx, threadID, seq, func(string) session.Event {
			return session.StepFailed{Seq: seq, Err: callErr.Error()}
		})
		if err != nil {
			return s, err
		}
		s, _, err = r.sessions.Dispatch(dctx, threadID, session.Reply{Seq: seq})
		return s, err
	}

	s, tr, err := r.sessions.Dispatch(dctx, threadID, session.Reply{Seq: seq, Texts: texts})
	if err != nil || tr.Ignored || tr.Aborted {
		return s, err
	}
	return r.finishSteps(dctx, threadID, seq, func(step string) session.Event {
		return session.StepDone{Seq: seq, Result: r.summarize(step, records)}
	})
}

// finishSteps dispatches one event per unfinished step until the turn
// leaves executing or an event is rejected.
func (r *Runner) finishSteps(ctx context.Context, threadID string, seq uint64, next func(step string) session.Event) (session.Session, error) {
	s := r.sessions.GetOrCreate(threadID)
	for s.State == session.StateExecuting && s.Seq == seq {
		unfinished := s.Unfinished()
		if len(unfinished) == 0 {
			break
		}
		var tr session.Transition
		var err error
		s, tr, err = r.sessions.Dispatch(ctx, threadID, next(unfinished[0]))
		if err != nil {
			return s, err
		}
		if tr.Ignored || tr.Aborted {
			break
		}
	}
	return s, nil
}

// inspect scans the texts the state machine will parse, logging
// diagnostics and counting tool calls.
func (r *Runner) inspect(ctx context.Context, threadID string, texts []string) []toolcall.Record {
	if len(texts) == 0 {
		return nil
	}
	targets := texts[len(texts)-1:]
	if r.allMessages {
		targets = texts
	}

	var records []toolcall.Record
	for i, text := range targets {
		r.logger.Log(ctx, config.LevelTrace, "agent text", "thread_id", threadID, "index", i, "text", text)
		doc := toolcall.Scan(text)
		d := doc.Diagnostics
		if d.NestedContainers > 0 || d.Unterminated || d.Discarded > 0 {
			r.logger.Debug("agent text has irregular markup",
				"thread_id", threadID,
				"containers", d.Containers,
				"reasoning", d.Reasoning,
				"nested", d.NestedContainers,
				"max_depth", d.MaxDepth,
				"unterminated", d.Unterminated,
				"discarded_reasoning", d.Discarded,
			)
		}
		for _, rec := range doc.Records {
			r.inst.RecordToolCall(ctx, rec.Function)
		}
		records = append(records, doc.Records...)
	}
	return records
}

// summarize describes the tool calls matching the step's patterns. A
// step without patterns keeps its description.
func (r *Runner) summarize(step string, records []toolcall.Record) string {
	patterns := r.tools[step]
	if len(patterns) == 0 {
		return ""
	}
	var names []string
	seen := make(map[string]bool)
	count := 0
	for _, rec := range records {
		if !matchAny(patterns, rec.Function) {
			continue
		}
		count++
		if !seen[rec.Function] {
			seen[rec.Function] = true
			names = append(names, rec.Function)
		}
	}
	switch count {
	case 0:
		return "No tool calls"
	case 1:
		return "1 tool call: " + names[0]
	default:
		return fmt.Sprintf("%d tool calls: %s", count, strings.Join(names, ", "))
	}
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Ask submits in on threadID, approves it if needed and runs the turn
// to completion. It is the synchronous path used by the CLI.
func (r *Runner) Ask(ctx context.Context, threadID string, in session.Input) (session.Session, error) {
	r.sessions.GetOrCreate(threadID)
	s, tr, err := r.sessions.Dispatch(ctx, threadID, session.Submit{Input: in})
	if err != nil {
		return s, err
	}
	if tr.Ignored {
		return s, fmt.Errorf("%w: %s", ErrNotExecuting, tr.Reason)
	}
	if s.State == session.StateAwaitingApproval {
		if s, _, err = r.sessions.Dispatch(ctx, threadID, session.Approve{}); err != nil {
			return s, err
		}
	}
	return r.Run(ctx, threadID, s.Seq, in.Prompt)
}

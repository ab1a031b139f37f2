// Package agent implements the reason/act loop that drives a
// conversation turn: the model either answers or requests tools, tool
// results are appended as observations, and the cycle repeats until the
// model answers with no pending tool calls.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"VoiceDesk/internal/session"
	"VoiceDesk/internal/tools"
)

// Persona is the system instruction prefixed to every reasoning step.
// It is never stored in session history.
const Persona = `
You are a professional and helpful Customer Support Agent. Your goal is to assist users with their issues efficiently.
You will operate in a ReAct loop: **Think** about the next step, **Act** by calling a tool if needed, and **Observe** the tool's result.

You have access to two database tools: 'register_customer_issue' and 'get_customer_issues'.

Tool Usage Rules:
1.  **ALWAYS** use the 'register_customer_issue' tool when a user states a new problem or requests to log a ticket. You MUST extract the customer's full name and the full issue description accurately for the tool.
2.  Use 'get_customer_issues' if the user asks for history, checks on past tickets, or inquires about existing issues.
3.  After using a tool, you MUST synthesize the tool output and respond professionally, clearly, and concisely to the user.
`

// Default loop bounds. Both are configurable via Options.
const (
	DefaultMaxCycles = 8
	DefaultDeadline  = 90 * time.Second
)

// ErrLoopLimit reports that the reason/act cycle cap was exceeded
// before the model produced a final answer.
type ErrLoopLimit struct {
	Cycles int
}

func (e *ErrLoopLimit) Error() string {
	return fmt.Sprintf("loop limit exceeded after %d cycles", e.Cycles)
}

// Completer is the chat-completion capability the loop reasons with.
// Implementations receive the full message list plus tool schemas and
// return exactly one assistant message, optionally carrying tool calls.
type Completer interface {
	Complete(ctx context.Context, messages []session.Message, schemas []tools.Schema) (session.Message, error)
}

// Options configure a Loop.
type Options struct {
	Persona   string        // system instruction; Persona when empty
	MaxCycles int           // reason/act cycles per turn; DefaultMaxCycles when <= 0
	Deadline  time.Duration // wall-clock budget per turn; DefaultDeadline when <= 0
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// Loop runs conversation turns. It is a pure function of
// (history, persona, registry, completer): all state lives in the
// history passed in and returned.
type Loop struct {
	completer Completer
	registry  *tools.Registry
	persona   string
	maxCycles int
	deadline  time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a Loop.
func New(completer Completer, registry *tools.Registry, opts Options) *Loop {
	if opts.Persona == "" {
		opts.Persona = Persona
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = DefaultMaxCycles
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("agent")
	}
	return &Loop{
		completer: completer,
		registry:  registry,
		persona:   opts.Persona,
		maxCycles: opts.MaxCycles,
		deadline:  opts.Deadline,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
	}
}

// Run executes one turn: history must already end with the new user
// message. It returns the updated history and the final assistant
// message. On error the input history is returned unchanged so callers
// never commit a partial turn.
func (l *Loop) Run(ctx context.Context, history []session.Message) ([]session.Message, session.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, l.deadline)
	defer cancel()

	ctx, span := l.tracer.Start(ctx, "agent_turn")
	defer span.End()

	updated := make([]session.Message, len(history))
	copy(updated, history)

	for cycle := 1; ; cycle++ {
		if cycle > l.maxCycles {
			l.logger.Error("loop limit exceeded", "cycles", l.maxCycles)
			return history, session.Message{}, &ErrLoopLimit{Cycles: l.maxCycles}
		}

		reply, err := l.reason(ctx, updated, cycle)
		if err != nil {
			return history, session.Message{}, err
		}
		updated = append(updated, reply)

		if len(reply.ToolCalls) == 0 {
			l.logger.Info("turn complete", "cycles", cycle, "messages", len(updated))
			return updated, reply, nil
		}

		observations, err := l.act(ctx, reply.ToolCalls, cycle)
		if err != nil {
			return history, session.Message{}, err
		}
		updated = append(updated, observations...)
	}
}

// reason submits the persona plus history to the model and returns its
// single response message.
func (l *Loop) reason(ctx context.Context, history []session.Message, cycle int) (session.Message, error) {
	ctx, span := l.tracer.Start(ctx, "reasoning_step",
		trace.WithAttributes(attribute.Int("agent.cycle", cycle)))
	defer span.End()

	msgs := make([]session.Message, 0, len(history)+1)
	msgs = append(msgs, session.System(l.persona))
	msgs = append(msgs, history...)

	reply, err := l.completer.Complete(ctx, msgs, l.registry.Schemas())
	if err != nil {
		return session.Message{}, fmt.Errorf("completion: %w", err)
	}
	return reply, nil
}

// act validates and executes every requested tool call, returning one
// tool message per request in request order. Unknown tools fail the
// turn closed; handler failures arrive here already demoted to
// observation text by the registry.
func (l *Loop) act(ctx context.Context, calls []session.ToolCall, cycle int) ([]session.Message, error) {
	ctx, span := l.tracer.Start(ctx, "acting_step",
		trace.WithAttributes(
			attribute.Int("agent.cycle", cycle),
			attribute.Int("agent.tool_calls", len(calls)),
		))
	defer span.End()

	// Validate the whole batch before executing anything, so a turn
	// with one bogus name causes no side effects.
	for _, call := range calls {
		if _, ok := l.registry.Get(call.Name); !ok {
			l.logger.Error("model requested unregistered tool", "tool", call.Name)
			return nil, &tools.ErrUnknownTool{Name: call.Name}
		}
	}

	observations := make([]session.Message, 0, len(calls))
	for _, call := range calls {
		l.logger.Info("invoking tool", "tool", call.Name, "call_id", call.ID)
		result, err := l.registry.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			return nil, err
		}
		observations = append(observations, session.ToolResult(call.ID, result))
	}
	return observations, nil
}

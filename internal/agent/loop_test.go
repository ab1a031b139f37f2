package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"VoiceDesk/internal/session"
	"VoiceDesk/internal/tools"
)

// scriptedCompleter returns canned assistant messages in order.
type scriptedCompleter struct {
	replies []session.Message
	calls   int
	// lastMessages captures what the completer was sent.
	lastMessages []session.Message
}

func (c *scriptedCompleter) Complete(ctx context.Context, messages []session.Message, schemas []tools.Schema) (session.Message, error) {
	c.lastMessages = messages
	if c.calls >= len(c.replies) {
		return session.Message{}, errors.New("no scripted reply left")
	}
	reply := c.replies[c.calls]
	c.calls++
	return reply, nil
}

func assistant(content string, calls ...session.ToolCall) session.Message {
	return session.Message{Role: session.RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now()}
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	r.Register(&tools.Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			s, _ := args["text"].(string)
			return "echo: " + s, nil
		},
	})
	return r
}

func TestRunTerminatesWithoutActing(t *testing.T) {
	completer := &scriptedCompleter{replies: []session.Message{
		assistant("Hello! How can I help?"),
	}}
	loop := New(completer, echoRegistry(t), Options{})

	history := []session.Message{session.User("hi")}
	updated, final, err := loop.Run(context.Background(), history)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Content != "Hello! How can I help?" {
		t.Errorf("unexpected final message: %q", final.Content)
	}
	if len(updated) != 2 {
		t.Errorf("history length: got %d, want 2", len(updated))
	}
	if completer.calls != 1 {
		t.Errorf("completer invoked %d times, want 1", completer.calls)
	}
}

func TestRunPrefixesPersona(t *testing.T) {
	completer := &scriptedCompleter{replies: []session.Message{assistant("ok")}}
	loop := New(completer, echoRegistry(t), Options{Persona: "be terse"})

	if _, _, err := loop.Run(context.Background(), []session.Message{session.User("hi")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(completer.lastMessages) != 2 {
		t.Fatalf("completer saw %d messages, want 2", len(completer.lastMessages))
	}
	first := completer.lastMessages[0]
	if first.Role != session.RoleSystem || first.Content != "be terse" {
		t.Errorf("persona not prefixed: %+v", first)
	}
}

func TestActingAppendsOneObservationPerCall(t *testing.T) {
	completer := &scriptedCompleter{replies: []session.Message{
		assistant("",
			session.ToolCall{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "a"}},
			session.ToolCall{ID: "call_2", Name: "echo", Arguments: map[string]any{"text": "b"}},
			session.ToolCall{ID: "call_3", Name: "echo", Arguments: map[string]any{"text": "c"}},
		),
		assistant("done"),
	}}
	loop := New(completer, echoRegistry(t), Options{})

	updated, final, err := loop.Run(context.Background(), []session.Message{session.User("go")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Content != "done" {
		t.Errorf("unexpected final message: %q", final.Content)
	}

	// user, assistant(tool calls), 3 tool results, assistant(final)
	if len(updated) != 6 {
		t.Fatalf("history length: got %d, want 6", len(updated))
	}
	wantIDs := []string{"call_1", "call_2", "call_3"}
	wantText := []string{"echo: a", "echo: b", "echo: c"}
	for i, want := range wantIDs {
		msg := updated[2+i]
		if msg.Role != session.RoleTool {
			t.Errorf("message %d role: got %q, want tool", 2+i, msg.Role)
		}
		if msg.ToolCallID != want {
			t.Errorf("message %d call id: got %q, want %q", 2+i, msg.ToolCallID, want)
		}
		if msg.Content != wantText[i] {
			t.Errorf("message %d content: got %q, want %q", 2+i, msg.Content, wantText[i])
		}
	}
}

func TestUnknownToolFailsClosed(t *testing.T) {
	completer := &scriptedCompleter{replies: []session.Message{
		assistant("", session.ToolCall{ID: "call_1", Name: "drop_tables"}),
	}}
	loop := New(completer, echoRegistry(t), Options{})

	history := []session.Message{session.User("go")}
	updated, _, err := loop.Run(context.Background(), history)

	var unknown *tools.ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if len(updated) != len(history) {
		t.Errorf("failed turn must not modify history: got %d messages", len(updated))
	}
}

func TestUnknownToolInBatchCausesNoSideEffects(t *testing.T) {
	executed := 0
	r := tools.NewRegistry(nil)
	r.Register(&tools.Tool{
		Name: "count",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed++
			return "counted", nil
		},
	})
	completer := &scriptedCompleter{replies: []session.Message{
		assistant("",
			session.ToolCall{ID: "call_1", Name: "count"},
			session.ToolCall{ID: "call_2", Name: "bogus"},
		),
	}}
	loop := New(completer, r, Options{})

	_, _, err := loop.Run(context.Background(), []session.Message{session.User("go")})
	var unknown *tools.ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if executed != 0 {
		t.Errorf("valid tool ran despite bogus sibling: executed %d times", executed)
	}
}

func TestLoopLimit(t *testing.T) {
	// Completer that always asks for another tool call.
	looping := &loopingCompleter{}
	loop := New(looping, echoRegistry(t), Options{MaxCycles: 3})

	history := []session.Message{session.User("go")}
	updated, _, err := loop.Run(context.Background(), history)

	var limit *ErrLoopLimit
	if !errors.As(err, &limit) {
		t.Fatalf("expected ErrLoopLimit, got %v", err)
	}
	if limit.Cycles != 3 {
		t.Errorf("got %d cycles, want 3", limit.Cycles)
	}
	if looping.calls != 3 {
		t.Errorf("completer invoked %d times, want 3", looping.calls)
	}
	if len(updated) != len(history) {
		t.Errorf("failed turn must not modify history: got %d messages", len(updated))
	}
}

type loopingCompleter struct {
	calls int
}

func (c *loopingCompleter) Complete(ctx context.Context, messages []session.Message, schemas []tools.Schema) (session.Message, error) {
	c.calls++
	return assistant("", session.ToolCall{ID: "again", Name: "echo", Arguments: map[string]any{"text": "x"}}), nil
}

func TestToolFailureContinuesAsObservation(t *testing.T) {
	r := tools.NewRegistry(nil)
	r.Register(&tools.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("backend down")
		},
	})
	completer := &scriptedCompleter{replies: []session.Message{
		assistant("", session.ToolCall{ID: "call_1", Name: "flaky"}),
		assistant("sorry, that failed"),
	}}
	loop := New(completer, r, Options{})

	updated, final, err := loop.Run(context.Background(), []session.Message{session.User("go")})
	if err != nil {
		t.Fatalf("tool failure must not abort the turn: %v", err)
	}
	if final.Content != "sorry, that failed" {
		t.Errorf("unexpected final message: %q", final.Content)
	}
	obs := updated[2]
	if obs.Role != session.RoleTool || obs.ToolCallID != "call_1" {
		t.Fatalf("expected tool observation, got %+v", obs)
	}
	if obs.Content != "Error: backend down" {
		t.Errorf("observation text: %q", obs.Content)
	}
}

func TestCompleterErrorAborts(t *testing.T) {
	completer := &scriptedCompleter{} // no replies: Complete errors immediately
	loop := New(completer, echoRegistry(t), Options{})

	history := []session.Message{session.User("go")}
	updated, _, err := loop.Run(context.Background(), history)
	if err == nil {
		t.Fatal("expected error from completer")
	}
	if len(updated) != len(history) {
		t.Errorf("failed turn must not modify history")
	}
}

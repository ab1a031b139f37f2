// Package tools provides the tool registry and the tools the agent may
// invoke during a conversation.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Tool is a named, schema-typed function the model may request.
// Handlers return human-readable text: results are fed back into the
// model context as observations, never parsed by machines.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Schema is the tool description sent to the model.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ErrUnknownTool is returned when execution targets a tool that is not
// registered. Unlike handler failures, which become observations, this
// indicates the model requested a capability that does not exist and the
// caller should fail the turn closed.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Registry holds the tools available to the agent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool. Re-registering a name replaces the tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, reporting whether it exists.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the tool descriptions for the model, in registration
// order.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schemas = append(schemas, Schema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return schemas
}

// Execute runs a tool by name. Handler failures are demoted to
// error-describing observation text, since the loop has no separate
// error channel for tool execution. The returned error is non-nil only
// for unregistered names.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", &ErrUnknownTool{Name: name}
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return fmt.Sprintf("Error: %v", err), nil
	}
	return result, nil
}

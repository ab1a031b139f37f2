// Package mcp connects the agent to remote Model Context Protocol tool
// servers. Remote tools are surfaced through the same registry as the
// built-in support tools, so the reasoning loop dispatches to them
// without knowing where they run.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"VoiceDesk/internal/tools"
)

const (
	clientName      = "voicedesk"
	clientVersion   = "1.0.0"
	protocolVersion = "2024-11-05"
)

// Client represents a connection to an MCP server.
type Client interface {
	// Initialize performs the protocol handshake.
	Initialize(ctx context.Context) error

	// ListTools returns the tools the server advertises.
	ListTools(ctx context.Context) ([]ToolInfo, error)

	// CallTool invokes a tool and returns its output flattened to a
	// single observation string.
	CallTool(ctx context.Context, toolName string, args map[string]interface{}) (string, error)

	// Close disconnects from the server.
	Close() error

	// Name returns the client identifier.
	Name() string
}

// Connect picks a transport from the URL scheme. ws:// and wss:// use
// a WebSocket connection, anything else plain HTTP.
func Connect(name string, url string, logger *slog.Logger) (Client, error) {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return NewWebSocketClient(name, url, logger)
	}
	return NewHTTPClient(name, url, logger), nil
}

// RegisterRemoteTools performs the handshake with the server and
// registers each advertised tool into the registry. The handlers proxy
// calls to the remote server.
func RegisterRemoteTools(ctx context.Context, registry *tools.Registry, client Client) error {
	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", client.Name(), err)
	}

	remote, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	for _, info := range remote {
		name := info.Name
		registry.Register(&tools.Tool{
			Name:        name,
			Description: info.Description,
			Parameters:  info.InputSchema,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return client.CallTool(ctx, name, args)
			},
		})
	}
	return nil
}

// flattenResult joins the textual content of a tool result into one
// observation string. A result marked as an error becomes a Go error so
// the registry demotes it the same way as a local handler failure.
func flattenResult(result CallToolResult) (string, error) {
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("remote tool failed: %s", text)
	}
	return text, nil
}

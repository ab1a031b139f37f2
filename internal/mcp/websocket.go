package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WebSocketClient implements Client for remote MCP servers reached over
// a WebSocket connection.
type WebSocketClient struct {
	name   string
	url    string
	conn   *websocket.Conn
	reqID  int32
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewWebSocketClient dials the server and returns a connected client.
func NewWebSocketClient(name string, url string, logger *slog.Logger) (*WebSocketClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	client := &WebSocketClient{
		name:   name,
		url:    url,
		conn:   conn,
		logger: logger,
	}

	logger.Info("created MCP WebSocket client", "name", name, "url", url)
	return client, nil
}

// Name returns the client identifier
func (c *WebSocketClient) Name() string {
	return c.name
}

// Initialize performs the protocol handshake.
func (c *WebSocketClient) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo: ClientInfo{
			Name:    clientName,
			Version: clientVersion,
		},
	}

	var result InitializeResult
	if err := c.sendRequest(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	c.logger.Info("MCP server initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// ListTools returns the tools the server advertises.
func (c *WebSocketClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result ListToolsResult
	if err := c.sendRequest(ctx, MethodListTools, nil, &result); err != nil {
		return nil, fmt.Errorf("list tools failed: %w", err)
	}

	c.logger.Info("listed tools from MCP server", "server", c.name, "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a remote tool and flattens its output.
func (c *WebSocketClient) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
	params := CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	var result CallToolResult
	if err := c.sendRequest(ctx, MethodCallTool, params, &result); err != nil {
		return "", fmt.Errorf("call tool failed: %w", err)
	}

	c.logger.Info("called remote tool", "server", c.name, "tool", toolName)
	return flattenResult(result)
}

// Close disconnects from the MCP server
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}

	c.logger.Info("closed MCP WebSocket client", "name", c.name)
	return nil
}

// sendRequest sends a JSON-RPC request over the WebSocket. The mutex
// keeps request/response pairs from interleaving.
func (c *WebSocketClient) sendRequest(ctx context.Context, method string, params interface{}, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	reqID := int(atomic.AddInt32(&c.reqID, 1))

	request := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		c.conn.SetReadDeadline(deadline)
	}

	if err := c.conn.WriteJSON(request); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}

	var response JSONRPCResponse
	if err := c.conn.ReadJSON(&response); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if response.Error != nil {
		return fmt.Errorf("RPC error %d: %s", response.Error.Code, response.Error.Message)
	}

	if result != nil {
		resultJSON, err := json.Marshal(response.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		if err := json.Unmarshal(resultJSON, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return nil
}

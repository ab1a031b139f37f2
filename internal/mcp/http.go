package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPClient implements Client for remote MCP servers reached over HTTP.
type HTTPClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	reqID      int32
	logger     *slog.Logger
}

// NewHTTPClient creates an HTTP-based MCP client.
func NewHTTPClient(name string, baseURL string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := &HTTPClient{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
	logger.Info("created MCP HTTP client", "name", name, "url", baseURL)
	return client
}

// Name returns the client identifier
func (c *HTTPClient) Name() string {
	return c.name
}

// Initialize performs the protocol handshake.
func (c *HTTPClient) Initialize(ctx context.Context) error {
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

	c.logger.Info("MCP server initialized", "server", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	return nil
}

// ListTools returns the tools the server advertises.
func (c *HTTPClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result ListToolsResult
	if err := c.sendRequest(ctx, MethodListTools, nil, &result); err != nil {
		return nil, fmt.Errorf("list tools failed: %w", err)
	}

	c.logger.Info("listed tools from MCP server", "server", c.name, "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a remote tool and flattens its output.
func (c *HTTPClient) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
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
func (c *HTTPClient) Close() error {
	c.logger.Info("closed MCP HTTP client", "name", c.name)
	return nil
}

// sendRequest sends an HTTP JSON-RPC request
func (c *HTTPClient) sendRequest(ctx context.Context, method string, params interface{}, result interface{}) error {
	reqID := int(atomic.AddInt32(&c.reqID, 1))

	request := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	requestJSON, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rpc", bytes.NewBuffer(requestJSON))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(body))
	}

	responseJSON, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var response JSONRPCResponse
	if err := json.Unmarshal(responseJSON, &response); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
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

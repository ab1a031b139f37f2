// Package backend implements the chat-completion capability against the
// Groq API (OpenAI wire format).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"VoiceDesk/internal/session"
	"VoiceDesk/internal/tools"
)

// Defaults match the Groq deployment the service was built against.
const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"
	defaultTimeout = 60 * time.Second
)

// Options configure a Client.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// Client calls the Groq chat completions endpoint. It implements
// agent.Completer.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// NewClient creates a Groq client. A missing API key is a configuration
// error surfaced at construction, not at call time.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("groq API key not set")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("backend")
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("backend")
	}
	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    opts.BaseURL,
		model:      opts.Model,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		meter:      opts.Meter,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete submits the message list plus tool schemas and returns the
// model's single response message.
func (c *Client) Complete(ctx context.Context, messages []session.Message, schemas []tools.Schema) (session.Message, error) {
	ctx, span := c.tracer.Start(ctx, "groq_chat_completion")
	defer span.End()

	start := time.Now()

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    toWireMessages(messages),
		Tools:       toToolSpecs(schemas),
		Temperature: 0,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return session.Message{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return session.Message{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return session.Message{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.Message{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return session.Message{}, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var apiResp ChatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return session.Message{}, fmt.Errorf("unmarshal response: %w", err)
	}

	duration := time.Since(start)
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(duration.Milliseconds()))
	}
	c.recordUsage(ctx, apiResp.Usage)

	if len(apiResp.Choices) == 0 {
		return session.Message{}, fmt.Errorf("empty response from Groq")
	}

	return fromWireMessage(apiResp.Choices[0].Message)
}

// recordUsage exports token usage counters from the API's usage map.
func (c *Client) recordUsage(ctx context.Context, usage map[string]interface{}) {
	for key, value := range usage {
		intVal, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := c.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			c.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(intVal))
	}
}

func toWireMessages(messages []session.Message) []ChatMessage {
	wire := make([]ChatMessage, len(messages))
	for i, msg := range messages {
		wm := ChatMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, WireToolCall{
				ID:   call.ID,
				Type: "function",
				Function: WireFunction{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		wire[i] = wm
	}
	return wire
}

func toToolSpecs(schemas []tools.Schema) []ToolSpec {
	specs := make([]ToolSpec, len(schemas))
	for i, s := range schemas {
		specs[i] = ToolSpec{
			Type: "function",
			Function: FunctionSpec{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		}
	}
	return specs
}

func fromWireMessage(wm ChatMessage) (session.Message, error) {
	msg := session.Message{
		Role:      session.RoleAssistant,
		Content:   wm.Content,
		Timestamp: time.Now(),
	}
	for _, call := range wm.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return session.Message{}, fmt.Errorf("decode tool arguments for %s: %w", call.Function.Name, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return msg, nil
}

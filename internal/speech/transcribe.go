// Package speech provides the speech-to-text and text-to-speech
// capabilities used by the chat endpoint.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Transcriber converts an audio blob into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Transcription defaults for the Groq Whisper endpoint.
const (
	DefaultTranscribeURL   = "https://api.groq.com/openai/v1"
	DefaultTranscribeModel = "whisper-large-v3"
	transcribeTimeout      = 60 * time.Second
)

// WhisperClient transcribes audio via the Groq-hosted Whisper API.
type WhisperClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// WhisperOptions configure a WhisperClient.
type WhisperOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// NewWhisperClient creates a Whisper transcription client. A missing
// API key is a configuration error surfaced at construction.
func NewWhisperClient(opts WhisperOptions) (*WhisperClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("transcription API key not set")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTranscribeURL
	}
	if opts.Model == "" {
		opts.Model = DefaultTranscribeModel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: transcribeTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("speech")
	}
	return &WhisperClient{
		apiKey:     opts.APIKey,
		baseURL:    opts.BaseURL,
		model:      opts.Model,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}, nil
}

// Transcribe uploads the audio and returns the recognized text,
// whitespace-trimmed. Empty text means nothing was recognized.
func (c *WhisperClient) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "whisper_transcription")
	defer span.End()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	text := strings.TrimSpace(string(body))
	c.logger.Info("transcription complete", "chars", len(text))
	return text, nil
}

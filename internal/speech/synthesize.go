package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Synthesizer converts text into an audio blob.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Synthesis defaults for the translate TTS endpoint.
const (
	DefaultSynthesizeURL = "https://translate.google.com/translate_tts"
	DefaultLanguage      = "en"
	synthesizeTimeout    = 30 * time.Second

	// maxChunkLen is the endpoint's per-request text limit. Longer
	// responses are split on word boundaries and the MP3 segments
	// concatenated.
	maxChunkLen = 200
)

// TranslateClient synthesizes speech via the public translate TTS
// endpoint, one chunk per request.
type TranslateClient struct {
	baseURL    string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// TranslateOptions configure a TranslateClient.
type TranslateOptions struct {
	BaseURL    string
	Language   string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// NewTranslateClient creates a TTS client.
func NewTranslateClient(opts TranslateOptions) *TranslateClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultSynthesizeURL
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: synthesizeTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("speech")
	}
	return &TranslateClient{
		baseURL:    opts.BaseURL,
		language:   opts.Language,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}
}

// Synthesize renders text as MP3 audio.
func (c *TranslateClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "speech_synthesis")
	defer span.End()

	chunks := chunkText(text, maxChunkLen)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("nothing to synthesize")
	}

	var audio []byte
	for _, chunk := range chunks {
		segment, err := c.fetchChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		audio = append(audio, segment...)
	}

	c.logger.Info("synthesis complete", "chunks", len(chunks), "bytes", len(audio))
	return audio, nil
}

func (c *TranslateClient) fetchChunk(ctx context.Context, chunk string) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", c.language)
	q.Set("q", chunk)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
	return body, nil
}

// chunkText splits text into pieces of at most limit characters,
// preferring word boundaries. A single word longer than the limit is
// split mid-word.
func chunkText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	for _, word := range strings.Fields(text) {
		for len(word) > limit {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, word[:limit])
			word = word[limit:]
		}
		switch {
		case current.Len() == 0:
			current.WriteString(word)
		case current.Len()+1+len(word) <= limit:
			current.WriteByte(' ')
			current.WriteString(word)
		default:
			chunks = append(chunks, current.String())
			current.Reset()
			current.WriteString(word)
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

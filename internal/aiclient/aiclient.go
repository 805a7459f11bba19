// Package aiclient wraps an OpenAI-compatible chat-completion endpoint
// behind a schema-validated call. The endpoint is typically a local model
// server (Ollama, LM Studio), so the HTTP client accepts self-signed TLS
// certificates — for this client only, never globally.
package aiclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// StructuredResponseError reports that the model never produced a
// response satisfying the schema within the retry budget.
type StructuredResponseError struct {
	Attempts int
	Err      error
}

func (e *StructuredResponseError) Error() string {
	return fmt.Sprintf("structured response failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StructuredResponseError) Unwrap() error { return e.Err }

// Message is a role-tagged chat message.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Schema describes the required shape of the model output: a JSON Schema
// definition sent as the response format, plus a validator applied to the
// raw response before it is accepted.
type Schema struct {
	Name       string
	Definition map[string]any
	Validate   func(data []byte) error
}

// Options tune a single ChatWithSchema call.
type Options struct {
	System      string
	MaxRetries  int // total attempts = MaxRetries + 1
	Temperature float64
	MaxTokens   int
}

// Client issues completion calls against a configured endpoint.
// UpdateConfig may be called concurrently with in-flight calls;
// in-flight calls keep the client they started with.
type Client struct {
	mu  sync.Mutex
	api openai.Client
	cfg types.AIConfig
}

// New creates a Client for the given endpoint configuration.
func New(cfg types.AIConfig) *Client {
	return &Client{api: buildAPI(cfg), cfg: cfg}
}

func buildAPI(cfg types.AIConfig) openai.Client {
	hc := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	opts := []option.RequestOption{
		option.WithBaseURL(cfg.APIURL),
		option.WithHTTPClient(hc),
		// Retries are driven by ChatWithSchema so schema violations and
		// transport failures share one budget.
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		// Local servers ignore the key but the SDK requires one.
		opts = append(opts, option.WithAPIKey("unused"))
	}
	return openai.NewClient(opts...)
}

// UpdateConfig swaps the endpoint configuration. Last writer wins.
func (c *Client) UpdateConfig(cfg types.AIConfig) {
	c.mu.Lock()
	c.api = buildAPI(cfg)
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Client) snapshot() (openai.Client, types.AIConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api, c.cfg
}

// ChatWithSchema performs a completion call and validates the response
// against the schema, retrying immediately on transient failure or
// schema violation up to the configured bound. On exhaustion it returns
// a StructuredResponseError carrying the last underlying cause.
func (c *Client) ChatWithSchema(ctx context.Context, messages []Message, schema Schema, opts Options) (json.RawMessage, error) {
	api, cfg := c.snapshot()

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(cfg.Model),
		Messages: convertMessages(opts.System, messages),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schema.Name,
					Schema: schema.Definition,
					Strict: openai.Bool(true),
				},
			},
		},
	}
	temperature := cfg.Temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	params.Temperature = openai.Float(temperature)
	maxTokens := cfg.MaxTokens
	if opts.MaxTokens != 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	attempts := opts.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &StructuredResponseError{Attempts: attempt - 1, Err: err}
		}

		raw, err := c.complete(ctx, api, params)
		if err == nil {
			if verr := schema.Validate(raw); verr == nil {
				return raw, nil
			} else {
				err = fmt.Errorf("schema validation: %w", verr)
			}
		}

		lastErr = err
		slog.Warn("completion attempt failed", "attempt", attempt, "of", attempts, "error", err)
	}

	return nil, &StructuredResponseError{Attempts: attempts, Err: lastErr}
}

func (c *Client) complete(ctx context.Context, api openai.Client, params openai.ChatCompletionNewParams) (json.RawMessage, error) {
	resp, err := api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}
	content := extractJSON(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("completion returned empty content")
	}
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("completion returned invalid JSON: %.120s", content)
	}
	return json.RawMessage(content), nil
}

// TestConnection issues a minimal completion to verify the endpoint is
// reachable and the model responds.
func (c *Client) TestConnection(ctx context.Context) bool {
	api, cfg := c.snapshot()
	_, err := api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("Hello")},
	})
	if err != nil {
		slog.Warn("connection test failed", "url", cfg.APIURL, "error", err)
		return false
	}
	return true
}

func convertMessages(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// extractJSON strips markdown code fences some local models wrap around
// JSON output despite the response format instruction.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

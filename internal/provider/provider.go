// Package provider implements the model call function the executor drives:
// an OpenAI-compatible chat completions client with per-provider endpoints
// and credentials.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduitml/conduit/internal/executor"
	"github.com/conduitml/conduit/internal/registry"
)

// StatusError captures a non-200 provider response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records the Retry-After header when present, in seconds.
func (e *StatusError) ParseRetryAfter(h string) {
	if h == "" {
		return
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
}

// Endpoint is one provider's API location and credential.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// DefaultEndpoints maps the built-in providers to their public API bases.
// API keys are filled in from configuration.
var DefaultEndpoints = map[string]string{
	"openai":    "https://api.openai.com",
	"anthropic": "https://api.anthropic.com",
	"google":    "https://generativelanguage.googleapis.com",
	"groq":      "https://api.groq.com/openai",
	"mistral":   "https://api.mistral.ai",
	"cohere":    "https://api.cohere.com",
}

// Client calls models over the OpenAI-compatible chat completions wire
// format. It implements executor.Caller.
type Client struct {
	endpoints map[string]Endpoint
	registry  *registry.Registry
	client    *http.Client
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a provider client. endpoints is keyed by provider name; arms
// whose provider has no endpoint fail their calls with a provider error.
func New(reg *registry.Registry, endpoints map[string]Endpoint, opts ...Option) (*Client, error) {
	if reg == nil {
		return nil, fmt.Errorf("provider: registry is required")
	}
	c := &Client{
		endpoints: endpoints,
		registry:  reg,
		client:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Call implements executor.Caller. Failures come back pre-classified so the
// executor's cascade and the learning updates see the right error class.
func (c *Client) Call(ctx context.Context, modelID, prompt string, schema json.RawMessage) (executor.CallResult, error) {
	provider, model, ok := strings.Cut(modelID, ":")
	if !ok {
		return executor.CallResult{}, &executor.ClassifiedError{
			Class: executor.ClassProvider, Model: modelID,
			Err: fmt.Errorf("malformed arm ID %q", modelID),
		}
	}
	ep, ok := c.endpoints[provider]
	if !ok {
		return executor.CallResult{}, &executor.ClassifiedError{
			Class: executor.ClassProvider, Model: modelID,
			Err: fmt.Errorf("no endpoint configured for provider %s", provider),
		}
	}

	payload := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if len(schema) > 0 {
		payload.ResponseFormat = &responseFormat{Type: "json_schema", JSONSchema: schema}
	}

	start := time.Now()
	body, err := c.doRequest(ctx, ep, "/v1/chat/completions", payload)
	latency := time.Since(start)
	if err != nil {
		return executor.CallResult{}, c.classify(modelID, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return executor.CallResult{}, &executor.ClassifiedError{
			Class: executor.ClassSchemaParse, Model: modelID,
			Err: fmt.Errorf("decode response: %w", err),
		}
	}
	if len(parsed.Choices) == 0 {
		return executor.CallResult{}, &executor.ClassifiedError{
			Class: executor.ClassSchemaParse, Model: modelID,
			Err: errors.New("response has no choices"),
		}
	}
	text := parsed.Choices[0].Message.Content
	if len(schema) > 0 && !json.Valid([]byte(text)) {
		return executor.CallResult{}, &executor.ClassifiedError{
			Class: executor.ClassSchemaParse, Model: modelID,
			Err: errors.New("response is not valid JSON for the requested schema"),
		}
	}

	return executor.CallResult{
		Text:    text,
		CostUSD: c.cost(modelID, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
		Latency: latency,
		Tokens:  parsed.Usage.TotalTokens,
	}, nil
}

// doRequest posts a JSON payload and returns the response body, wrapped in a
// client span when tracing is enabled.
func (c *Client) doRequest(ctx context.Context, ep Endpoint, path string, payload any) ([]byte, error) {
	url := strings.TrimRight(ep.BaseURL, "/") + path
	ctx, span := otel.Tracer("conduit.provider").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}

// classify maps transport failures to executor error classes: 429 is a rate
// limit, 5xx and everything unrecognized is a provider error, deadline
// expiry is a timeout.
func (c *Client) classify(modelID string, err error) *executor.ClassifiedError {
	var se *StatusError
	if errors.As(err, &se) {
		class := executor.ClassProvider
		if se.StatusCode == http.StatusTooManyRequests {
			class = executor.ClassRateLimit
		}
		return &executor.ClassifiedError{Class: class, Model: modelID, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &executor.ClassifiedError{Class: executor.ClassTimeout, Model: modelID, Err: err}
	}
	return &executor.ClassifiedError{Class: executor.ClassProvider, Model: modelID, Err: err}
}

// cost prices the call from the registry's per-1K rates. Unknown arms and
// missing usage price at zero.
func (c *Client) cost(modelID string, inTokens, outTokens int) float64 {
	arm, ok := c.registry.ByID(modelID)
	if !ok {
		return 0
	}
	return arm.EstimateCostUSD(inTokens, outTokens)
}

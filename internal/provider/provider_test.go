package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/conduitml/conduit/internal/executor"
	"github.com/conduitml/conduit/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]registry.Arm{
		{Provider: "openai", Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.010, ExpectedQuality: 0.95},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return r
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(testRegistry(t), map[string]Endpoint{
		"openai": {BaseURL: srv.URL, APIKey: "test-key"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func chatBody(content string, inTokens, outTokens int) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		},
	})
	return string(b)
}

func TestCallSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(chatBody("hello back", 1000, 500)))
	})

	res, err := c.Call(context.Background(), "openai:gpt-4o", "hello", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Text != "hello back" {
		t.Errorf("text %q", res.Text)
	}
	if res.Tokens != 1500 {
		t.Errorf("tokens %d, want 1500", res.Tokens)
	}
	// 1000 input at 0.0025/1K plus 500 output at 0.010/1K.
	want := 0.0025 + 0.005
	if diff := res.CostUSD - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost %.6f, want %.6f", res.CostUSD, want)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("path %q", gotPath)
	}
	if gotReq.Model != "gpt-4o" || len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "hello" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestCallRateLimitClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := c.Call(context.Background(), "openai:gpt-4o", "hi", nil)
	var ce *executor.ClassifiedError
	if !errors.As(err, &ce) || ce.Class != executor.ClassRateLimit {
		t.Fatalf("err = %v, want rate_limit", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.RetryAfter.Seconds() != 30 {
		t.Errorf("retry-after not parsed: %v", err)
	}
}

func TestCallServerErrorClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := c.Call(context.Background(), "openai:gpt-4o", "hi", nil)
	var ce *executor.ClassifiedError
	if !errors.As(err, &ce) || ce.Class != executor.ClassProvider {
		t.Fatalf("err = %v, want provider_error", err)
	}
}

func TestCallMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := c.Call(context.Background(), "openai:gpt-4o", "hi", nil)
	var ce *executor.ClassifiedError
	if !errors.As(err, &ce) || ce.Class != executor.ClassSchemaParse {
		t.Fatalf("err = %v, want schema_parse", err)
	}
}

func TestCallSchemaEnforced(t *testing.T) {
	reply := `{"answer": 42}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" {
			t.Errorf("response_format not forwarded: %+v", req.ResponseFormat)
		}
		w.Write([]byte(chatBody(reply, 10, 5)))
	})

	schema := json.RawMessage(`{"type":"object"}`)
	res, err := c.Call(context.Background(), "openai:gpt-4o", "hi", schema)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Text != reply {
		t.Errorf("text %q", res.Text)
	}
}

func TestCallSchemaViolationClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatBody("plain prose, not JSON", 10, 5)))
	})

	_, err := c.Call(context.Background(), "openai:gpt-4o", "hi", json.RawMessage(`{"type":"object"}`))
	var ce *executor.ClassifiedError
	if !errors.As(err, &ce) || ce.Class != executor.ClassSchemaParse {
		t.Fatalf("err = %v, want schema_parse", err)
	}
}

func TestCallUnconfiguredProvider(t *testing.T) {
	c, err := New(testRegistry(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Call(context.Background(), "anthropic:claude-3-haiku", "hi", nil)
	var ce *executor.ClassifiedError
	if !errors.As(err, &ce) || ce.Class != executor.ClassProvider {
		t.Fatalf("err = %v, want provider_error", err)
	}
}

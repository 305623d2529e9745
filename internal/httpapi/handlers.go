package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conduitml/conduit/internal/conduit"
	"github.com/conduitml/conduit/internal/routing"
)

// maxPromptBytes bounds the request body to keep a single query from
// exhausting memory (1 MB).
const maxPromptBytes = 1 << 20

// CompleteRequest is the JSON body for the /v1/complete endpoint.
type CompleteRequest struct {
	Prompt      string              `json:"prompt"`
	UserID      string              `json:"user_id,omitempty"`
	Constraints routing.Constraints `json:"constraints"`
	Schema      json.RawMessage     `json:"schema,omitempty"`
}

// CompleteResponse is the JSON body returned by /v1/complete.
type CompleteResponse struct {
	QueryID       string   `json:"query_id"`
	ResponseID    string   `json:"response_id"`
	Text          string   `json:"text"`
	ModelUsed     string   `json:"model_used"`
	WasFallback   bool     `json:"was_fallback"`
	OriginalModel string   `json:"original_model"`
	FailedModels  []string `json:"failed_models,omitempty"`
	FallbackChain []string `json:"fallback_chain,omitempty"`
	CostUSD       float64  `json:"cost_usd"`
	LatencyMs     int64    `json:"latency_ms"`
	Tokens        int      `json:"tokens"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	Phase         int      `json:"phase,omitempty"`
}

// FeedbackBody is the JSON body for the /v1/feedback endpoint.
type FeedbackBody struct {
	ResponseID string  `json:"response_id"`
	Quality    float64 `json:"quality"`
	Comment    string  `json:"comment,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func jsonError(w http.ResponseWriter, err error) {
	code := conduit.Code(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(code))
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Code: code})
}

// statusFor maps service error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case conduit.CodeValidation, conduit.CodeAnalysisFailed:
		return http.StatusBadRequest
	case conduit.CodeRoutingFailed:
		return http.StatusUnprocessableEntity
	case conduit.CodeAllModelsFailed, conduit.CodeExecutionFailed:
		return http.StatusBadGateway
	case conduit.CodeBreakerOpen:
		return http.StatusServiceUnavailable
	case conduit.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func CompleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req CompleteRequest
		body := http.MaxBytesReader(w, r.Body, maxPromptBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			jsonError(w, &conduit.ValidationError{Field: "body", Reason: "bad json"})
			return
		}

		c, err := d.Service.Complete(r.Context(), conduit.CompleteRequest{
			Prompt:      req.Prompt,
			UserID:      req.UserID,
			Constraints: req.Constraints,
			Schema:      req.Schema,
		})
		if err != nil {
			recordFailure(d, err)
			jsonError(w, err)
			return
		}
		recordCompletion(d, c, time.Since(start))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(CompleteResponse{
			QueryID:       c.QueryID,
			ResponseID:    c.ResponseID,
			Text:          c.Text,
			ModelUsed:     c.ModelUsed,
			WasFallback:   c.WasFallback,
			OriginalModel: c.OriginalModel,
			FailedModels:  c.FailedModels,
			FallbackChain: c.FallbackChain,
			CostUSD:       c.CostUSD,
			LatencyMs:     c.Latency.Milliseconds(),
			Tokens:        c.Tokens,
			Confidence:    c.Confidence,
			Reasoning:     c.Reasoning,
			Phase:         c.Phase,
		})
	}
}

func FeedbackHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body FeedbackBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, &conduit.ValidationError{Field: "body", Reason: "bad json"})
			return
		}
		err := d.Service.Feedback(r.Context(), conduit.FeedbackRequest{
			ResponseID: body.ResponseID,
			Quality:    body.Quality,
			Comment:    body.Comment,
		})
		if err != nil {
			jsonError(w, err)
			return
		}
		if d.Metrics != nil {
			d.Metrics.FeedbackTotal.Inc()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := d.Service.Stats()
		out := map[string]any{
			"algorithm":       report.Algorithm,
			"arms":            report.Arms,
			"state_conflicts": report.StateConflicts,
			"registry":        d.Registry.Stats(),
		}
		if report.Phase != 0 {
			out["phase"] = report.Phase
			out["query_count"] = report.QueryCount
		}
		if d.Breakers != nil {
			states := map[string]string{}
			for provider, st := range d.Breakers.States() {
				states[provider] = st.String()
			}
			out["breakers"] = states
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Registry.All())
	}
}

func recordCompletion(d Dependencies, c conduit.Completion, total time.Duration) {
	if d.Metrics == nil {
		return
	}
	provider, model := splitArm(c.ModelUsed)
	d.Metrics.RequestsTotal.WithLabelValues(model, provider, "200").Inc()
	d.Metrics.RequestLatency.WithLabelValues(model, provider).Observe(float64(total.Milliseconds()))
	d.Metrics.CostUSD.WithLabelValues(model, provider).Add(c.CostUSD)
	d.Metrics.RoutingDecisions.WithLabelValues(c.OriginalModel, strconv.Itoa(c.Phase)).Inc()
	d.Metrics.BanditPhase.Set(float64(c.Phase))
	d.Metrics.ArmPulls.WithLabelValues(c.ModelUsed).Inc()
	for _, m := range c.FailedModels {
		d.Metrics.ArmPulls.WithLabelValues(m).Inc()
	}
	if c.WasFallback {
		d.Metrics.FallbacksTotal.WithLabelValues(c.OriginalModel, c.ModelUsed).Inc()
	}
}

func recordFailure(d Dependencies, err error) {
	if d.Metrics == nil {
		return
	}
	status := strconv.Itoa(statusFor(conduit.Code(err)))
	d.Metrics.RequestsTotal.WithLabelValues("", "", status).Inc()
}

// splitArm breaks a "provider:model" arm ID into its halves.
func splitArm(armID string) (provider, model string) {
	if p, m, ok := strings.Cut(armID, ":"); ok {
		return p, m
	}
	return "", armID
}

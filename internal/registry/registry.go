// Package registry holds the immutable catalog of candidate model arms.
// The catalog is loaded once at startup and never mutated afterwards, so it
// needs no synchronization.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Arm is one candidate LLM backend. Identity is "provider:model".
type Arm struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	InputPer1K      float64 `json:"input_per_1k"`  // USD per 1K input tokens
	OutputPer1K     float64 `json:"output_per_1k"` // USD per 1K output tokens
	ExpectedQuality float64 `json:"expected_quality"`
}

// AvgCostPer1K returns the blended per-1K cost used for filtering and
// fallback ranking.
func (a Arm) AvgCostPer1K() float64 {
	return (a.InputPer1K + a.OutputPer1K) / 2
}

// EstimateCostUSD estimates the cost of a call with the given input token
// count, assuming a fixed output allowance.
func (a Arm) EstimateCostUSD(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)/1000.0)*a.InputPer1K + (float64(outputTokens)/1000.0)*a.OutputPer1K
}

// Registry is the immutable arm catalog.
type Registry struct {
	arms map[string]Arm
	ids  []string // sorted, for deterministic iteration
}

// New validates the given arms and builds a registry. Arm IDs must be unique,
// costs strictly positive, and quality within [0, 1].
func New(arms []Arm) (*Registry, error) {
	if len(arms) == 0 {
		return nil, fmt.Errorf("registry: no arms configured")
	}
	byID := make(map[string]Arm, len(arms))
	ids := make([]string, 0, len(arms))
	for _, a := range arms {
		if a.Provider == "" || a.Model == "" {
			return nil, fmt.Errorf("registry: arm missing provider or model: %+v", a)
		}
		if a.ID == "" {
			a.ID = a.Provider + ":" + a.Model
		}
		if _, dup := byID[a.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate arm id %q", a.ID)
		}
		if a.InputPer1K <= 0 || a.OutputPer1K <= 0 {
			return nil, fmt.Errorf("registry: arm %q has non-positive cost", a.ID)
		}
		if a.ExpectedQuality < 0 || a.ExpectedQuality > 1 {
			return nil, fmt.Errorf("registry: arm %q quality %f outside [0,1]", a.ID, a.ExpectedQuality)
		}
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return &Registry{arms: byID, ids: ids}, nil
}

// pricingEntry is one model's entry in the JSON pricing input
// (provider -> model -> {input, output, quality}).
type pricingEntry struct {
	Input   float64 `json:"input"`
	Output  float64 `json:"output"`
	Quality float64 `json:"quality"`
}

// Load builds a registry from a JSON pricing catalog.
func Load(r io.Reader) (*Registry, error) {
	var pricing map[string]map[string]pricingEntry
	if err := json.NewDecoder(r).Decode(&pricing); err != nil {
		return nil, fmt.Errorf("registry: decode pricing: %w", err)
	}
	return FromPricing(pricing)
}

// FromPricing builds a registry from a provider -> model -> pricing mapping.
func FromPricing(pricing map[string]map[string]pricingEntry) (*Registry, error) {
	var arms []Arm
	for provider, models := range pricing {
		for model, p := range models {
			arms = append(arms, Arm{
				Provider:        provider,
				Model:           model,
				InputPer1K:      p.Input,
				OutputPer1K:     p.Output,
				ExpectedQuality: p.Quality,
			})
		}
	}
	return New(arms)
}

// defaultPricing is the built-in catalog, used when no pricing file is
// configured. Costs are USD per 1K tokens.
var defaultPricing = map[string]map[string]pricingEntry{
	"openai": {
		"gpt-4o":        {Input: 0.0025, Output: 0.010, Quality: 0.95},
		"gpt-4o-mini":   {Input: 0.00015, Output: 0.0006, Quality: 0.85},
		"gpt-4-turbo":   {Input: 0.010, Output: 0.030, Quality: 0.94},
		"gpt-3.5-turbo": {Input: 0.0005, Output: 0.0015, Quality: 0.78},
	},
	"anthropic": {
		"claude-3-5-sonnet": {Input: 0.003, Output: 0.015, Quality: 0.96},
		"claude-3-opus":     {Input: 0.015, Output: 0.075, Quality: 0.97},
		"claude-3-haiku":    {Input: 0.00025, Output: 0.00125, Quality: 0.82},
	},
	"google": {
		"gemini-1.5-pro":   {Input: 0.00125, Output: 0.005, Quality: 0.93},
		"gemini-1.5-flash": {Input: 0.000075, Output: 0.0003, Quality: 0.80},
		"gemini-1.0-pro":   {Input: 0.0005, Output: 0.0015, Quality: 0.75},
	},
	"groq": {
		"llama-3.1-70b": {Input: 0.00059, Output: 0.00079, Quality: 0.84},
		"llama-3.1-8b":  {Input: 0.00005, Output: 0.00008, Quality: 0.70},
		"mixtral-8x7b":  {Input: 0.00024, Output: 0.00024, Quality: 0.76},
	},
	"mistral": {
		"mistral-large": {Input: 0.002, Output: 0.006, Quality: 0.90},
		"mistral-small": {Input: 0.0002, Output: 0.0006, Quality: 0.77},
		"codestral":     {Input: 0.0002, Output: 0.0006, Quality: 0.81},
	},
	"cohere": {
		"command-r-plus": {Input: 0.0025, Output: 0.010, Quality: 0.88},
		"command-r":      {Input: 0.00015, Output: 0.0006, Quality: 0.79},
	},
}

// Default returns the built-in registry. Panics only on a programming error
// in the built-in table, which is covered by tests.
func Default() *Registry {
	r, err := FromPricing(defaultPricing)
	if err != nil {
		panic(fmt.Sprintf("registry: invalid built-in pricing: %v", err))
	}
	return r
}

// All returns every arm, ordered by ID.
func (r *Registry) All() []Arm {
	arms := make([]Arm, 0, len(r.ids))
	for _, id := range r.ids {
		arms = append(arms, r.arms[id])
	}
	return arms
}

// IDs returns all arm IDs in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// ByID looks up an arm by its "provider:model" identity.
func (r *Registry) ByID(id string) (Arm, bool) {
	a, ok := r.arms[id]
	return a, ok
}

// ByProvider returns all arms for the given provider, ordered by ID.
func (r *Registry) ByProvider(provider string) []Arm {
	var arms []Arm
	for _, id := range r.ids {
		if a := r.arms[id]; a.Provider == provider {
			arms = append(arms, a)
		}
	}
	return arms
}

// FilterOptions narrows the catalog. Zero values mean "no constraint".
type FilterOptions struct {
	MinQuality   float64
	MaxAvgCost   float64  // per-1K blended cost ceiling
	Providers    []string // allow-list; empty = all
}

// Filter returns arms satisfying all the given constraints, ordered by ID.
func (r *Registry) Filter(opts FilterOptions) []Arm {
	allowed := map[string]bool{}
	for _, p := range opts.Providers {
		allowed[p] = true
	}
	var arms []Arm
	for _, id := range r.ids {
		a := r.arms[id]
		if len(allowed) > 0 && !allowed[a.Provider] {
			continue
		}
		if opts.MinQuality > 0 && a.ExpectedQuality < opts.MinQuality {
			continue
		}
		if opts.MaxAvgCost > 0 && a.AvgCostPer1K() > opts.MaxAvgCost {
			continue
		}
		arms = append(arms, a)
	}
	return arms
}

// Stats summarizes the catalog for diagnostics endpoints.
type Stats struct {
	TotalArms     int            `json:"total_arms"`
	Providers     map[string]int `json:"providers"`
	MinAvgCost    float64        `json:"min_avg_cost_per_1k"`
	MaxAvgCost    float64        `json:"max_avg_cost_per_1k"`
	MinQuality    float64        `json:"min_quality"`
	MaxQuality    float64        `json:"max_quality"`
}

// Stats returns catalog summary statistics.
func (r *Registry) Stats() Stats {
	s := Stats{TotalArms: len(r.ids), Providers: make(map[string]int)}
	first := true
	for _, id := range r.ids {
		a := r.arms[id]
		s.Providers[a.Provider]++
		cost := a.AvgCostPer1K()
		if first {
			s.MinAvgCost, s.MaxAvgCost = cost, cost
			s.MinQuality, s.MaxQuality = a.ExpectedQuality, a.ExpectedQuality
			first = false
			continue
		}
		if cost < s.MinAvgCost {
			s.MinAvgCost = cost
		}
		if cost > s.MaxAvgCost {
			s.MaxAvgCost = cost
		}
		if a.ExpectedQuality < s.MinQuality {
			s.MinQuality = a.ExpectedQuality
		}
		if a.ExpectedQuality > s.MaxQuality {
			s.MaxQuality = a.ExpectedQuality
		}
	}
	return s
}

// Package analyzer turns query text into the feature vector the contextual
// policies consume: a dense embedding plus token, complexity and domain
// scalars.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// EmbeddingDim is the dense embedding width. The full context vector is
// EmbeddingDim + 3 (token count, complexity, domain confidence).
const EmbeddingDim = 384

// ContextDim is the width of the vector fed to contextual policies.
const ContextDim = EmbeddingDim + 3

// tokenCountCeiling bounds the normalized token scalar in the context vector
// so it stays on the same scale as the embedding components.
const tokenCountCeiling = 4096

// Embedder maps text to a fixed-width dense vector. Implementations must be
// deterministic for a fixed model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float64, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float64, error) {
	return f(ctx, text)
}

// Features is the analyzed form of one query.
type Features struct {
	Embedding        []float64 `json:"embedding"`
	TokenCount       int       `json:"token_count"`
	ComplexityScore  float64   `json:"complexity_score"`
	Domain           string    `json:"domain"`
	DomainConfidence float64   `json:"domain_confidence"`
}

// Vector returns the context vector for contextual policies: the embedding
// followed by normalized token count, complexity and domain confidence.
func (f Features) Vector() []float64 {
	v := make([]float64, 0, len(f.Embedding)+3)
	v = append(v, f.Embedding...)
	tokens := float64(f.TokenCount) / tokenCountCeiling
	if tokens > 1 {
		tokens = 1
	}
	v = append(v, tokens, f.ComplexityScore, f.DomainConfidence)
	return v
}

// AnalysisError wraps a failure while extracting features. It is not
// retryable; callers propagate it.
type AnalysisError struct {
	Stage string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed at %s: %v", e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Analyzer extracts features from query text, with an optional TTL cache
// keyed by the hash of the trimmed text.
type Analyzer struct {
	embedder     Embedder
	dim          int
	cache        *featureCache
	logger       *slog.Logger
	embedTimeout time.Duration
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithCache enables feature caching with the given TTL and entry cap.
func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(a *Analyzer) {
		a.cache = newFeatureCache(ttl, maxEntries)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithEmbedTimeout bounds a single embedding call. Defaults to 5 seconds.
func WithEmbedTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.embedTimeout = d }
}

// New builds an Analyzer over the given embedder. A nil embedder falls back
// to the deterministic hash embedder.
func New(embedder Embedder, opts ...Option) *Analyzer {
	a := &Analyzer{
		embedder:     embedder,
		embedTimeout: 5 * time.Second,
	}
	if a.embedder == nil {
		a.embedder = NewHashEmbedder(EmbeddingDim)
	}
	a.dim = EmbeddingDim
	if d, ok := a.embedder.(interface{ Dim() int }); ok {
		a.dim = d.Dim()
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// ContextDim is the width of the context vectors this analyzer produces:
// the embedding plus the three scalar features.
func (a *Analyzer) ContextDim() int { return a.dim + 3 }

// Analyze extracts features from text. Empty or whitespace-only text is an
// AnalysisError.
func (a *Analyzer) Analyze(ctx context.Context, text string) (Features, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Features{}, &AnalysisError{Stage: "validate", Err: fmt.Errorf("empty query text")}
	}

	if a.cache != nil {
		if f, ok := a.cache.get(trimmed); ok {
			return f, nil
		}
	}

	embedCtx, cancel := context.WithTimeout(ctx, a.embedTimeout)
	defer cancel()
	embedding, err := a.embedder.Embed(embedCtx, trimmed)
	if err != nil {
		return Features{}, &AnalysisError{Stage: "embed", Err: err}
	}
	if len(embedding) != a.dim {
		return Features{}, &AnalysisError{
			Stage: "embed",
			Err:   fmt.Errorf("embedding has %d dims, want %d", len(embedding), a.dim),
		}
	}

	domain, confidence := classifyDomain(trimmed)
	f := Features{
		Embedding:        embedding,
		TokenCount:       EstimateTokens(trimmed),
		ComplexityScore:  complexityScore(trimmed),
		Domain:           domain,
		DomainConfidence: confidence,
	}

	if a.cache != nil {
		a.cache.put(trimmed, f)
	}
	a.logger.Debug("query analyzed",
		"tokens", f.TokenCount,
		"complexity", f.ComplexityScore,
		"domain", f.Domain,
	)
	return f, nil
}

// EstimateTokens approximates the token count of text. The 4-chars-per-token
// heuristic tracks common BPE tokenizers closely enough for cost estimation.
func EstimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	tokens := (n + 3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// complexityScore blends length, sentence structure and vocabulary cues into
// a [0,1] score.
func complexityScore(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	// Length component saturates around 400 words.
	lengthScore := math.Min(float64(len(words))/400.0, 1.0)

	// Average sentence length, saturating around 30 words per sentence.
	sentences := countSentences(text)
	avgSentence := float64(len(words)) / float64(sentences)
	sentenceScore := math.Min(avgSentence/30.0, 1.0)

	// Vocabulary richness: distinct lowercase words over total.
	seen := make(map[string]struct{}, len(words))
	longWords := 0
	for _, w := range words {
		seen[strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))] = struct{}{}
		if len(w) > 8 {
			longWords++
		}
	}
	vocabScore := float64(len(seen)) / float64(len(words))
	longScore := math.Min(float64(longWords)/float64(len(words))*4.0, 1.0)

	score := 0.35*lengthScore + 0.25*sentenceScore + 0.2*vocabScore + 0.2*longScore
	return clamp01(score)
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// domainKeywords drive the coarse domain classifier. Order matters only for
// deterministic tie-breaking, handled by sorted iteration in classifyDomain.
var domainKeywords = map[string][]string{
	"code": {
		"function", "code", "bug", "compile", "debug", "api", "error", "stack",
		"python", "golang", "javascript", "sql", "class", "method", "variable",
		"regex", "algorithm", "refactor", "implement",
	},
	"math": {
		"calculate", "equation", "integral", "derivative", "probability",
		"matrix", "theorem", "proof", "solve", "sum", "average", "percent",
	},
	"creative": {
		"story", "poem", "write", "creative", "character", "plot", "essay",
		"song", "fiction", "imagine", "describe",
	},
	"business": {
		"market", "revenue", "customer", "strategy", "sales", "budget",
		"invoice", "contract", "meeting", "roadmap", "stakeholder",
	},
	"science": {
		"experiment", "hypothesis", "molecule", "cell", "physics", "chemistry",
		"biology", "quantum", "energy", "species", "climate",
	},
}

// classifyDomain assigns a coarse domain tag with a confidence in [0,1].
// Unmatched text falls back to "general" with low confidence.
func classifyDomain(text string) (string, float64) {
	lower := strings.ToLower(text)
	wordCount := len(strings.Fields(lower))
	if wordCount == 0 {
		return "general", 0
	}

	bestDomain := "general"
	bestHits := 0
	for _, domain := range sortedDomains() {
		hits := 0
		for _, kw := range domainKeywords[domain] {
			if containsWord(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestDomain = domain
		}
	}
	if bestHits == 0 {
		return "general", 0.3
	}
	confidence := clamp01(0.5 + float64(bestHits)*0.1)
	return bestDomain, confidence
}

var domainOrder = func() []string {
	out := make([]string, 0, len(domainKeywords))
	for d := range domainKeywords {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}()

func sortedDomains() []string { return domainOrder }

// containsWord reports whether w appears in text on a word boundary.
func containsWord(text, w string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], w)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(w)
		beforeOK := start == 0 || !isWordRune(rune(text[start-1]))
		afterOK := end == len(text) || !isWordRune(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

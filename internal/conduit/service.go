package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitml/conduit/internal/analyzer"
	"github.com/conduitml/conduit/internal/bandit"
	"github.com/conduitml/conduit/internal/executor"
	"github.com/conduitml/conduit/internal/hybrid"
	"github.com/conduitml/conduit/internal/registry"
	"github.com/conduitml/conduit/internal/routing"
	"github.com/conduitml/conduit/internal/state"
)

// CompleteRequest is one end-to-end completion request.
type CompleteRequest struct {
	Prompt      string
	UserID      string
	Constraints routing.Constraints
	Schema      json.RawMessage
}

// Completion is the result of a served request, including the routing trail.
type Completion struct {
	QueryID       string        `json:"query_id"`
	ResponseID    string        `json:"response_id"`
	Text          string        `json:"text"`
	ModelUsed     string        `json:"model_used"`
	WasFallback   bool          `json:"was_fallback"`
	OriginalModel string        `json:"original_model"`
	FailedModels  []string      `json:"failed_models,omitempty"`
	FallbackChain []string      `json:"fallback_chain,omitempty"`
	CostUSD       float64       `json:"cost_usd"`
	Latency       time.Duration `json:"latency"`
	Tokens        int           `json:"tokens"`
	Confidence    float64       `json:"confidence"`
	Reasoning     string        `json:"reasoning"`
	Phase         int           `json:"phase"`
}

// FeedbackRequest attaches user-judged quality to an earlier response.
type FeedbackRequest struct {
	ResponseID string
	Quality    float64
	Comment    string
}

// StatsReport is the service-wide learning view.
type StatsReport struct {
	Algorithm      string                     `json:"algorithm"`
	Phase          int                        `json:"phase,omitempty"`
	QueryCount     int                        `json:"query_count,omitempty"`
	Arms           map[string]bandit.ArmStats `json:"arms"`
	StateConflicts int64                      `json:"state_conflicts"`
}

// Params wires a Service. Registry, Analyzer, Engine, Policy and Executor
// are required; Store is optional (nil disables persistence and feedback).
type Params struct {
	Registry      *registry.Registry
	Analyzer      *analyzer.Analyzer
	Engine        *routing.Engine
	Policy        bandit.Policy
	Executor      *executor.Executor
	Store         *state.Store
	Rewards       *bandit.RewardComputer
	RouterID      string
	PersistEveryK int
	Logger        *slog.Logger
}

// Service is the completion façade. All learning updates flow through it so
// attribution stays consistent: every attempted arm gets exactly one update
// per request.
type Service struct {
	registry      *registry.Registry
	analyzer      *analyzer.Analyzer
	engine        *routing.Engine
	policy        bandit.Policy
	executor      *executor.Executor
	store         *state.Store
	rewards       *bandit.RewardComputer
	routerID      string
	persistEveryK int
	logger        *slog.Logger

	mu          sync.Mutex
	completions int
}

// New builds the service façade.
func New(p Params) (*Service, error) {
	if p.Registry == nil || p.Analyzer == nil || p.Engine == nil || p.Policy == nil || p.Executor == nil {
		return nil, &ConfigurationError{Field: "service", Reason: "registry, analyzer, engine, policy and executor are required"}
	}
	if p.Rewards == nil {
		rc, err := bandit.NewRewardComputer(bandit.DefaultWeights, 0)
		if err != nil {
			return nil, err
		}
		p.Rewards = rc
	}
	if p.RouterID == "" {
		p.RouterID = "conduit"
	}
	if p.PersistEveryK <= 0 {
		p.PersistEveryK = 1
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Service{
		registry:      p.Registry,
		analyzer:      p.Analyzer,
		engine:        p.Engine,
		policy:        p.Policy,
		executor:      p.Executor,
		store:         p.Store,
		rewards:       p.Rewards,
		routerID:      p.RouterID,
		persistEveryK: p.PersistEveryK,
		logger:        p.Logger,
	}, nil
}

// LoadState restores the policy from persisted state, if any exists.
func (s *Service) LoadState(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	payload, _, found, err := s.loadSnapshot(ctx)
	if err != nil {
		return &DatabaseError{Op: "load state", Err: err}
	}
	if !found {
		return nil
	}
	if err := s.policy.Restore(payload); err != nil {
		return fmt.Errorf("restore policy: %w", err)
	}
	s.logger.Info("restored policy state", "router_id", s.routerID, "algorithm", s.policy.Name())
	return nil
}

// Complete runs the full pipeline: analyze, route, execute, learn, persist.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (Completion, error) {
	if req.Prompt == "" {
		return Completion{}, &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}

	queryID := uuid.NewString()
	q := routing.Query{
		ID:          queryID,
		Text:        req.Prompt,
		UserID:      req.UserID,
		Constraints: req.Constraints,
		CreatedAt:   time.Now().UTC(),
	}
	if s.store != nil {
		constraints, _ := json.Marshal(req.Constraints)
		err := s.store.InsertQuery(ctx, state.QueryRecord{
			ID:          q.ID,
			UserID:      q.UserID,
			Text:        q.Text,
			Constraints: string(constraints),
			CreatedAt:   q.CreatedAt,
		})
		if err != nil {
			return Completion{}, &DatabaseError{Op: "insert query", Err: err}
		}
	}

	d, err := s.engine.Route(ctx, q)
	if err != nil {
		return Completion{}, err
	}

	res, err := s.executor.Execute(ctx, d, req.Prompt, req.Schema)
	if err != nil {
		// A total failure still teaches: every attempted arm takes a
		// failure update. Gated-only executions made no attempts.
		var amf *executor.AllModelsFailedError
		if errors.As(err, &amf) {
			vector := d.Features.Vector()
			for _, a := range amf.Attempts {
				s.updateArm(d.Phase, s.failureFeedback(a.Model), vector)
			}
			s.afterUpdates(ctx, len(amf.Attempts))
		}
		return Completion{}, err
	}

	vector := d.Features.Vector()
	for _, a := range res.Failures {
		s.updateArm(d.Phase, s.failureFeedback(a.Model), vector)
	}

	quality := s.proxyQuality(res.ModelUsed)
	reward := s.rewards.Compute(res.ModelUsed, bandit.Outcome{
		Quality: quality,
		CostUSD: res.Response.CostUSD,
		Latency: res.Response.Latency,
	})
	s.updateArm(d.Phase, bandit.Feedback{
		ArmID:   res.ModelUsed,
		Reward:  reward,
		CostUSD: res.Response.CostUSD,
		Quality: quality,
	}, vector)

	responseID := uuid.NewString()
	if s.store != nil {
		err := s.store.SaveInteraction(ctx,
			state.DecisionRecord{
				ID:            d.ID,
				QueryID:       q.ID,
				SelectedModel: d.SelectedModel,
				FallbackChain: d.FallbackChain,
				Confidence:    d.Confidence,
				Reasoning:     d.Reasoning,
				Phase:         d.Phase,
				CreatedAt:     d.CreatedAt,
			},
			state.ResponseRecord{
				ID:        responseID,
				QueryID:   q.ID,
				Model:     res.ModelUsed,
				Text:      res.Response.Text,
				CostUSD:   res.Response.CostUSD,
				Latency:   res.Response.Latency,
				Tokens:    res.Response.Tokens,
				CreatedAt: time.Now().UTC(),
			}, nil)
		if err != nil {
			return Completion{}, &DatabaseError{Op: "save interaction", Err: err}
		}
	}
	s.afterUpdates(ctx, len(res.Failures)+1)

	return Completion{
		QueryID:       q.ID,
		ResponseID:    responseID,
		Text:          res.Response.Text,
		ModelUsed:     res.ModelUsed,
		WasFallback:   res.WasFallback,
		OriginalModel: res.OriginalModel,
		FailedModels:  res.FailedModels,
		FallbackChain: d.FallbackChain,
		CostUSD:       res.Response.CostUSD,
		Latency:       res.Response.Latency,
		Tokens:        res.Response.Tokens,
		Confidence:    d.Confidence,
		Reasoning:     d.Reasoning,
		Phase:         d.Phase,
	}, nil
}

// Feedback replays a stored response through the reward blend with the
// user's quality judgment and updates the policy that made the decision.
func (s *Service) Feedback(ctx context.Context, req FeedbackRequest) error {
	if req.ResponseID == "" {
		return &ValidationError{Field: "response_id", Reason: "must not be empty"}
	}
	if req.Quality < 0 || req.Quality > 1 {
		return &ValidationError{Field: "quality", Reason: "must be in [0, 1]"}
	}
	if s.store == nil {
		return &ConfigurationError{Field: "store", Reason: "feedback requires persistence"}
	}

	resp, found, err := s.store.GetResponse(ctx, req.ResponseID)
	if err != nil {
		return &DatabaseError{Op: "get response", Err: err}
	}
	if !found {
		return &ValidationError{Field: "response_id", Reason: "unknown response"}
	}

	// Recover the decision phase and the query context the arm was chosen
	// under, so the update lands in the same posterior.
	phase := 0
	if dec, ok, err := s.store.DecisionForQuery(ctx, resp.QueryID); err != nil {
		return &DatabaseError{Op: "get decision", Err: err}
	} else if ok {
		phase = dec.Phase
	}
	var vector []float64
	if qr, ok, err := s.store.GetQuery(ctx, resp.QueryID); err != nil {
		return &DatabaseError{Op: "get query", Err: err}
	} else if ok {
		features, err := s.analyzer.Analyze(ctx, qr.Text)
		if err != nil {
			return err
		}
		vector = features.Vector()
	}

	reward := s.rewards.Compute(resp.Model, bandit.Outcome{
		Quality: req.Quality,
		CostUSD: resp.CostUSD,
		Latency: resp.Latency,
	})
	// Cost rides along as zero: the spend was already accounted when the
	// completion itself was scored.
	s.updateArm(phase, bandit.Feedback{
		ArmID:   resp.Model,
		Reward:  reward,
		Quality: req.Quality,
	}, vector)

	err = s.store.InsertFeedback(ctx, state.FeedbackRecord{
		ID:         uuid.NewString(),
		ResponseID: req.ResponseID,
		Quality:    req.Quality,
		Comment:    req.Comment,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return &DatabaseError{Op: "insert feedback", Err: err}
	}
	s.afterUpdates(ctx, 1)
	return nil
}

// Stats reports the learning state across all arms.
func (s *Service) Stats() StatsReport {
	report := StatsReport{
		Algorithm: s.policy.Name(),
		Arms:      s.policy.Stats(),
	}
	if hr, ok := s.policy.(*hybrid.Router); ok {
		report.Phase = int(hr.Phase())
		report.QueryCount = hr.QueryCount()
	}
	if s.store != nil {
		report.StateConflicts = s.store.ConflictCount()
	}
	return report
}

// PersistState snapshots the policy into the store under the CAS protocol.
func (s *Service) PersistState(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	payload, err := s.policy.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot policy: %w", err)
	}
	if _, err := s.saveSnapshot(ctx, payload); err != nil {
		var vc *state.VersionConflictError
		if errors.As(err, &vc) {
			return err
		}
		return &DatabaseError{Op: "save state", Err: err}
	}
	return nil
}

// failureFeedback scores a failed arm: zero quality, zero cost, latency at
// the full per-call budget.
func (s *Service) failureFeedback(armID string) bandit.Feedback {
	reward := s.rewards.Compute(armID, bandit.Outcome{
		Failed:  true,
		Latency: s.executor.TimeoutPerCall(),
	})
	return bandit.Feedback{ArmID: armID, Reward: reward}
}

// updateArm routes feedback to the policy, pinning hybrid updates to the
// phase that made the decision.
func (s *Service) updateArm(phase int, fb bandit.Feedback, vector []float64) {
	if hr, ok := s.policy.(*hybrid.Router); ok && phase != 0 {
		hr.UpdateForPhase(hybrid.Phase(phase), fb, vector)
		return
	}
	s.policy.Update(fb, vector)
}

// afterUpdates counts completed updates and persists the policy snapshot on
// the configured cadence. Persistence failures are logged, not surfaced:
// the caller already has their completion.
func (s *Service) afterUpdates(ctx context.Context, n int) {
	s.mu.Lock()
	s.completions += n
	due := s.completions >= s.persistEveryK
	if due {
		s.completions = 0
	}
	s.mu.Unlock()
	if !due || s.store == nil {
		return
	}
	if err := s.PersistState(ctx); err != nil {
		s.logger.Error("persisting policy state failed", "error", err, "router_id", s.routerID)
	}
}

func (s *Service) loadSnapshot(ctx context.Context) ([]byte, int64, bool, error) {
	if _, ok := s.policy.(*hybrid.Router); ok {
		return s.store.LoadRouter(ctx, s.routerID)
	}
	return s.store.LoadPolicy(ctx, s.routerID, s.policy.Name())
}

func (s *Service) saveSnapshot(ctx context.Context, payload []byte) (int64, error) {
	if _, ok := s.policy.(*hybrid.Router); ok {
		return s.store.SaveRouter(ctx, s.routerID, payload)
	}
	return s.store.SavePolicy(ctx, s.routerID, s.policy.Name(), payload)
}

// proxyQuality estimates response quality before user feedback arrives,
// using the arm's benchmark quality from the registry.
func (s *Service) proxyQuality(armID string) float64 {
	if arm, ok := s.registry.ByID(armID); ok {
		return arm.ExpectedQuality
	}
	return 0.5
}

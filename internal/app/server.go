// Package app wires the whole router together from configuration: policy,
// analyzer, provider client, persistence and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/conduitml/conduit/internal/analyzer"
	"github.com/conduitml/conduit/internal/bandit"
	"github.com/conduitml/conduit/internal/circuitbreaker"
	"github.com/conduitml/conduit/internal/conduit"
	"github.com/conduitml/conduit/internal/executor"
	"github.com/conduitml/conduit/internal/httpapi"
	"github.com/conduitml/conduit/internal/hybrid"
	"github.com/conduitml/conduit/internal/logging"
	"github.com/conduitml/conduit/internal/metrics"
	"github.com/conduitml/conduit/internal/provider"
	"github.com/conduitml/conduit/internal/ratelimit"
	"github.com/conduitml/conduit/internal/registry"
	"github.com/conduitml/conduit/internal/routing"
	"github.com/conduitml/conduit/internal/state"
	"github.com/conduitml/conduit/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	service *conduit.Service
	store   *state.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "conduit",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	reg, err := loadRegistry(cfg.ModelsFile)
	if err != nil {
		return nil, err
	}
	an := analyzer.New(nil,
		analyzer.WithCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		analyzer.WithLogger(logger),
	)

	policy, err := buildPolicy(cfg, an.ContextDim())
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.DBDSN, state.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	m := metrics.New()

	breakers := circuitbreaker.NewGroup(
		circuitbreaker.WithThreshold(cfg.BreakerThreshold),
		circuitbreaker.WithCooldown(time.Duration(cfg.BreakerCooldownSec)*time.Second),
	)

	client, err := provider.New(reg, endpointsFromEnv(logger),
		provider.WithHTTPClient(&http.Client{Transport: tracing.HTTPTransport(nil)}),
		provider.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ex, err := executor.New(client,
		executor.WithTimeoutPerCall(time.Duration(cfg.CallTimeoutSecs)*time.Second),
		executor.WithBreakers(breakers),
		executor.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engine, err := routing.New(reg, an, policy,
		routing.WithMaxFallbacks(cfg.MaxFallbacks),
		routing.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rewards, err := bandit.NewRewardComputer(cfg.RewardWeights, 0)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc, err := conduit.New(conduit.Params{
		Registry:      reg,
		Analyzer:      an,
		Engine:        engine,
		Policy:        policy,
		Executor:      ex,
		Store:         store,
		Rewards:       rewards,
		RouterID:      cfg.RouterID,
		PersistEveryK: cfg.PersistEveryK,
		Logger:        logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := svc.LoadState(context.Background()); err != nil {
		logger.Warn("could not restore policy state, starting fresh", "error", err)
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitRejects))

	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Service:  svc,
		Registry: reg,
		Metrics:  m,
		Breakers: breakers,
		Limiter:  limiter,
	})

	return &Server{
		cfg:             cfg,
		r:               r,
		service:         svc,
		store:           store,
		limiter:         limiter,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the runtime-adjustable parts of a new configuration: log
// level and rate limits. Policy, storage and provider wiring need a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	if s.limiter != nil {
		s.limiter.SetRate(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.String("log_level", cfg.LogLevel),
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
	)
}

// Close persists a final policy snapshot and releases resources.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.service.PersistState(ctx); err != nil {
		s.logger.Warn("final state persist failed", "error", err)
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Warn("tracing shutdown failed", "error", err)
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// buildPolicy constructs the configured bandit policy over the analyzer's
// context vector width.
func buildPolicy(cfg Config, dim int) (bandit.Policy, error) {
	switch cfg.Algorithm {
	case "beta_ts":
		return bandit.NewBetaTS(
			bandit.WithSuccessThreshold(cfg.SuccessThreshold),
			bandit.WithBetaTSSeed(cfg.RandomSeed),
		), nil
	case "ucb1":
		return bandit.NewUCB1(bandit.WithExplorationConstant(cfg.UCB1C)), nil
	case "linucb":
		return bandit.NewLinUCB(dim,
			bandit.WithLinUCBAlpha(cfg.LinUCBAlpha),
			bandit.WithLinUCBLambda(cfg.LambdaReg),
		)
	case "ctx_ts":
		return bandit.NewCtxTS(dim,
			bandit.WithCtxTSSigma(cfg.CtxTSSigma),
			bandit.WithCtxTSLambda(cfg.LambdaReg),
			bandit.WithWindowSize(cfg.WindowSize),
			bandit.WithCtxTSSeed(cfg.RandomSeed),
		)
	case "hybrid":
		phase1 := bandit.NewUCB1(bandit.WithExplorationConstant(cfg.UCB1C))
		phase2, err := bandit.NewLinUCB(dim,
			bandit.WithLinUCBAlpha(cfg.LinUCBAlpha),
			bandit.WithLinUCBLambda(cfg.LambdaReg),
		)
		if err != nil {
			return nil, err
		}
		return hybrid.New(phase1, phase2, hybrid.WithSwitchThreshold(cfg.SwitchThreshold))
	default:
		return nil, fmt.Errorf("unknown algorithm %q", cfg.Algorithm)
	}
}

// loadRegistry reads the pricing file when one is configured, otherwise the
// built-in model registry is used.
func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("models file: %w", err)
	}
	defer f.Close()
	reg, err := registry.Load(f)
	if err != nil {
		return nil, fmt.Errorf("models file %s: %w", path, err)
	}
	return reg, nil
}

// endpointsFromEnv builds the provider endpoint table: every built-in
// provider whose CONDUIT_<PROVIDER>_API_KEY is set gets an endpoint, with
// CONDUIT_<PROVIDER>_BASE_URL overriding the public API base.
func endpointsFromEnv(logger *slog.Logger) map[string]provider.Endpoint {
	endpoints := make(map[string]provider.Endpoint)
	for name, base := range provider.DefaultEndpoints {
		envName := strings.ToUpper(name)
		key := os.Getenv("CONDUIT_" + envName + "_API_KEY")
		if key == "" {
			continue
		}
		if override := os.Getenv("CONDUIT_" + envName + "_BASE_URL"); override != "" {
			base = override
		}
		endpoints[name] = provider.Endpoint{BaseURL: base, APIKey: key}
		logger.Info("registered provider", slog.String("provider", name))
	}
	return endpoints
}

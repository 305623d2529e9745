package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/conduitml/conduit/internal/bandit"
)

// validAlgorithms are the selection policies the server can run.
var validAlgorithms = map[string]bool{
	"beta_ts": true,
	"ucb1":    true,
	"linucb":  true,
	"ctx_ts":  true,
	"hybrid":  true,
}

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN    string
	RouterID string

	// ModelsFile optionally points at a JSON pricing file that replaces the
	// built-in model registry.
	ModelsFile string

	// Bandit policy selection and tuning.
	Algorithm        string
	SwitchThreshold  int
	UCB1C            float64
	LinUCBAlpha      float64
	CtxTSSigma       float64
	LambdaReg        float64
	SuccessThreshold float64
	WindowSize       int
	RandomSeed       int64

	RewardWeights bandit.RewardWeights

	// Routing and execution.
	MaxFallbacks       int
	PersistEveryK      int
	CallTimeoutSecs    int
	BreakerThreshold   int
	BreakerCooldownSec int

	// Analyzer feature cache.
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Security & hardening.
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	// OpenTelemetry tracing.
	OtelEnabled  bool
	OtelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("CONDUIT_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("CONDUIT_LOG_LEVEL", "info"),
		DBDSN:      getEnv("CONDUIT_DB_DSN", "file:/data/conduit.sqlite"),
		RouterID:   getEnv("CONDUIT_ROUTER_ID", "conduit"),
		ModelsFile: getEnv("CONDUIT_MODELS_FILE", ""),

		Algorithm:        getEnv("CONDUIT_ALGORITHM", "hybrid"),
		SwitchThreshold:  getEnvInt("CONDUIT_SWITCH_THRESHOLD", 2000),
		UCB1C:            getEnvFloat("CONDUIT_UCB1_C", 0), // 0 = policy default
		LinUCBAlpha:      getEnvFloat("CONDUIT_LINUCB_ALPHA", 1.0),
		CtxTSSigma:       getEnvFloat("CONDUIT_CTX_TS_SIGMA", 1.0),
		LambdaReg:        getEnvFloat("CONDUIT_LAMBDA_REG", 1.0),
		SuccessThreshold: getEnvFloat("CONDUIT_SUCCESS_THRESHOLD", 0.7),
		WindowSize:       getEnvInt("CONDUIT_WINDOW_SIZE", 1000),
		RandomSeed:       int64(getEnvInt("CONDUIT_RANDOM_SEED", 0)),

		RewardWeights: bandit.RewardWeights{
			Quality: getEnvFloat("CONDUIT_REWARD_QUALITY_WEIGHT", bandit.DefaultWeights.Quality),
			Cost:    getEnvFloat("CONDUIT_REWARD_COST_WEIGHT", bandit.DefaultWeights.Cost),
			Latency: getEnvFloat("CONDUIT_REWARD_LATENCY_WEIGHT", bandit.DefaultWeights.Latency),
		},

		MaxFallbacks:       getEnvInt("CONDUIT_MAX_FALLBACKS", 3),
		PersistEveryK:      getEnvInt("CONDUIT_PERSIST_EVERY_K", 10),
		CallTimeoutSecs:    getEnvInt("CONDUIT_CALL_TIMEOUT_SECS", 30),
		BreakerThreshold:   getEnvInt("CONDUIT_BREAKER_THRESHOLD", 5),
		BreakerCooldownSec: getEnvInt("CONDUIT_BREAKER_COOLDOWN_SECS", 30),

		CacheTTL:        time.Duration(getEnvInt("CONDUIT_CACHE_TTL_SECS", 300)) * time.Second,
		CacheMaxEntries: getEnvInt("CONDUIT_CACHE_MAX_ENTRIES", 10000),

		CORSOrigins:    getEnvStringSlice("CONDUIT_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("CONDUIT_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("CONDUIT_RATE_LIMIT_BURST", 120),

		OtelEnabled:  getEnvBool("CONDUIT_OTEL_ENABLED", false),
		OtelEndpoint: getEnv("CONDUIT_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if !validAlgorithms[c.Algorithm] {
		return fmt.Errorf("CONDUIT_ALGORITHM must be one of beta_ts, ucb1, linucb, ctx_ts, hybrid; got %q", c.Algorithm)
	}
	if c.SwitchThreshold <= 0 {
		return fmt.Errorf("CONDUIT_SWITCH_THRESHOLD must be > 0, got %d", c.SwitchThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("CONDUIT_SUCCESS_THRESHOLD must be in [0, 1], got %f", c.SuccessThreshold)
	}
	if err := c.RewardWeights.Validate(); err != nil {
		return fmt.Errorf("CONDUIT_REWARD_*_WEIGHT: %w", err)
	}
	if c.MaxFallbacks < 0 {
		return fmt.Errorf("CONDUIT_MAX_FALLBACKS must be >= 0, got %d", c.MaxFallbacks)
	}
	if c.PersistEveryK <= 0 {
		return fmt.Errorf("CONDUIT_PERSIST_EVERY_K must be > 0, got %d", c.PersistEveryK)
	}
	if c.CallTimeoutSecs <= 0 {
		return fmt.Errorf("CONDUIT_CALL_TIMEOUT_SECS must be > 0, got %d", c.CallTimeoutSecs)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("CONDUIT_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("CONDUIT_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

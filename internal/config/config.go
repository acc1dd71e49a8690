// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is loaded
// into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GEMINI_API_KEYS becomes
// gemini_api_keys in YAML.
//
// Only GEMINI_API_KEYS is strictly required. Redis is optional; with
// STORE_MODE=memory key cooldowns and call statistics live in process and
// rate limiting is off.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Backend names accepted in BACKEND.
const (
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
)

// Store modes accepted in STORE_MODE.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Keys is the API key pool. At least one key is required.
	Keys []string

	Backend BackendConfig

	// Dispatch controls how each request is spread over the key pool.
	Dispatch DispatchConfig

	// AltSafetyModels are model-name substrings that select the alternate
	// safety settings. AltSafetyPatterns are Go regular expressions with the
	// same effect.
	AltSafetyModels   []string
	AltSafetyPatterns []string

	// Password, when set, must be sent by clients as a bearer token.
	Password string

	// StoreMode selects where key cooldowns and call statistics live:
	//   "memory": in process, lost on restart, not shared across replicas.
	//   "redis":  in Redis (requires REDIS_URL); also enables rate limiting.
	// Default: "memory".
	StoreMode string

	Redis RedisConfig

	RateLimit RateLimitConfig

	Keypool KeypoolConfig

	// CircuitBreaker controls the per-key circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// ModelsCacheTTL is how long the upstream model list is cached.
	// Default: 10m.
	ModelsCacheTTL time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// BackendConfig selects and tunes the upstream client.
type BackendConfig struct {
	// Kind is "gemini" (native API through the genai SDK) or "openai"
	// (Gemini's OpenAI-compatible endpoint). Default: "gemini".
	Kind string

	// BaseURL overrides the default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Timeout bounds a single upstream call. Default: 5m.
	Timeout time.Duration
}

// DispatchConfig holds the streaming and concurrency settings.
type DispatchConfig struct {
	// FakeStreaming answers stream requests from one non-streaming upstream
	// call, sending keep-alive frames while it runs. Default: true.
	FakeStreaming bool

	// FakeStreamingInterval is the keep-alive period. Default: 1s.
	FakeStreamingInterval time.Duration

	// ConcurrentRequests is the initial number of keys tried at once.
	// Default: 1.
	ConcurrentRequests int

	// IncreaseConcurrentOnFailure is added to the batch size after a batch in
	// which every key failed. Default: 0.
	IncreaseConcurrentOnFailure int

	// MaxConcurrentRequests caps the batch size. Default: 3.
	MaxConcurrentRequests int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls request-rate limiting. Both limits need
// STORE_MODE=redis.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables the limit. Default: 0.
	RPMLimit int

	// DailyIPLimit is the maximum requests per day from one client IP.
	// 0 disables the limit. Default: 0.
	DailyIPLimit int
}

// KeypoolConfig controls how long failing keys are withheld.
type KeypoolConfig struct {
	// KeyCooldown applies after a key is rate limited upstream. Default: 5m.
	KeyCooldown time.Duration

	// InvalidKeyCooldown applies after a key is rejected upstream.
	// Default: 24h.
	InvalidKeyCooldown time.Duration
}

// CircuitBreakerConfig controls per-key circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BACKEND", BackendGemini)
	v.SetDefault("PROVIDER_TIMEOUT", "5m")
	v.SetDefault("STORE_MODE", StoreMemory)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("MODELS_CACHE_TTL", "10m")

	// Dispatch defaults.
	v.SetDefault("FAKE_STREAMING", true)
	v.SetDefault("FAKE_STREAMING_INTERVAL", "1s")
	v.SetDefault("CONCURRENT_REQUESTS", 1)
	v.SetDefault("INCREASE_CONCURRENT_ON_FAILURE", 0)
	v.SetDefault("MAX_CONCURRENT_REQUESTS", 3)
	v.SetDefault("ALT_SAFETY_MODELS", "gemini-2.0-flash-exp")

	// Key pool and circuit breaker defaults.
	v.SetDefault("KEY_COOLDOWN", "5m")
	v.SetDefault("INVALID_KEY_COOLDOWN", "24h")
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Rate limits: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("DAILY_IP_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Keys:     stringList(v, "GEMINI_API_KEYS"),

		Backend: BackendConfig{
			Kind:    strings.ToLower(v.GetString("BACKEND")),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Timeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Dispatch: DispatchConfig{
			FakeStreaming:               v.GetBool("FAKE_STREAMING"),
			FakeStreamingInterval:       v.GetDuration("FAKE_STREAMING_INTERVAL"),
			ConcurrentRequests:          v.GetInt("CONCURRENT_REQUESTS"),
			IncreaseConcurrentOnFailure: v.GetInt("INCREASE_CONCURRENT_ON_FAILURE"),
			MaxConcurrentRequests:       v.GetInt("MAX_CONCURRENT_REQUESTS"),
		},

		AltSafetyModels:   stringList(v, "ALT_SAFETY_MODELS"),
		AltSafetyPatterns: stringList(v, "ALT_SAFETY_PATTERNS"),

		Password:  v.GetString("PASSWORD"),
		StoreMode: strings.ToLower(v.GetString("STORE_MODE")),
		Redis:     RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPMLimit:     v.GetInt("RPM_LIMIT"),
			DailyIPLimit: v.GetInt("DAILY_IP_LIMIT"),
		},

		Keypool: KeypoolConfig{
			KeyCooldown:        v.GetDuration("KEY_COOLDOWN"),
			InvalidKeyCooldown: v.GetDuration("INVALID_KEY_COOLDOWN"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		ModelsCacheTTL: v.GetDuration("MODELS_CACHE_TTL"),
		CORSOrigins:    stringList(v, "CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Keys) == 0 {
		return errors.New("config: GEMINI_API_KEYS is required (comma-separated list of API keys)")
	}

	switch c.Backend.Kind {
	case BackendGemini, BackendOpenAI:
	default:
		return fmt.Errorf("config: invalid BACKEND %q; must be one of: gemini, openai", c.Backend.Kind)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	switch c.StoreMode {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: memory, redis", c.StoreMode)
	}

	// Redis URL is required when the store lives in Redis.
	if c.StoreMode == StoreRedis && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=memory to keep state in process",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	d := c.Dispatch
	if d.FakeStreamingInterval <= 0 {
		return fmt.Errorf("config: FAKE_STREAMING_INTERVAL must be a positive duration")
	}
	if d.ConcurrentRequests < 1 {
		return fmt.Errorf("config: CONCURRENT_REQUESTS must be ≥ 1, got %d", d.ConcurrentRequests)
	}
	if d.IncreaseConcurrentOnFailure < 0 {
		return fmt.Errorf("config: INCREASE_CONCURRENT_ON_FAILURE must be ≥ 0, got %d", d.IncreaseConcurrentOnFailure)
	}
	if d.MaxConcurrentRequests < d.ConcurrentRequests {
		return fmt.Errorf(
			"config: MAX_CONCURRENT_REQUESTS (%d) must be ≥ CONCURRENT_REQUESTS (%d)",
			d.MaxConcurrentRequests, d.ConcurrentRequests,
		)
	}

	if c.RateLimit.RPMLimit < 0 || c.RateLimit.DailyIPLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT and DAILY_IP_LIMIT must be ≥ 0")
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// RateLimited reports whether any request limit is configured.
func (c *Config) RateLimited() bool {
	return c.RateLimit.RPMLimit > 0 || c.RateLimit.DailyIPLimit > 0
}

// stringList reads key as a list. Environment values are comma-separated;
// YAML values may be either a list or a comma-separated string. Blank items
// are dropped.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

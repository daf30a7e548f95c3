// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// The gateway needs at minimum one set of API keys (INTERNET_API_KEYS,
// VPN_API_KEYS, or ADMIN_API_KEYS) and a credential source for the
// downstream service (BEDROCK_BEARER_TOKEN or CREDENTIAL_SECRET_URL).
// Redis is optional — leave REDIS_URL empty to disable rate limiting and run
// the catalog cache in memory.
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

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Auth holds the per-routing-method API key sets.
	Auth AuthConfig

	// Credential selects the downstream credential source.
	Credential CredentialConfig

	// Bedrock holds the downstream endpoint URLs per routing path.
	Bedrock BedrockConfig

	// VPN holds the private endpoints probed by the health monitor.
	VPN VPNConfig

	// Deadlines are the per-path request deadlines.
	Deadlines DeadlineConfig

	// Audit selects the audit backend.
	Audit AuditConfig

	// Redis holds the connection URL for the rate limiter and the Redis
	// catalog cache. Required only when CacheMode is "redis" or a rate
	// limit is set.
	Redis RedisConfig

	// Cache controls the model catalog cache.
	Cache CacheConfig

	// CircuitBreaker controls per-endpoint circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-routing-method request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// AuthConfig holds the stored API key sets. Keys are comma-separated in the
// environment.
type AuthConfig struct {
	// InternetKeys are valid only on the internet path.
	InternetKeys []string
	// VPNKeys are valid only on the vpn path.
	VPNKeys []string
	// AdminKeys are valid on both paths.
	AdminKeys []string
}

// CredentialConfig selects how the downstream bearer token is obtained.
type CredentialConfig struct {
	// BearerToken is a statically provisioned token. Takes precedence over
	// SecretURL when both are set.
	BearerToken string
	// SecretURL is the secret-store endpoint returning the token as JSON.
	// On the vpn deployment this points at the private secrets endpoint.
	SecretURL string
	// TTL is how long a fetched credential is cached. Default: 15m.
	TTL time.Duration
}

// BedrockConfig holds the downstream endpoints. The internet and vpn paths
// call the same service through different network routes.
type BedrockConfig struct {
	// RuntimeEndpoint is the public invocation endpoint,
	// e.g. "https://bedrock-runtime.us-east-1.amazonaws.com".
	RuntimeEndpoint string
	// ControlEndpoint is the public control-plane endpoint serving the
	// model catalog.
	ControlEndpoint string
	// VPNRuntimeEndpoint is the invocation endpoint reached through the
	// private network. Empty disables the vpn path.
	VPNRuntimeEndpoint string
}

// VPNConfig lists the private endpoints the health monitor probes.
type VPNConfig struct {
	// SecretsEndpoint is the private secret-store endpoint. Critical.
	SecretsEndpoint string
	// AuditEndpoint is the private audit endpoint. Non-critical.
	AuditEndpoint string
	// MonitoringEndpoint is the private telemetry endpoint. Non-critical.
	MonitoringEndpoint string
	// StalenessWindow is how long a probe result stays fresh. Default: 30s.
	StalenessWindow time.Duration
}

// DeadlineConfig holds the per-path request deadlines.
type DeadlineConfig struct {
	// Internet is the internet-path deadline. Default: 30s.
	Internet time.Duration
	// VPN is the vpn-path deadline. Default: 45s.
	VPN time.Duration
}

// AuditConfig selects the audit backend.
type AuditConfig struct {
	// Mode is "clickhouse" or "stdout". Default: "stdout".
	Mode string
	// ClickHouseURL is the DSN, required when Mode is "clickhouse".
	ClickHouseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the model catalog cache.
type CacheConfig struct {
	// Mode selects the backend:
	//   "redis"  — shared across replicas (requires REDIS_URL).
	//   "memory" — in-process TTL cache.
	//   "none"   — catalog cache disabled.
	// Default: "memory".
	Mode string
	// TTL is the catalog time-to-live. Default: 5m.
	TTL time.Duration
}

// CircuitBreakerConfig controls per-endpoint circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int
	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration
	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per routing method.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
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

	v.SetDefault("CREDENTIAL_TTL", "15m")

	v.SetDefault("BEDROCK_RUNTIME_ENDPOINT", "https://bedrock-runtime.us-east-1.amazonaws.com")
	v.SetDefault("BEDROCK_CONTROL_ENDPOINT", "https://bedrock.us-east-1.amazonaws.com")

	v.SetDefault("HEALTH_STALENESS_WINDOW", "30s")
	v.SetDefault("INTERNET_DEADLINE", "30s")
	v.SetDefault("VPN_DEADLINE", "45s")

	v.SetDefault("AUDIT_MODE", "stdout")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "5m")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Auth: AuthConfig{
			InternetKeys: splitKeys(v.GetString("INTERNET_API_KEYS")),
			VPNKeys:      splitKeys(v.GetString("VPN_API_KEYS")),
			AdminKeys:    splitKeys(v.GetString("ADMIN_API_KEYS")),
		},

		Credential: CredentialConfig{
			BearerToken: v.GetString("BEDROCK_BEARER_TOKEN"),
			SecretURL:   v.GetString("CREDENTIAL_SECRET_URL"),
			TTL:         v.GetDuration("CREDENTIAL_TTL"),
		},

		Bedrock: BedrockConfig{
			RuntimeEndpoint:    v.GetString("BEDROCK_RUNTIME_ENDPOINT"),
			ControlEndpoint:    v.GetString("BEDROCK_CONTROL_ENDPOINT"),
			VPNRuntimeEndpoint: v.GetString("VPN_BEDROCK_RUNTIME_ENDPOINT"),
		},

		VPN: VPNConfig{
			SecretsEndpoint:    v.GetString("VPN_SECRETS_ENDPOINT"),
			AuditEndpoint:      v.GetString("VPN_AUDIT_ENDPOINT"),
			MonitoringEndpoint: v.GetString("VPN_MONITORING_ENDPOINT"),
			StalenessWindow:    v.GetDuration("HEALTH_STALENESS_WINDOW"),
		},

		Deadlines: DeadlineConfig{
			Internet: v.GetDuration("INTERNET_DEADLINE"),
			VPN:      v.GetDuration("VPN_DEADLINE"),
		},

		Audit: AuditConfig{
			Mode:          strings.ToLower(v.GetString("AUDIT_MODE")),
			ClickHouseURL: v.GetString("CLICKHOUSE_URL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if len(c.Auth.InternetKeys)+len(c.Auth.VPNKeys)+len(c.Auth.AdminKeys) == 0 {
		return fmt.Errorf(
			"config: at least one API key is required " +
				"(INTERNET_API_KEYS, VPN_API_KEYS, or ADMIN_API_KEYS, comma-separated)",
		)
	}

	if c.Credential.BearerToken == "" && c.Credential.SecretURL == "" {
		return fmt.Errorf(
			"config: a credential source is required; " +
				"set BEDROCK_BEARER_TOKEN or CREDENTIAL_SECRET_URL",
		)
	}

	if c.Bedrock.VPNRuntimeEndpoint != "" && c.VPN.SecretsEndpoint == "" {
		return fmt.Errorf(
			"config: VPN_SECRETS_ENDPOINT is required when the vpn path is enabled " +
				"(VPN_BEDROCK_RUNTIME_ENDPOINT is set)",
		)
	}

	switch c.Audit.Mode {
	case "clickhouse":
		if c.Audit.ClickHouseURL == "" {
			return fmt.Errorf("config: CLICKHOUSE_URL is required when AUDIT_MODE=clickhouse")
		}
	case "stdout":
	default:
		return fmt.Errorf("config: invalid AUDIT_MODE %q; must be one of: clickhouse, stdout", c.Audit.Mode)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Deadlines.Internet <= 0 || c.Deadlines.VPN <= 0 {
		return fmt.Errorf("config: INTERNET_DEADLINE and VPN_DEADLINE must be positive durations")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// VPNEnabled reports whether the vpn path is configured.
func (c *Config) VPNEnabled() bool {
	return c.Bedrock.VPNRuntimeEndpoint != ""
}

// splitKeys parses a comma-separated key list, dropping empty entries.
func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
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

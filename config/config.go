// Package config loads aiproxy client configuration from YAML with
// environment variable substitution, defaults and validation, and turns it
// into client options and transports.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	aiproxy "github.com/JohnPlummer/jp-go-aiproxy"
	"github.com/JohnPlummer/jp-go-aiproxy/logging"
)

// Environment variables that override file settings.
const (
	EnvEndpoint = "AIPROXY_ENDPOINT"
	EnvDevMode  = "AIPROXY_DEV_MODE"
	EnvAPIKey   = "AIPROXY_API_KEY"
	EnvLogLevel = "AIPROXY_LOG_LEVEL"
)

// Config is the top-level client configuration.
type Config struct {
	Proxy          ProxyConfig          `yaml:"proxy" json:"proxy"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Direct         DirectConfig         `yaml:"direct" json:"direct"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`

	// DevMode enables the local fallback path: direct provider calls when an
	// API key is configured, canned placeholder results otherwise.
	DevMode bool `yaml:"dev_mode" json:"dev_mode"`
}

// ProxyConfig holds the proxy endpoint settings.
type ProxyConfig struct {
	Endpoint   string            `yaml:"endpoint" json:"endpoint"`
	Addressing string            `yaml:"addressing" json:"addressing"` // "path" or "query"; default: "path"
	Headers    map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// RetryConfig holds retry policy settings.
type RetryConfig struct {
	// MaxRetries is a pointer so an explicit 0 disables retries. Default: 3.
	MaxRetries     *int          `yaml:"max_retries" json:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor" json:"backoff_factor"`
	Jitter         time.Duration `yaml:"jitter" json:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// Retries returns the configured retry budget.
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return aiproxy.DefaultRetryPolicy().MaxRetries
	}
	return *r.MaxRetries
}

// CircuitBreakerConfig holds breaker settings.
type CircuitBreakerConfig struct {
	Name       string        `yaml:"name" json:"name"`
	Threshold  uint32        `yaml:"threshold" json:"threshold"`
	ResetAfter time.Duration `yaml:"reset_after" json:"reset_after"`
}

// RateLimitConfig holds the outbound rate limiter settings. A zero rate
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// DirectConfig holds the direct provider settings used in development.
type DirectConfig struct {
	APIKey     string `yaml:"api_key" json:"-"`
	Model      string `yaml:"model" json:"model"`
	ImageModel string `yaml:"image_model" json:"image_model"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // "debug", "info", "warn", "error"; default: "info"
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value. Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// substitution and overrides, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return finish(&cfg)
}

// FromEnv builds a configuration from defaults and environment overrides only.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvEndpoint); ok {
		cfg.Proxy.Endpoint = v
	}
	if v, ok := os.LookupEnv(EnvDevMode); ok && v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvDevMode, v, err)
		}
		cfg.DevMode = dev
	}
	if v, ok := os.LookupEnv(EnvAPIKey); ok {
		cfg.Direct.APIKey = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Proxy.Addressing == "" {
		cfg.Proxy.Addressing = "path"
	}

	policy := aiproxy.DefaultRetryPolicy()
	r := &cfg.Retry
	if r.MaxRetries == nil {
		n := policy.MaxRetries
		r.MaxRetries = &n
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = policy.BaseDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = policy.MaxDelay
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = policy.BackoffFactor
	}
	if r.AttemptTimeout == 0 {
		r.AttemptTimeout = policy.AttemptTimeout
	}

	breaker := aiproxy.DefaultCircuitBreakerConfig()
	cb := &cfg.CircuitBreaker
	if cb.Name == "" {
		cb.Name = breaker.Name
	}
	if cb.Threshold == 0 {
		cb.Threshold = breaker.Threshold
	}
	if cb.ResetAfter == 0 {
		cb.ResetAfter = breaker.ResetAfter
	}

	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Proxy.Endpoint == "" {
		if !cfg.DevMode {
			return errors.New("proxy.endpoint is required outside development mode")
		}
	} else {
		u, err := url.Parse(cfg.Proxy.Endpoint)
		if err != nil {
			return fmt.Errorf("proxy.endpoint is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("proxy.endpoint must use http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("proxy.endpoint must include a host")
		}
	}
	if _, err := aiproxy.ParseAddressing(cfg.Proxy.Addressing); err != nil {
		return fmt.Errorf("proxy.addressing: %w", err)
	}

	r := cfg.Retry
	if r.Retries() < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", r.Retries())
	}
	if r.BaseDelay < 0 {
		return errors.New("retry.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must not be less than retry.base_delay (%s)", r.MaxDelay, r.BaseDelay)
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1, got %g", r.BackoffFactor)
	}
	if r.Jitter < 0 {
		return errors.New("retry.jitter must not be negative")
	}
	if r.AttemptTimeout < 0 {
		return errors.New("retry.attempt_timeout must not be negative")
	}

	if cfg.CircuitBreaker.ResetAfter < 0 {
		return errors.New("circuit_breaker.reset_after must be positive")
	}

	if cfg.RateLimit.RequestsPerSecond < 0 {
		return errors.New("rate_limit.requests_per_second must not be negative")
	}
	if cfg.RateLimit.BurstSize < 0 {
		return errors.New("rate_limit.burst_size must not be negative")
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", cfg.Metrics.Path)
	}
	return nil
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() aiproxy.RetryPolicy {
	return aiproxy.RetryPolicy{
		MaxRetries:     c.Retry.Retries(),
		BaseDelay:      c.Retry.BaseDelay,
		MaxDelay:       c.Retry.MaxDelay,
		BackoffFactor:  c.Retry.BackoffFactor,
		Jitter:         c.Retry.Jitter,
		AttemptTimeout: c.Retry.AttemptTimeout,
	}
}

// ClientOptions maps the retry, breaker and rate limit settings onto client
// options. Loggers, metrics and tracers are left to the caller.
func (c *Config) ClientOptions() []aiproxy.Option {
	opts := []aiproxy.Option{
		aiproxy.WithRetryOptions(aiproxy.WithRetryPolicy(c.RetryPolicy())),
		aiproxy.WithCircuitBreakerOptions(
			aiproxy.WithBreakerName(c.CircuitBreaker.Name),
			aiproxy.WithThreshold(c.CircuitBreaker.Threshold),
			aiproxy.WithResetAfter(c.CircuitBreaker.ResetAfter),
		),
	}
	if c.RateLimit.RequestsPerSecond > 0 {
		opts = append(opts, aiproxy.WithRateLimit(c.RateLimit.RequestsPerSecond, c.RateLimit.BurstSize))
	}
	return opts
}

// Transports selects the primary and fallback transports:
//
//   - endpoint set: the HTTP proxy is primary; in development mode the
//     fallback is the direct provider when an API key is set, else the mock.
//   - no endpoint (development mode only): the direct provider or the mock
//     is primary and there is no fallback.
//
// fallback is nil outside development mode.
func (c *Config) Transports() (primary, fallback aiproxy.Transport, err error) {
	var local aiproxy.Transport
	if c.DevMode {
		local, err = c.localTransport()
		if err != nil {
			return nil, nil, err
		}
	}

	if c.Proxy.Endpoint == "" {
		if local == nil {
			return nil, nil, errors.New("proxy.endpoint is required outside development mode")
		}
		return local, nil, nil
	}

	addressing, err := aiproxy.ParseAddressing(c.Proxy.Addressing)
	if err != nil {
		return nil, nil, err
	}
	httpOpts := []aiproxy.HTTPTransportOption{aiproxy.WithAddressing(addressing)}
	for k, v := range c.Proxy.Headers {
		httpOpts = append(httpOpts, aiproxy.WithHeader(k, v))
	}

	return aiproxy.NewHTTPTransport(c.Proxy.Endpoint, httpOpts...), local, nil
}

func (c *Config) localTransport() (aiproxy.Transport, error) {
	if c.Direct.APIKey == "" {
		return aiproxy.NewMockTransport(), nil
	}

	var opts []aiproxy.DirectOption
	if c.Direct.Model != "" {
		opts = append(opts, aiproxy.WithDirectModel(c.Direct.Model))
	}
	if c.Direct.ImageModel != "" {
		opts = append(opts, aiproxy.WithDirectImageModel(c.Direct.ImageModel))
	}
	if c.Direct.BaseURL != "" {
		opts = append(opts, aiproxy.WithDirectBaseURL(c.Direct.BaseURL))
	}

	direct, err := aiproxy.NewDirectTransport(c.Direct.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("building direct transport: %w", err)
	}
	return direct, nil
}

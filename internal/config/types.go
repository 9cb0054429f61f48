package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option for the admission layer.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the process lifecycle.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Security  SecurityConfig  `koanf:"security"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig points at the shared key-value store.
type StoreConfig struct {
	Address          string         `koanf:"address"`
	Username         string         `koanf:"username"`
	Password         string         `koanf:"password"`
	DB               int            `koanf:"db"`
	OpTimeoutSeconds int            `koanf:"opTimeoutSeconds"`
	TLS              StoreTLSConfig `koanf:"tls"`
}

// StoreTLSConfig controls TLS towards the store.
type StoreTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CacheConfig tunes the semantic response cache.
type CacheConfig struct {
	TTLSeconds          int     `koanf:"ttlSeconds"`
	SimilarityThreshold float64 `koanf:"similarityThreshold"`
	MaxCandidates       int     `koanf:"maxCandidates"`
	EmbeddingURL        string  `koanf:"embeddingUrl"`
}

// RateLimitConfig tunes the window counters, burst detector, and the
// auto-block escalation applied by the middleware.
type RateLimitConfig struct {
	PerMinute              int `koanf:"perMinute"`
	PerHour                int `koanf:"perHour"`
	Burst                  int `koanf:"burst"`
	BurstWindowSeconds     int `koanf:"burstWindowSeconds"`
	AutoBlockThreshold     int `koanf:"autoBlockThreshold"`
	AutoBlockDurationHours int `koanf:"autoBlockDurationHours"`
}

// DenyRule is an operator-defined admission rule. The expression is a CEL
// program over {ip, path, method, endpoint, query}; a true result rejects the
// request with the rule name as the machine-readable reason.
type DenyRule struct {
	Name       string `koanf:"name" json:"name"`
	Expression string `koanf:"expression" json:"expression"`
}

// SecurityConfig shapes the admission middleware.
type SecurityConfig struct {
	ExcludedPaths    []string   `koanf:"excludedPaths"`
	ValidateRequests bool       `koanf:"validateRequests"`
	MaxContentLength int        `koanf:"maxContentLength"`
	DenyRules        []DenyRule `koanf:"denyRules"`
	OverridesFile    string     `koanf:"overridesFile"`
}

// UpstreamConfig locates the expensive answer pipeline the gateway fronts.
type UpstreamConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// EndpointLimits overrides the rate-limit windows for one endpoint.
type EndpointLimits struct {
	PerMinute int `koanf:"perMinute"`
	PerHour   int `koanf:"perHour"`
	Burst     int `koanf:"burst"`
}

// Overrides is the hot-reloadable portion of the security configuration,
// sourced from Server.Security.OverridesFile.
type Overrides struct {
	ExcludedPaths []string                  `koanf:"excludedPaths"`
	DenyRules     []DenyRule                `koanf:"denyRules"`
	Endpoints     map[string]EndpointLimits `koanf:"endpoints"`
}

// DefaultConfig returns the built-in deployment defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8089},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Store: StoreConfig{
				Address:          "localhost:6379",
				OpTimeoutSeconds: 5,
			},
			Cache: CacheConfig{
				TTLSeconds:          3600,
				SimilarityThreshold: 0.92,
				MaxCandidates:       50,
			},
			RateLimit: RateLimitConfig{
				PerMinute:              30,
				PerHour:                500,
				Burst:                  10,
				BurstWindowSeconds:     10,
				AutoBlockThreshold:     3,
				AutoBlockDurationHours: 1,
			},
			Security: SecurityConfig{
				ExcludedPaths: []string{
					"/healthz",
					"/metrics",
					"/favicon.ico",
				},
				ValidateRequests: true,
				MaxContentLength: 100000,
			},
			Upstream: UpstreamConfig{TimeoutSeconds: 120},
		},
	}
}

// Validate rejects configurations that would misbehave at runtime. These are
// programmer-error-class failures; the components themselves never raise after
// construction.
func (c Config) Validate() error {
	srv := c.Server
	if srv.Listen.Port <= 0 || srv.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", srv.Listen.Port)
	}
	if strings.TrimSpace(srv.Store.Address) == "" {
		return errors.New("config: store address required")
	}
	if srv.Store.OpTimeoutSeconds <= 0 {
		return fmt.Errorf("config: store op timeout %d must be positive", srv.Store.OpTimeoutSeconds)
	}
	if srv.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache ttl %d must be positive", srv.Cache.TTLSeconds)
	}
	if srv.Cache.SimilarityThreshold <= 0 || srv.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: similarity threshold %v outside (0, 1]", srv.Cache.SimilarityThreshold)
	}
	if srv.Cache.MaxCandidates <= 0 {
		return fmt.Errorf("config: cache max candidates %d must be positive", srv.Cache.MaxCandidates)
	}
	if srv.RateLimit.PerMinute <= 0 || srv.RateLimit.PerHour <= 0 || srv.RateLimit.Burst <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	if srv.RateLimit.BurstWindowSeconds <= 0 {
		return fmt.Errorf("config: burst window %d must be positive", srv.RateLimit.BurstWindowSeconds)
	}
	if srv.RateLimit.AutoBlockDurationHours < 0 {
		return fmt.Errorf("config: auto-block duration %d must not be negative", srv.RateLimit.AutoBlockDurationHours)
	}
	if srv.Security.MaxContentLength <= 0 {
		return fmt.Errorf("config: max content length %d must be positive", srv.Security.MaxContentLength)
	}
	for _, rule := range srv.Security.DenyRules {
		if strings.TrimSpace(rule.Name) == "" {
			return errors.New("config: deny rule requires a name")
		}
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("config: deny rule %q requires an expression", rule.Name)
		}
	}
	return nil
}

// StoreOpTimeout converts the configured seconds into a duration.
func (s StoreConfig) OpTimeout() time.Duration {
	return time.Duration(s.OpTimeoutSeconds) * time.Second
}

// TTL converts the configured seconds into a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BurstWindow converts the configured seconds into a duration.
func (r RateLimitConfig) BurstWindow() time.Duration {
	return time.Duration(r.BurstWindowSeconds) * time.Second
}

// AutoBlockDuration converts the configured hours into a duration.
func (r RateLimitConfig) AutoBlockDuration() time.Duration {
	return time.Duration(r.AutoBlockDurationHours) * time.Hour
}

// Timeout converts the configured seconds into a duration.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

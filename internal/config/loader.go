package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.store.optimeoutseconds":             "server.store.opTimeoutSeconds",
			"server.store.tls.cafile":                   "server.store.tls.caFile",
			"server.cache.ttlseconds":                   "server.cache.ttlSeconds",
			"server.cache.similaritythreshold":          "server.cache.similarityThreshold",
			"server.cache.maxcandidates":                "server.cache.maxCandidates",
			"server.cache.embeddingurl":                 "server.cache.embeddingUrl",
			"server.ratelimit.perminute":                "server.rateLimit.perMinute",
			"server.ratelimit.perhour":                  "server.rateLimit.perHour",
			"server.ratelimit.burst":                    "server.rateLimit.burst",
			"server.ratelimit.burstwindowseconds":       "server.rateLimit.burstWindowSeconds",
			"server.ratelimit.autoblockthreshold":       "server.rateLimit.autoBlockThreshold",
			"server.ratelimit.autoblockdurationhours":   "server.rateLimit.autoBlockDurationHours",
			"server.security.excludedpaths":             "server.security.excludedPaths",
			"server.security.validaterequests":          "server.security.validateRequests",
			"server.security.maxcontentlength":          "server.security.maxContentLength",
			"server.security.overridesfile":             "server.security.overridesFile",
			"server.upstream.timeoutseconds":            "server.upstream.timeoutSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOverrides parses the hot-reloadable security overrides file. The format
// follows the file extension: yaml, json, or toml.
func LoadOverrides(path string) (Overrides, error) {
	parser, err := parserFor(path)
	if err != nil {
		return Overrides{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Overrides{}, fmt.Errorf("config: load overrides %s: %w", path, err)
	}
	var ov Overrides
	if err := k.Unmarshal("", &ov); err != nil {
		return Overrides{}, fmt.Errorf("config: unmarshal overrides %s: %w", path, err)
	}
	for _, rule := range ov.DenyRules {
		if strings.TrimSpace(rule.Name) == "" || strings.TrimSpace(rule.Expression) == "" {
			return Overrides{}, fmt.Errorf("config: overrides %s: deny rules require name and expression", path)
		}
	}
	return ov, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	srv := cfg.Server
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": srv.Listen.Address,
				"port":    srv.Listen.Port,
			},
			"logging": map[string]any{
				"level":  srv.Logging.Level,
				"format": srv.Logging.Format,
			},
			"store": map[string]any{
				"address":          srv.Store.Address,
				"username":         srv.Store.Username,
				"password":         srv.Store.Password,
				"db":               srv.Store.DB,
				"opTimeoutSeconds": srv.Store.OpTimeoutSeconds,
				"tls": map[string]any{
					"enabled": srv.Store.TLS.Enabled,
					"caFile":  srv.Store.TLS.CAFile,
				},
			},
			"cache": map[string]any{
				"ttlSeconds":          srv.Cache.TTLSeconds,
				"similarityThreshold": srv.Cache.SimilarityThreshold,
				"maxCandidates":       srv.Cache.MaxCandidates,
				"embeddingUrl":        srv.Cache.EmbeddingURL,
			},
			"rateLimit": map[string]any{
				"perMinute":              srv.RateLimit.PerMinute,
				"perHour":                srv.RateLimit.PerHour,
				"burst":                  srv.RateLimit.Burst,
				"burstWindowSeconds":     srv.RateLimit.BurstWindowSeconds,
				"autoBlockThreshold":     srv.RateLimit.AutoBlockThreshold,
				"autoBlockDurationHours": srv.RateLimit.AutoBlockDurationHours,
			},
			"security": map[string]any{
				"excludedPaths":    srv.Security.ExcludedPaths,
				"validateRequests": srv.Security.ValidateRequests,
				"maxContentLength": srv.Security.MaxContentLength,
				"overridesFile":    srv.Security.OverridesFile,
			},
			"upstream": map[string]any{
				"url":            srv.Upstream.URL,
				"timeoutSeconds": srv.Upstream.TimeoutSeconds,
			},
		},
	}
}

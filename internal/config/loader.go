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

// Load assembles the effective snapshot using the documented precedence rules.
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
		parser, err := ParserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.ttlseconds":                            "cache.ttlSeconds",
			"cache.valkey.tls.cafile":                     "cache.valkey.tls.caFile",
			"turbo.seedfile":                              "turbo.seedFile",
			"snapshot.ttlseconds":                         "snapshot.ttlSeconds",
			"snapshot.sweepseconds":                       "snapshot.sweepSeconds",
			"database.tiers.read.minconns":                "database.tiers.read.minConns",
			"database.tiers.read.maxconns":                "database.tiers.read.maxConns",
			"database.tiers.read.statementtimeoutmillis":  "database.tiers.read.statementTimeoutMillis",
			"database.tiers.read.acquiretimeoutmillis":    "database.tiers.read.acquireTimeoutMillis",
			"database.tiers.write.minconns":               "database.tiers.write.minConns",
			"database.tiers.write.maxconns":               "database.tiers.write.maxConns",
			"database.tiers.write.statementtimeoutmillis": "database.tiers.write.statementTimeoutMillis",
			"database.tiers.write.acquiretimeoutmillis":   "database.tiers.write.acquireTimeoutMillis",
			"database.tiers.hot.minconns":                 "database.tiers.hot.minConns",
			"database.tiers.hot.maxconns":                 "database.tiers.hot.maxConns",
			"database.tiers.hot.statementtimeoutmillis":   "database.tiers.hot.statementTimeoutMillis",
			"database.tiers.hot.acquiretimeoutmillis":     "database.tiers.hot.acquireTimeoutMillis",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__TTL_SECONDS -> cache.ttlseconds).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
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

// ParserFor selects a koanf parser from the file extension. Shared with the
// turbo seed loader so both surfaces accept the same document formats.
func ParserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format %q", filepath.Ext(path))
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	tier := func(t TierConfig) map[string]any {
		return map[string]any{
			"minConns":               t.MinConns,
			"maxConns":               t.MaxConns,
			"maxConnLifetimeSeconds": t.MaxConnLifetimeSeconds,
			"maxConnIdleSeconds":     t.MaxConnIdleSeconds,
			"statementTimeoutMillis": t.StatementTimeoutMillis,
			"acquireTimeoutMillis":   t.AcquireTimeoutMillis,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"backend":    cfg.Cache.Backend,
			"ttlSeconds": cfg.Cache.TTLSeconds,
			"prefix":     cfg.Cache.Prefix,
			"views":      cfg.Cache.Views,
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
		},
		"database": map[string]any{
			"dsn": cfg.Database.DSN,
			"tiers": map[string]any{
				"read":  tier(cfg.Database.Tiers.Read),
				"write": tier(cfg.Database.Tiers.Write),
				"hot":   tier(cfg.Database.Tiers.Hot),
			},
		},
		"turbo": map[string]any{
			"seedFile": cfg.Turbo.SeedFile,
			"watch":    cfg.Turbo.Watch,
		},
		"snapshot": map[string]any{
			"ttlSeconds":   cfg.Snapshot.TTLSeconds,
			"sweepSeconds": cfg.Snapshot.SweepSeconds,
		},
	}
}

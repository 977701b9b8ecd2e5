package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every option the daemon needs: listener, logging, cache
// backend, database pool tiers, and turbo registry seeding.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Cache    CacheConfig    `koanf:"cache"`
	Database DatabaseConfig `koanf:"database"`
	Turbo    TurboConfig    `koanf:"turbo"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
}

// ServerConfig collects the bootstrap knobs for the metrics listener and logging.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the metrics/admin listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects the result cache backend and its default TTL. Views
// maps a logical view name to the entities whose domain versions gate its
// cached results.
type CacheConfig struct {
	Backend    string              `koanf:"backend"`
	TTLSeconds int                 `koanf:"ttlSeconds"`
	Prefix     string              `koanf:"prefix"`
	Views      map[string][]string `koanf:"views"`
	Valkey     ValkeyConfig        `koanf:"valkey"`
}

// ValkeyConfig carries connection settings for the external cache store.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DatabaseConfig describes the shared DSN and the per-tier pool overrides.
type DatabaseConfig struct {
	DSN   string      `koanf:"dsn"`
	Tiers TiersConfig `koanf:"tiers"`
}

// TiersConfig names the three workload classes every caller acquires from.
type TiersConfig struct {
	Read  TierConfig `koanf:"read"`
	Write TierConfig `koanf:"write"`
	Hot   TierConfig `koanf:"hot"`
}

// TierConfig sizes one named pool. StatementTimeoutMillis is applied as the
// Postgres statement_timeout for every connection in the tier.
type TierConfig struct {
	MinConns               int32 `koanf:"minConns"`
	MaxConns               int32 `koanf:"maxConns"`
	MaxConnLifetimeSeconds int   `koanf:"maxConnLifetimeSeconds"`
	MaxConnIdleSeconds     int   `koanf:"maxConnIdleSeconds"`
	StatementTimeoutMillis int   `koanf:"statementTimeoutMillis"`
	AcquireTimeoutMillis   int   `koanf:"acquireTimeoutMillis"`
}

// TurboConfig points at the optional seed document for precompiled queries.
type TurboConfig struct {
	SeedFile string `koanf:"seedFile"`
	Watch    bool   `koanf:"watch"`
}

// SnapshotConfig tunes the subscription snapshot cache.
type SnapshotConfig struct {
	TTLSeconds   int `koanf:"ttlSeconds"`
	SweepSeconds int `koanf:"sweepSeconds"`
}

// DefaultConfig returns the baseline configuration applied before file and
// environment overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 9105},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 300,
			Prefix:     "turboql",
		},
		Database: DatabaseConfig{
			Tiers: TiersConfig{
				Read: TierConfig{
					MinConns:               2,
					MaxConns:               20,
					MaxConnLifetimeSeconds: 1800,
					MaxConnIdleSeconds:     300,
					StatementTimeoutMillis: 30000,
					AcquireTimeoutMillis:   5000,
				},
				Write: TierConfig{
					MinConns:               1,
					MaxConns:               5,
					MaxConnLifetimeSeconds: 1800,
					MaxConnIdleSeconds:     300,
					StatementTimeoutMillis: 60000,
					AcquireTimeoutMillis:   5000,
				},
				Hot: TierConfig{
					MinConns:               4,
					MaxConns:               40,
					MaxConnLifetimeSeconds: 900,
					MaxConnIdleSeconds:     120,
					StatementTimeoutMillis: 5000,
					AcquireTimeoutMillis:   1000,
				},
			},
		},
		Snapshot: SnapshotConfig{TTLSeconds: 5, SweepSeconds: 30},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "", "memory":
	case "valkey":
		if c.Cache.Valkey.Address == "" {
			return errors.New("config: valkey backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTLSeconds < 0 {
		return errors.New("config: cache ttlSeconds must not be negative")
	}
	for name, tier := range map[string]TierConfig{
		"read":  c.Database.Tiers.Read,
		"write": c.Database.Tiers.Write,
		"hot":   c.Database.Tiers.Hot,
	} {
		if tier.MaxConns <= 0 {
			return fmt.Errorf("config: tier %s maxConns must be positive", name)
		}
		if tier.MinConns < 0 || tier.MinConns > tier.MaxConns {
			return fmt.Errorf("config: tier %s minConns out of range", name)
		}
		if tier.AcquireTimeoutMillis <= 0 {
			return fmt.Errorf("config: tier %s acquireTimeoutMillis must be positive", name)
		}
	}
	if c.Snapshot.TTLSeconds <= 0 {
		return errors.New("config: snapshot ttlSeconds must be positive")
	}
	return nil
}

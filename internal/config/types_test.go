package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Listen.Port = 70000
	require.Error(t, cfg.Validate())
}

func TestValidateValkeyRequiresAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Backend = "valkey"
	require.Error(t, cfg.Validate())

	cfg.Cache.Valkey.Address = "127.0.0.1:6379"
	require.NoError(t, cfg.Validate())
}

func TestValidateTierBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Tiers.Hot.MaxConns = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Database.Tiers.Read.MinConns = 100
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Database.Tiers.Write.AcquireTimeoutMillis = 0
	require.Error(t, cfg.Validate())
}

func TestValidateSnapshotTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Snapshot.TTLSeconds = 0
	require.Error(t, cfg.Validate())
}

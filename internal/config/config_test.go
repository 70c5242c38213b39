package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFromViper_defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, StorageFile, cfg.Storage.Driver)
	assert.Equal(t, "badger", cfg.Ledger.Driver)
	assert.Equal(t, filepath.Join(cfg.Storage.Root, ".ledger"), cfg.LedgerDir())
	assert.Equal(t, int64(11155111), cfg.Identity.ChainID)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Server.AdminTokenTTL)
	assert.Equal(t, 15*time.Minute, cfg.Server.ReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.Server.HealthInterval)
	assert.NotEmpty(t, cfg.Storage.Root)
}

func TestFromViper_envOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("HODL_STORAGE_ROOT", root)
	t.Setenv("HODL_STORAGE_DRIVER", "badger")
	t.Setenv("HODL_SERVER_ADMIN_TOKEN_TTL", "15m")

	cfg, err := FromViper(New())
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Storage.Root)
	assert.Equal(t, StorageBadger, cfg.Storage.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Server.AdminTokenTTL)
}

func TestRead_configFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "storage:\n  root: " + filepath.Join(dir, "books") + "\nidentity:\n  wallet: \"0xfeed\"\n  chain_id: 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hodl.yaml"), []byte(yaml), 0o600))

	v := New()
	v.AddConfigPath(dir)
	require.NoError(t, Read(v, zap.NewNop()))

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "books"), cfg.Storage.Root)
	assert.Equal(t, "0xfeed", cfg.Identity.Wallet)
	assert.Equal(t, int64(1), cfg.Identity.ChainID)
}

func TestValidate(t *testing.T) {
	base := Config{
		Storage: StorageConfig{Root: "/tmp/hodl", Driver: StorageFile},
		Ledger:  LedgerConfig{Driver: "memory"},
		Server:  ServerConfig{AdminTokenTTL: time.Hour, HealthInterval: 30 * time.Second},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty root", func(c *Config) { c.Storage.Root = " " }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"unknown ledger", func(c *Config) { c.Ledger.Driver = "ethereum" }},
		{"postgres without url", func(c *Config) { c.Ledger.Driver = "postgres" }},
		{"negative chain id", func(c *Config) { c.Identity.ChainID = -1 }},
		{"negative interval", func(c *Config) { c.Server.ReconcileInterval = -time.Second }},
		{"zero ttl", func(c *Config) { c.Server.AdminTokenTTL = 0 }},
		{"zero health interval", func(c *Config) { c.Server.HealthInterval = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestOpenStorage_backends(t *testing.T) {
	for _, driver := range []string{StorageFile, StorageBadger} {
		t.Run(driver, func(t *testing.T) {
			cfg := Config{Storage: StorageConfig{Root: t.TempDir(), Driver: driver}}
			mgr, closeFn, err := cfg.OpenStorage(zap.NewNop())
			require.NoError(t, err)
			defer closeFn()

			_, err = mgr.Open("journal")
			require.NoError(t, err)
			names, err := mgr.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"journal"}, names)
		})
	}
}

func TestOpenLedger_badgerUnderRoot(t *testing.T) {
	cfg := Config{
		Storage: StorageConfig{Root: t.TempDir(), Driver: StorageFile},
		Ledger:  LedgerConfig{Driver: "badger"},
	}
	l, closeFn, err := cfg.OpenLedger(context.Background(), zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	_, err = l.GetLogbookNames(context.Background())
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(cfg.Storage.Root, ".ledger"))

	// The ledger directory is not mistaken for a logbook.
	mgr, closeStorage, err := cfg.OpenStorage(zap.NewNop())
	require.NoError(t, err)
	defer closeStorage()
	names, err := mgr.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".hodl", "logbooks"), expandHome("~/.hodl/logbooks"))
	assert.Equal(t, "/srv/hodl", expandHome("/srv/hodl"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
	assert.Equal(t, "", expandHome(""))
}

func TestShippedConfigLoads(t *testing.T) {
	v := New()
	v.SetConfigFile(filepath.Join("..", "..", "configs", "hodl.yaml"))
	require.NoError(t, Read(v, zap.NewNop()))

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultRoot(), cfg.Storage.Root)
	assert.Equal(t, "badger", cfg.Ledger.Driver)
	assert.Equal(t, "http://localhost:8090", v.GetString("remote.server"))
}

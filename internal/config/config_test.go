package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Reconcile.OrphanGrace)
	assert.Equal(t, 1000, cfg.Listener.DedupCapacity)
	assert.Equal(t, 10*time.Second, cfg.Content.RequestTimeout)
	assert.Len(t, cfg.Content.Gateways, 4)
	assert.False(t, cfg.LedgerEnabled())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainchat.yaml")
	yaml := `
database:
  driver: postgres
  dsn: "host=localhost dbname=chainchat sslmode=disable"
reconcile:
  interval: 30s
content:
  gateways:
    - https://gw.example/ipfs/
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("CHAINCHAT_SERVER_ADDR", ":9999")
	t.Setenv("CHAINCHAT_LISTENER_DEDUPCAPACITY", "50")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, []string{"https://gw.example/ipfs/"}, cfg.Content.Gateways)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Listener.DedupCapacity)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(viper.New(), "")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Ledger.RPCURL = "ws://localhost:8546"
	assert.Error(t, cfg.Validate(), "rpc url without contract")
	cfg.Ledger.ContractAddress = "0x00000000000000000000000000000000000000a1"
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.LedgerEnabled())

	cfg = base()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

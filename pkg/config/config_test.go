package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_DefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Hedge.RetryTimes)
	assert.Equal(t, time.Second, cfg.Hedge.RetryInterval)
	assert.Equal(t, 5, cfg.Hedge.ConfirmAttempts)
	assert.Equal(t, 3*time.Second, cfg.Hedge.ConfirmInterval)
	assert.Equal(t, 300*time.Second, cfg.Orders.FillTimeout)
	assert.Equal(t, 60*time.Second, cfg.Orders.HedgeWaitTimeout)
	assert.Equal(t, 5*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.ForceCloseTimeout)
	assert.Equal(t, 30*time.Second, cfg.Feed.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Feed.StaleAfter)
	assert.Equal(t, "0.05", cfg.SlippageDecimal().String())
	assert.Equal(t, "0.00001", cfg.EpsilonDecimal().String())
}

func TestLoadFromFile_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hedge.yaml")
	yml := `
venue:
  base_url: https://venue.example
accounts:
  a: {name: maker, index: 11}
  b: {name: taker, index: 22}
hedge:
  retry_times: 5
  confirm_interval: 1500ms
reconcile:
  force_close_timeout: 45s
bus:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("HEDGE_RETRY_TIMES", "7")
	t.Setenv("HEDGE_SIGNER_TOKEN", "secret")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://venue.example", cfg.Venue.BaseURL)
	assert.Equal(t, "maker", cfg.Accounts.A.Name)
	assert.EqualValues(t, 22, cfg.Accounts.B.Index)
	assert.Equal(t, 7, cfg.Hedge.RetryTimes, "环境变量优先")
	assert.Equal(t, 1500*time.Millisecond, cfg.Hedge.ConfirmInterval)
	assert.Equal(t, 45*time.Second, cfg.Reconcile.ForceCloseTimeout)
	assert.Equal(t, "secret", cfg.Venue.SignerToken)
	assert.Equal(t, "memory", cfg.Bus.Driver)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  a: {name: same}\n  b: {name: same}\n"), 0o644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("bus:\n  driver: kafka\n"), 0o644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("feed:\n  heartbeat_interval: 30s\n  stale_after: 10s\n"), 0o644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

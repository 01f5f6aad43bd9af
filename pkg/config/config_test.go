package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultHeartbeatTimeout, cfg.HeartbeatTimeout)
	assert.Equal(t, DefaultServiceIterationInterval, cfg.ServiceIterationInterval)
	assert.Equal(t, DefaultServiceBatch, cfg.ServiceIterationBatch)
	assert.Equal(t, DefaultAddRecordsLimit, cfg.APILimits.AddRecords)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.AutoReset.Enabled)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fractal.yaml")
	raw := `
data_dir: /var/lib/fractal
heartbeat_timeout: 90s
auto_reset:
  enabled: true
  random_error: 3
api_limits:
  add_records: 100
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fractal", cfg.DataDir)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.True(t, cfg.AutoReset.Enabled)
	assert.Equal(t, 3, cfg.AutoReset.RandomError)
	assert.Equal(t, 100, cfg.APILimits.AddRecords)
	assert.Equal(t, "debug", cfg.Log.Level)

	// unset fields fall back to defaults
	assert.Equal(t, DefaultServiceIterationInterval, cfg.ServiceIterationInterval)
	assert.Equal(t, DefaultGetRecordsLimit, cfg.APILimits.GetRecords)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [not a scalar"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestAutoResetMaxAttempts(t *testing.T) {
	a := AutoReset{RandomError: 5, ComputeLost: 2}

	assert.Equal(t, 5, a.MaxAttempts("random_error"))
	assert.Equal(t, 2, a.MaxAttempts("compute_lost"))
	assert.Equal(t, 0, a.MaxAttempts("input_error"))
}

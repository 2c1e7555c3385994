package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/rtcore/api"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, api.BackendSimulated, cfg.Backend)
	assert.Equal(t, time.Duration(0), cfg.BasePeriod)
	assert.Equal(t, "/dev/shm", cfg.ShmDir)
	assert.Equal(t, "rtcore.", cfg.ShmPrefix)
	assert.Equal(t, 64, cfg.PoolSize)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("RTCORE_BACKEND", "posix-rt")
	t.Setenv("RTCORE_BASE_PERIOD", "50us")
	t.Setenv("RTCORE_SHM_PREFIX", "cnc.")
	t.Setenv("RTCORE_LOG_LEVEL", "debug")
	t.Setenv("RTCORE_LOG_DEV", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, api.BackendPosixRT, cfg.Backend)
	assert.Equal(t, 50*time.Microsecond, cfg.BasePeriod)
	assert.Equal(t, "cnc.", cfg.ShmPrefix)

	lc := cfg.Logging()
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Development)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown backend", "RTCORE_BACKEND", "rtai"},
		{"negative period", "RTCORE_BASE_PERIOD", "-1ms"},
		{"zero pool", "RTCORE_POOL_SIZE", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("RTCORE_BACKEND", "bogus")
	cfg := LoadOrDefault()
	assert.Equal(t, Default(), cfg)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	cfg := m.GetConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "male", m.GetEngineConfig().MaleToken)
	assert.Equal(t, 2, cfg.Engine.DefaultHorizon)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "sqlite", cfg.Audit.Driver)
	assert.True(t, m.IsDevelopment())
	assert.False(t, m.IsProduction())
}

func TestNewManager_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("KFRE_SERVER_PORT", "9191")
	t.Setenv("KFRE_ENGINE_FEMALE_TOKEN", "F")
	t.Setenv("KFRE_ENVIRONMENT", "production")

	m, err := NewManager()
	require.NoError(t, err)

	assert.Equal(t, 9191, m.GetServerConfig().Port)
	assert.Equal(t, "F", m.GetEngineConfig().FemaleToken)
	assert.True(t, m.IsProduction())
}

func TestNewManagerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kfre.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
engine:
  default_horizon: 5
  workers: 3
cache:
  enabled: false
logging:
  level: debug
`), 0644))

	m, err := NewManagerFromFile(path)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	cfg := m.GetConfig()
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.DefaultHorizon)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, "male", cfg.Engine.MaleToken)
}

func TestManager_Validate(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name   string
		mutate func(m *Manager)
	}{
		{"bad port", func(m *Manager) { m.config.Server.Port = 0 }},
		{"bad horizon", func(m *Manager) { m.config.Engine.DefaultHorizon = 3 }},
		{"empty male token", func(m *Manager) { m.config.Engine.MaleToken = "" }},
		{"empty female token", func(m *Manager) { m.config.Engine.FemaleToken = "" }},
		{"cache without size", func(m *Manager) { m.config.Cache.MaxItems = 0 }},
		{"audit without path", func(m *Manager) { m.config.Audit.DBPath = "" }},
		{"unknown audit driver", func(m *Manager) { m.config.Audit.Driver = "mysql" }},
		{"postgres audit without url", func(m *Manager) { m.config.Audit.Driver = "postgres" }},
		{"rate limit without burst", func(m *Manager) { m.config.RateLimit.Burst = 0 }},
		{"bad log level", func(m *Manager) { m.config.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager()
			require.NoError(t, err)
			tt.mutate(m)
			assert.Error(t, m.Validate())
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/paychat/internal/codec"
	"github.com/wolfeidau/paychat/internal/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paychat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, session.DefaultConfig(), cfg.Session)
	assert.Equal(t, "sessions.enc", cfg.Store.Path)
	assert.Equal(t, codec.DefaultIterations, cfg.Store.Iterations)
	assert.Equal(t, 15*time.Second, cfg.Issuer.Timeout)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_OverlaysFile(t *testing.T) {
	t.Setenv("TEST_PAYCHAT_PASSPHRASE", "from-env")

	path := writeConfig(t, `
session:
  max_sessions: 50
  inactivity_timeout: 2h
  save_debounce: 500ms
store:
  path: /var/lib/paychat/sessions.enc
  passphrase: ${TEST_PAYCHAT_PASSPHRASE}
issuer:
  base_url: https://payments.example.com/api
telemetry:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Session.MaxSessions)
	assert.Equal(t, 2*time.Hour, cfg.Session.InactivityTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.SaveDebounce)
	assert.Equal(t, 10*time.Minute, cfg.Session.RefreshThreshold, "unset keys keep defaults")
	assert.Equal(t, "/var/lib/paychat/sessions.enc", cfg.Store.Path)
	assert.Equal(t, "from-env", cfg.Store.Passphrase)
	assert.Equal(t, codec.DefaultSalt, cfg.Store.Salt)
	assert.Equal(t, "https://payments.example.com/api", cfg.Issuer.BaseURL)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "paychat", cfg.Telemetry.ServiceName)

	require.NoError(t, cfg.Validate())
}

func TestLoad_DefaultPath(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load(DefaultPath)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("file in working directory is read", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultPath), []byte("session:\n  max_sessions: 7\n"), 0600))
		t.Chdir(dir)

		cfg, err := Load(DefaultPath)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Session.MaxSessions)
	})
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "session: [not, a, map]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing passphrase", mutate: func(c *Config) { c.Store.Passphrase = "" }, wantErr: "store.passphrase is required"},
		{name: "missing path", mutate: func(c *Config) { c.Store.Path = "" }, wantErr: "store.path is required"},
		{name: "bad iterations", mutate: func(c *Config) { c.Store.Iterations = 0 }, wantErr: "store.iterations"},
		{name: "bad session policy", mutate: func(c *Config) { c.Session.EvictFraction = 1.5 }, wantErr: "evict_fraction"},
		{name: "bad probability", mutate: func(c *Config) { c.Session.SaveOnReadProbability = -0.1 }, wantErr: "save_on_read_probability"},
		{name: "missing issuer", mutate: func(c *Config) { c.Issuer.BaseURL = "" }, wantErr: "issuer.base_url"},
		{name: "telemetry without name", mutate: func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.ServiceName = ""
		}, wantErr: "telemetry.service_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Store.Passphrase = "secret"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

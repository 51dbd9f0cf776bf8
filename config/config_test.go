package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/dialog/config"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	return home
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := isolateHome(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:3000", cfg.ServerURL)
	require.Equal(t, filepath.Join(home, ".local", "share", "dialog"), cfg.DataPath)
	require.Equal(t, 5*time.Second, cfg.ReconnectInterval())
	require.Equal(t, 10, cfg.MaxReconnectAttempts)
	require.Equal(t, 300*time.Millisecond, cfg.Debounce())
	require.Equal(t, 2.0, cfg.DedupWindowSeconds)
	require.Equal(t, filepath.Join(cfg.DataPath, "store"), cfg.StorePath())
}

func TestLoadFileThenEnv(t *testing.T) {
	home := isolateHome(t)
	path := filepath.Join(t.TempDir(), "dialog.toml")

	file := config.Default()
	file.ServerURL = "wss://relay.example/ws"
	file.DataPath = "~/subs"
	file.LogLevel = "DEBUG"
	file.HTTPPort = 9000
	data, err := toml.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("DIALOG_HTTP_PORT", "9100")
	t.Setenv("DIALOG_DEDUP_WINDOW_SECONDS", "1.5")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example/ws", cfg.ServerURL)
	require.Equal(t, filepath.Join(home, "subs"), cfg.DataPath)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 9100, cfg.HTTPPort)
	require.Equal(t, 1.5, cfg.DedupWindowSeconds)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	isolateHome(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadRejectsBrokenToml(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "dialog.toml")
	require.NoError(t, os.WriteFile(path, []byte("server_url = [oops"), 0o644))
	_, err := config.Load(path)
	require.ErrorContains(t, err, "parse config")
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"scheme":      func(c *config.Config) { c.ServerURL = "http://relay" },
		"empty url":   func(c *config.Config) { c.ServerURL = "" },
		"port":        func(c *config.Config) { c.HTTPPort = 70000 },
		"data path":   func(c *config.Config) { c.DataPath = "" },
		"log level":   func(c *config.Config) { c.LogLevel = "loud" },
		"interval":    func(c *config.Config) { c.ReconnectIntervalMS = 0 },
		"attempts":    func(c *config.Config) { c.MaxReconnectAttempts = 0 },
		"debounce":    func(c *config.Config) { c.DebounceMS = -1 },
		"dedupWindow": func(c *config.Config) { c.DedupWindowSeconds = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			cfg.DataPath = "/tmp/dialog"
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := config.Default()
	cfg.DataPath = "/tmp/dialog"
	require.NoError(t, cfg.Validate())
}

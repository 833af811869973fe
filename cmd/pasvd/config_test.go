package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cc := cfg.ToControllerConfig()
	assert.Equal(t, 10*time.Millisecond, cc.Interval)
	assert.Equal(t, 150*time.Millisecond, cc.DefaultDuration)
	assert.True(t, cc.Clamp)
	assert.Equal(t, "pa-smooth-volume", cfg.Pulse.AppName)
	assert.Empty(t, cfg.Status.Listen)
}

func TestDefaultSocketPath(t *testing.T) {
	p := DefaultSocketPath()
	if os.Getuid() == 0 {
		assert.Equal(t, "/run/pasvd", p)
	} else {
		assert.Equal(t, filepath.Join("/run/user", strconv.Itoa(os.Getuid()), "pasvd"), p)
	}
}

func TestLoadConfigFile_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
socket_path: /tmp/pasvd-test.sock
controller:
  interval_ms: 20
  default_duration_ms: 400
  clamp: false
pulse:
  server: unix:/run/user/1000/pulse/native
status:
  listen: 127.0.0.1:7790
logging:
  level: debug
  timings: true
`)

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/pasvd-test.sock", cfg.SocketPath)
	assert.Equal(t, 20, cfg.Controller.IntervalMS)
	assert.Equal(t, 400, cfg.Controller.DefaultDurationMS)
	assert.False(t, cfg.Controller.Clamp)
	assert.Equal(t, "unix:/run/user/1000/pulse/native", cfg.Pulse.Server)
	assert.Equal(t, defaultPulseAppName, cfg.Pulse.AppName, "unset fields keep defaults")
	assert.Equal(t, "127.0.0.1:7790", cfg.Status.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.ToControllerConfig().PrintTimings)
}

func TestLoadConfigFile_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
socket_path = "/tmp/pasvd-test.sock"

[controller]
interval_ms = 5
default_duration_ms = 0
clamp = true

[logging]
level = "warn"
`)

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Controller.IntervalMS)
	assert.Equal(t, 0, cfg.Controller.DefaultDurationMS)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigFile_EmptyYAMLKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "# nothing here\n")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown yaml field", "c.yaml", "controller:\n  interval: 10\n"},
		{"trailing yaml document", "c.yaml", "socket_path: /a\n---\nsocket_path: /b\n"},
		{"unknown toml field", "c.toml", "[controller]\ninterval = 10\n"},
		{"bad toml", "c.toml", "socket_path = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingDefaultFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_DefaultFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pasvd"), 0o700))
	want := filepath.Join(dir, "pasvd", "config.yaml")
	require.NoError(t, os.WriteFile(want, []byte("controller:\n  interval_ms: 25\n"), 0o600))

	cfg, path, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, want, path)
	assert.Equal(t, 25, cfg.Controller.IntervalMS)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()

	socket := "/tmp/other.sock"
	interval := 15
	clamp := false
	level := "error"
	FlagOverrides{
		SocketPath: &socket,
		IntervalMS: &interval,
		Clamp:      &clamp,
		LogLevel:   &level,
	}.Apply(&cfg)

	assert.Equal(t, socket, cfg.SocketPath)
	assert.Equal(t, 15, cfg.Controller.IntervalMS)
	assert.False(t, cfg.Controller.Clamp, "zero values are applied too")
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, defaultDurationMS, cfg.Controller.DefaultDurationMS, "unset flags leave the file value")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket", func(c *Config) { c.SocketPath = "" }},
		{"zero interval", func(c *Config) { c.Controller.IntervalMS = 0 }},
		{"huge interval", func(c *Config) { c.Controller.IntervalMS = 5000 }},
		{"negative duration", func(c *Config) { c.Controller.DefaultDurationMS = -1 }},
		{"empty app name", func(c *Config) { c.Pulse.AppName = "" }},
		{"bad listen", func(c *Config) { c.Status.Listen = "7790" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/etc/pasvd.yaml", ExpandPath("/etc/pasvd.yaml"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, ".config/pasvd.yaml"), ExpandPath("~/.config/pasvd.yaml"))
	assert.Equal(t, "~other/x", ExpandPath("~other/x"))
}

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the pasvd configuration file.
//
// Defaults, file, then flags: DefaultConfig is overlaid by the file (YAML or
// TOML, chosen by extension) and then by any flags the user actually set.
// Validate runs last so the rest of the code can assume a sane config.
type Config struct {
	// Unix socket the listener binds
	SocketPath string `yaml:"socket_path" toml:"socket_path"`

	Controller ControllerFileConfig `yaml:"controller" toml:"controller"`
	Pulse      PulseConfig          `yaml:"pulse" toml:"pulse"`

	// Optional websocket status feed and /metrics
	Status StatusConfig `yaml:"status" toml:"status"`

	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ControllerFileConfig is the tick loop configuration as written in the file.
type ControllerFileConfig struct {
	IntervalMS        int  `yaml:"interval_ms" toml:"interval_ms"`
	DefaultDurationMS int  `yaml:"default_duration_ms" toml:"default_duration_ms"`
	Clamp             bool `yaml:"clamp" toml:"clamp"`
}

type PulseConfig struct {
	Server  string `yaml:"server,omitempty" toml:"server,omitempty"` // empty: library default ($PULSE_SERVER, runtime dir)
	AppName string `yaml:"app_name" toml:"app_name"`
}

type StatusConfig struct {
	Listen string `yaml:"listen,omitempty" toml:"listen,omitempty"` // e.g. "127.0.0.1:7790"; empty disables
}

type LoggingConfig struct {
	Level   string `yaml:"level" toml:"level"`
	Timings bool   `yaml:"timings,omitempty" toml:"timings,omitempty"` // log per-tick loop timing
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		SocketPath: DefaultSocketPath(),
		Controller: ControllerFileConfig{
			IntervalMS:        defaultIntervalMS,
			DefaultDurationMS: defaultDurationMS,
			Clamp:             true,
		},
		Pulse: PulseConfig{
			AppName: defaultPulseAppName,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
	}
}

// DefaultSocketPath is /run/user/<uid>/pasvd, or /run/pasvd for root.
func DefaultSocketPath() string {
	uid := os.Getuid()
	if uid == 0 {
		return filepath.Join("/run", defaultSocketName)
	}
	return filepath.Join("/run/user", fmt.Sprint(uid), defaultSocketName)
}

// DefaultConfigPath is $XDG_CONFIG_HOME/pasvd/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultConfigDirName, defaultConfigFileName), nil
}

// LoadConfig loads path, or the default config path when path is empty.
// A missing default file is not an error; it yields DefaultConfig and an
// empty path. The returned path is the file actually read.
func LoadConfig(path string) (Config, string, error) {
	if path != "" {
		cfg, err := LoadConfigFile(path)
		return cfg, ExpandPath(path), err
	}

	def, err := DefaultConfigPath()
	if err != nil {
		return DefaultConfig(), "", nil
	}
	cfg, err := LoadConfigFile(def)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), "", nil
	}
	return cfg, def, err
}

// LoadConfigFile reads and parses a config file on top of DefaultConfig.
// Files ending in .toml are TOML; anything else is YAML. Unknown fields are
// rejected in both formats.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	path = ExpandPath(path)

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := decodeTOML(b, &cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err := decodeYAML(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		// A file with only comments has no document; keep the defaults.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace or comments may follow the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); err == nil {
		return fmt.Errorf("decode config yaml: unexpected trailing document")
	}
	return nil
}

func decodeTOML(b []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config toml: %w", err)
	}
	return nil
}

// FlagOverrides carries command-line overrides. A nil pointer means the flag
// was not set; a non-nil pointer is applied even when it holds a zero value.
type FlagOverrides struct {
	SocketPath *string

	IntervalMS        *int
	DefaultDurationMS *int
	Clamp             *bool

	PulseServer  *string
	PulseAppName *string

	StatusListen *string

	LogLevel   *string
	LogTimings *bool
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.SocketPath != nil {
		cfg.SocketPath = *o.SocketPath
	}

	if o.IntervalMS != nil {
		cfg.Controller.IntervalMS = *o.IntervalMS
	}
	if o.DefaultDurationMS != nil {
		cfg.Controller.DefaultDurationMS = *o.DefaultDurationMS
	}
	if o.Clamp != nil {
		cfg.Controller.Clamp = *o.Clamp
	}

	if o.PulseServer != nil {
		cfg.Pulse.Server = *o.PulseServer
	}
	if o.PulseAppName != nil {
		cfg.Pulse.AppName = *o.PulseAppName
	}

	if o.StatusListen != nil {
		cfg.Status.Listen = *o.StatusListen
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogTimings != nil {
		cfg.Logging.Timings = *o.LogTimings
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket_path must not be empty")
	}

	if c.Controller.IntervalMS <= 0 || c.Controller.IntervalMS > 1000 {
		return errors.New("controller.interval_ms must be between 1 and 1000")
	}
	if c.Controller.DefaultDurationMS < 0 || c.Controller.DefaultDurationMS > maxRequestDurationMS {
		return fmt.Errorf("controller.default_duration_ms must be between 0 and %d", int64(maxRequestDurationMS))
	}

	if c.Pulse.AppName == "" {
		return errors.New("pulse.app_name must not be empty")
	}

	if c.Status.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Status.Listen); err != nil {
			return fmt.Errorf("status.listen must be host:port: %w", err)
		}
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToControllerConfig converts the file config into the controller's settings.
func (c *Config) ToControllerConfig() ControllerConfig {
	return ControllerConfig{
		Interval:        time.Duration(c.Controller.IntervalMS) * time.Millisecond,
		DefaultDuration: time.Duration(c.Controller.DefaultDurationMS) * time.Millisecond,
		Clamp:           c.Controller.Clamp,
		PrintTimings:    c.Logging.Timings,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}

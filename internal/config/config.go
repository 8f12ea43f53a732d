// Package config loads voiceterm settings from defaults, an optional YAML
// file and VOICETERM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "yaml"
	envPrefix  = "VOICETERM"
)

type Config struct {
	Host      HostConfig      `mapstructure:"host"`
	Session   SessionConfig   `mapstructure:"session"`
	Transport TransportConfig `mapstructure:"transport"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Router    RouterConfig    `mapstructure:"router"`
	API       APIConfig       `mapstructure:"api"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Keys      KeysConfig      `mapstructure:"keys"`
}

type HostConfig struct {
	URL         string `mapstructure:"url"`
	Listen      string `mapstructure:"listen"`
	Shell       string `mapstructure:"shell"`
	WorkDir     string `mapstructure:"workdir"`
	MaxSessions int    `mapstructure:"max_sessions"`
}

type SessionConfig struct {
	MaxLines int `mapstructure:"max_lines"`
}

type TransportConfig struct {
	QueueDepth    int           `mapstructure:"queue_depth"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	MinBackoff    time.Duration `mapstructure:"min_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	ReadDeadline  time.Duration `mapstructure:"read_deadline"`
	WriteDeadline time.Duration `mapstructure:"write_deadline"`
}

type VoiceConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	Continuous    bool    `mapstructure:"continuous"`
}

type RouterConfig struct {
	AliasesFile string `mapstructure:"aliases_file"`
}

type APIConfig struct {
	// Addr is the control API listen address. Empty disables the API.
	Addr string `mapstructure:"addr"`
}

type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type MetricsConfig struct {
	HistorySize   int           `mapstructure:"history_size"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type KeysConfig struct {
	VoiceToggle string `mapstructure:"voice_toggle"`
}

// getConfigDir returns the directory searched for config.yaml.
func getConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".config", "voiceterm")
	}
	return filepath.Join(dir, "voiceterm")
}

// New returns a viper instance carrying every default and the env binding.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("host.url", "ws://127.0.0.1:8420/ws")
	v.SetDefault("host.listen", ":8420")
	v.SetDefault("host.shell", "/bin/sh")
	v.SetDefault("host.workdir", "")
	v.SetDefault("host.max_sessions", 10)

	v.SetDefault("session.max_lines", 1000)

	v.SetDefault("transport.queue_depth", 256)
	v.SetDefault("transport.ack_timeout", "5s")
	v.SetDefault("transport.min_backoff", "500ms")
	v.SetDefault("transport.max_backoff", "30s")
	v.SetDefault("transport.max_attempts", 0)
	v.SetDefault("transport.ping_interval", "30s")
	v.SetDefault("transport.read_deadline", "60s")
	v.SetDefault("transport.write_deadline", "10s")

	v.SetDefault("voice.min_confidence", 0.5)
	v.SetDefault("voice.continuous", true)

	v.SetDefault("router.aliases_file", "")

	v.SetDefault("api.addr", "127.0.0.1:8421")

	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.path", filepath.Join(getConfigDir(), "snapshot.db"))

	v.SetDefault("metrics.history_size", 1000)
	v.SetDefault("metrics.slow_threshold", "2s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("keys.voice_toggle", "ctrl+t")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or config.yaml from the user config dir when path is
// empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Host.WorkDir = expandPath(cfg.Host.WorkDir)
	cfg.Router.AliasesFile = expandPath(cfg.Router.AliasesFile)
	cfg.Snapshot.Path = expandPath(cfg.Snapshot.Path)
	cfg.Log.File = expandPath(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Voice.MinConfidence < 0 || c.Voice.MinConfidence > 1 {
		return fmt.Errorf("voice.min_confidence must be within [0, 1], got %v", c.Voice.MinConfidence)
	}
	if c.Session.MaxLines < 1 {
		return fmt.Errorf("session.max_lines must be positive, got %d", c.Session.MaxLines)
	}
	if c.Transport.MinBackoff > c.Transport.MaxBackoff {
		return fmt.Errorf("transport.min_backoff %s exceeds transport.max_backoff %s",
			c.Transport.MinBackoff, c.Transport.MaxBackoff)
	}
	if c.Keys.VoiceToggle == "" {
		return errors.New("keys.voice_toggle must not be empty")
	}
	return nil
}

func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		p = filepath.Join(home, p[2:])
	}
	return p
}

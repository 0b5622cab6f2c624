// Package config provides configuration management for the relay.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ErrConfigNotFound indicates no usable config file was found. Callers
// fall back to defaults in that case; it is not itself a fatal error.
var ErrConfigNotFound = errors.New("config not found")

// Config is the relay's full runtime configuration.
type Config struct {
	Host      string          `json:"host" yaml:"host" mapstructure:"host"`
	Port      int             `json:"port" yaml:"port" mapstructure:"port"`
	Remote    bool            `json:"remote" yaml:"remote" mapstructure:"remote"`
	Auth      AuthConfig      `json:"auth" yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
	Buffer    BufferConfig    `json:"buffer" yaml:"buffer" mapstructure:"buffer"`
	Recording RecordingConfig `json:"recording" yaml:"recording" mapstructure:"recording"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// AuthConfig carries the shared bearer token used when the relay is
// exposed beyond loopback.
type AuthConfig struct {
	Token string `json:"token" yaml:"token" mapstructure:"token"`
}

// RateLimitConfig bounds client HTTP/WS admission.
type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" yaml:"burst" mapstructure:"burst"`
}

// BufferConfig sizes the per-session bounded event queue and
// the per-client pending-command table.
type BufferConfig struct {
	EventQueueDepth   int `json:"eventQueueDepth" yaml:"eventQueueDepth" mapstructure:"eventQueueDepth"`
	PendingCommandCap int `json:"pendingCommandCap" yaml:"pendingCommandCap" mapstructure:"pendingCommandCap"`
}

// RecordingConfig configures the tab-capture recording pipeline's defaults.
type RecordingConfig struct {
	DefaultOutputDir   string `json:"defaultOutputDir" yaml:"defaultOutputDir" mapstructure:"defaultOutputDir"`
	FirstChunkTimeoutS int    `json:"firstChunkTimeoutSeconds" yaml:"firstChunkTimeoutSeconds" mapstructure:"firstChunkTimeoutSeconds"`
}

// LoggingConfig controls zerolog verbosity.
type LoggingConfig struct {
	Verbose bool `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
}

// StateDir returns the relay's state directory path. Overridable via
// CDP_RELAY_STATE_DIR. Default: ~/.cdp-relay
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("CDP_RELAY_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".cdp-relay"
	}
	return filepath.Join(home, ".cdp-relay")
}

// ConfigDir is an alias for StateDir.
func ConfigDir() string {
	return StateDir()
}

// ConfigPath returns the default config file path. Overridable via
// CDP_RELAY_CONFIG_PATH. Default: ~/.cdp-relay/cdp-relay.json
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("CDP_RELAY_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "cdp-relay.json")
}

// LockPath returns the path to the boot/ownership manager's lock file.
func LockPath() string {
	return filepath.Join(StateDir(), "cdp-relay.lock")
}

// LogPath returns the path to the relay's own log file.
func LogPath() string {
	return filepath.Join(StateDir(), "cdp-relay.log")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// LoadViper loads the configuration into a Viper instance without
// unmarshalling it, so callers can bind cobra flags on top.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if override := strings.TrimSpace(os.Getenv("CDP_RELAY_CONFIG_PATH")); override != "" {
		v.SetConfigFile(expandPath(override))
	} else {
		v.SetConfigName("cdp-relay")
		v.AddConfigPath(StateDir())
	}

	v.SetEnvPrefix("CDP_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, err
	}

	return v, nil
}

// Load reads the configuration from defaults, the config file, and
// environment variables, in that order of increasing priority.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Auth.Token = os.ExpandEnv(cfg.Auth.Token)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 9876)
	v.SetDefault("remote", false)
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.rps", 20.0)
	v.SetDefault("rateLimit.burst", 40)
	v.SetDefault("buffer.eventQueueDepth", 1024)
	v.SetDefault("buffer.pendingCommandCap", 10000)
	v.SetDefault("recording.firstChunkTimeoutSeconds", 5)
}

// Save persists the configuration to ConfigPath() as JSON.
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0o600)
}

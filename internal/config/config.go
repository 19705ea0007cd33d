package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// DefaultDevicePattern matches the author's usual headset by product name
// or bluetooth address. Override via config file or --device-pattern.
const DefaultDevicePattern = `bd.h200|00:05:30:00:05:4E`

// Config represents the application configuration. A pipeline run receives
// a value copy at start; later edits never affect an in-flight run.
type Config struct {
	Model         string `toml:"model"`          // whisper model: tiny/base/small/medium/large-v3
	NoSummary     bool   `toml:"no_summary"`     // skip summarization
	MicOnly       bool   `toml:"mic_only"`       // skip monitor capture
	OutputDir     string `toml:"output_dir"`     // base directory for session dirs
	DevicePattern string `toml:"device_pattern"` // regex for endpoint auto-detection
	MicSource     string `toml:"mic_source"`     // explicit mic endpoint ("" = auto)
	MonitorSource string `toml:"monitor_source"` // explicit monitor endpoint ("" = auto, "default" = first monitor)

	APIKey       string `toml:"api_key"`       // xAI API key ("" = XAI_API_KEY env)
	APIBaseURL   string `toml:"api_base_url"`  // OpenAI-compatible endpoint
	SummaryModel string `toml:"summary_model"` // chat model used for summaries

	WhisperBin string `toml:"whisper_bin"` // transcriber binary ("" = python -m whisper)
	HistoryDB  string `toml:"history_db"`  // session history db ("" = <output_dir>/.recmeet.db)

	Logging LoggingConfig `toml:"logging"`
	Server  ServerConfig  `toml:"server"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig represents the control-surface server configuration
type ServerConfig struct {
	Addr               string   `toml:"addr"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Model:         "base",
		NoSummary:     false,
		MicOnly:       false,
		OutputDir:     "./meetings",
		DevicePattern: DefaultDevicePattern,
		APIBaseURL:    "https://api.x.ai/v1",
		SummaryModel:  "grok-3",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8750",
		},
	}
}

// Path returns the config file location, honoring XDG_CONFIG_HOME.
func Path() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "recmeet", "config.toml")
}

// Load reads the config file at path, merged over defaults. A missing file
// is not an error: defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = Path()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveAPIKey returns the effective API key: config value first, then the
// XAI_API_KEY environment variable.
func (c *Config) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return os.Getenv("XAI_API_KEY")
}

// HistoryDBPath returns the effective session history database path. The
// default lives under the output dir so it travels with the recordings.
func (c *Config) HistoryDBPath() string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.OutputDir, ".recmeet.db")
}

var saveMu sync.Mutex

// Save writes the config to path, creating parent directories as needed.
// Writes are serialized: the tray/API write path may be called from
// multiple goroutines.
func Save(path string, cfg Config) error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# recmeet configuration"); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

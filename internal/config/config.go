package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath names the variable that overrides the config location.
	EnvConfigPath     = "MICROREG_CONFIG"
	defaultConfigPath = "~/.config/microreg/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the viewer and registration runs.
type Config struct {
	Processing   Processing         `json:"processing" yaml:"processing"`
	Logging      Logging            `json:"logging" yaml:"logging"`
	Paths        Paths              `json:"paths" yaml:"paths"`
	Viewer       ViewerConfig       `json:"viewer" yaml:"viewer"`
	Registration RegistrationConfig `json:"registration" yaml:"registration"`
	Server       ServerConfig       `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	QueueSize    int    `json:"queue_size" yaml:"queue_size"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// ViewerConfig controls how loaded volumes are displayed.
type ViewerConfig struct {
	DefaultSpacing int     `json:"default_spacing" yaml:"default_spacing"` // µm, applied until the user enters one
	Mode           string  `json:"mode" yaml:"mode"`                       // volume, slice
	Orientation    string  `json:"orientation" yaml:"orientation"`         // coronal, sagittal
	WindowLow      float64 `json:"window_low" yaml:"window_low"`
	WindowHigh     float64 `json:"window_high" yaml:"window_high"`
	PreviewWidth   int     `json:"preview_width" yaml:"preview_width"`
}

// RegistrationConfig selects and tunes registration engines.
type RegistrationConfig struct {
	DefaultEngine    string               `json:"default_engine" yaml:"default_engine"`
	DefaultTransform string               `json:"default_transform" yaml:"default_transform"`
	Timeout          string               `json:"timeout" yaml:"timeout"`
	ScratchDir       string               `json:"scratch_dir" yaml:"scratch_dir"`
	External         ExternalEngineConfig `json:"external" yaml:"external"`
	Centroid         CentroidEngineConfig `json:"centroid" yaml:"centroid"`
}

// ExternalEngineConfig points at the registration program bridge.
type ExternalEngineConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Binary    string   `json:"binary" yaml:"binary"`
	ExtraArgs []string `json:"extra_args" yaml:"extra_args"`
}

// CentroidEngineConfig toggles the built-in translation engine.
type CentroidEngineConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	RPCAddr   string `json:"rpc_addr" yaml:"rpc_addr"`
	WatchData bool   `json:"watch_data" yaml:"watch_data"`
}

// TimeoutDuration parses Timeout; empty or invalid values mean no limit.
func (r RegistrationConfig) TimeoutDuration() time.Duration {
	if r.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Path returns the config location from the environment or the default.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from path. YAML is used for .yaml and .yml
// files, JSON otherwise. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if isYAML(expanded) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}

	var data []byte
	if isYAML(expanded) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	if c.Viewer.DefaultSpacing <= 0 {
		return fmt.Errorf("viewer.default_spacing must be positive, got %d", c.Viewer.DefaultSpacing)
	}
	if c.Viewer.WindowHigh <= c.Viewer.WindowLow {
		return fmt.Errorf("viewer window [%g, %g] is empty", c.Viewer.WindowLow, c.Viewer.WindowHigh)
	}
	switch c.Viewer.Mode {
	case "volume", "slice":
	default:
		return fmt.Errorf("viewer.mode must be volume or slice, got %q", c.Viewer.Mode)
	}
	switch c.Viewer.Orientation {
	case "coronal", "sagittal":
	default:
		return fmt.Errorf("viewer.orientation must be coronal or sagittal, got %q", c.Viewer.Orientation)
	}
	if c.Registration.Timeout != "" {
		if _, err := time.ParseDuration(c.Registration.Timeout); err != nil {
			return fmt.Errorf("registration.timeout: %w", err)
		}
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    64,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DataDir:       ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "microreg.db"),
		},
		Viewer: ViewerConfig{
			DefaultSpacing: 20,
			Mode:           "volume",
			Orientation:    "coronal",
			WindowLow:      0,
			WindowHigh:     5000,
			PreviewWidth:   512,
		},
		Registration: RegistrationConfig{
			DefaultEngine:    "auto",
			DefaultTransform: "SyN",
			Timeout:          "2h",
			ScratchDir:       filepath.Join(os.TempDir(), "microreg-engine"),
			External: ExternalEngineConfig{
				Enabled: true,
				Binary:  "microreg-ants",
			},
			Centroid: CentroidEngineConfig{Enabled: true},
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8080",
			RPCAddr:   "127.0.0.1:9090",
			WatchData: true,
		},
	}
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	expanded, err := expandUser(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(expanded)
	return err == nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

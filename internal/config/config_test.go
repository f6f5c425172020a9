package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Viewer.DefaultSpacing != 20 {
		t.Fatalf("expected default spacing 20, got %d", cfg.Viewer.DefaultSpacing)
	}
	if cfg.Registration.TimeoutDuration() != 2*time.Hour {
		t.Fatalf("expected 2h timeout, got %v", cfg.Registration.TimeoutDuration())
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"viewer": {"default_spacing": 5, "mode": "slice", "orientation": "sagittal", "window_low": 0, "window_high": 100},
		"registration": {"default_engine": "centroid"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Viewer.DefaultSpacing != 5 || cfg.Viewer.Mode != "slice" {
		t.Fatalf("unexpected viewer config %+v", cfg.Viewer)
	}
	if cfg.Registration.DefaultEngine != "centroid" {
		t.Fatalf("expected centroid engine, got %q", cfg.Registration.DefaultEngine)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Processing.ParallelJobs)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Server.Addr = "0.0.0.0:9000"
	cfg.Registration.External.ExtraArgs = []string{"--threads", "4"}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("expected addr to round trip, got %q", got.Server.Addr)
	}
	if len(got.Registration.External.ExtraArgs) != 2 {
		t.Fatalf("expected extra args to round trip, got %v", got.Registration.External.ExtraArgs)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"spacing":     func(c *Config) { c.Viewer.DefaultSpacing = 0 },
		"window":      func(c *Config) { c.Viewer.WindowHigh = c.Viewer.WindowLow },
		"mode":        func(c *Config) { c.Viewer.Mode = "mip" },
		"orientation": func(c *Config) { c.Viewer.Orientation = "axial" },
		"timeout":     func(c *Config) { c.Registration.Timeout = "soon" },
		"parallel":    func(c *Config) { c.Processing.ParallelJobs = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Graph.Endpoint != "http://localhost:9090" {
		t.Errorf("expected default graph endpoint, got %s", cfg.Graph.Endpoint)
	}
	if cfg.Dispatcher.HVResolution != 11 {
		t.Errorf("expected default hv resolution 11, got %d", cfg.Dispatcher.HVResolution)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}, wantErr: false},
		{name: "missing graph endpoint", modify: func(c *Config) { c.Graph.Endpoint = "" }, wantErr: true},
		{name: "non-positive pool size", modify: func(c *Config) { c.Graph.PoolSize = 0 }, wantErr: true},
		{name: "missing http addr", modify: func(c *Config) { c.HTTP.Addr = "" }, wantErr: true},
		{name: "non-positive max in flight", modify: func(c *Config) { c.Dispatcher.MaxInFlight = 0 }, wantErr: true},
		{name: "even hv resolution", modify: func(c *Config) { c.Dispatcher.HVResolution = 10 }, wantErr: true},
		{name: "non-positive evaluator concurrency", modify: func(c *Config) { c.Evaluator.MaxConcurrent = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
graph:
  endpoint: "http://kg.internal:9090"
  pool_size: 4
  timeout: 5s
nats:
  url: "nats://test:4222"
dispatcher:
  max_in_flight: 16
  out_dir: "/tmp/tse-out"
evaluator:
  tool_name: "OrbitPy"
  max_concurrent: 2
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Graph.Endpoint != "http://kg.internal:9090" {
		t.Errorf("expected graph endpoint override, got %s", cfg.Graph.Endpoint)
	}
	if cfg.Graph.Timeout != 5*time.Second {
		t.Errorf("expected graph timeout 5s, got %v", cfg.Graph.Timeout)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL override, got %s", cfg.NATS.URL)
	}
	if cfg.Dispatcher.MaxInFlight != 16 {
		t.Errorf("expected max_in_flight 16, got %d", cfg.Dispatcher.MaxInFlight)
	}
	if cfg.Evaluator.ToolName != "OrbitPy" {
		t.Errorf("expected tool_name OrbitPy, got %s", cfg.Evaluator.ToolName)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Graph: GraphConfig{Endpoint: "http://override:9090"},
		HTTP:  HTTPConfig{Addr: ":9999"},
	}

	base.Merge(override)

	if base.Graph.Endpoint != "http://override:9090" {
		t.Errorf("expected graph endpoint override, got %s", base.Graph.Endpoint)
	}
	// PoolSize should remain from base since override didn't set it.
	if base.Graph.PoolSize != 8 {
		t.Errorf("expected pool size to remain default, got %d", base.Graph.PoolSize)
	}
	if base.HTTP.Addr != ":9999" {
		t.Errorf("expected http addr override, got %s", base.HTTP.Addr)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Evaluator.ToolName = "SpaDes"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Evaluator.ToolName != "SpaDes" {
		t.Errorf("expected tool_name SpaDes, got %s", loaded.Evaluator.ToolName)
	}
}

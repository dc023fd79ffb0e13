// Package config provides configuration loading and management for the
// tradespace evaluation orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration. It is shared
// by the dispatcher and evaluator binaries; each reads only the sections
// it needs.
type Config struct {
	Graph      GraphConfig      `yaml:"graph"`
	NATS       NATSConfig       `yaml:"nats"`
	HTTP       HTTPConfig       `yaml:"http"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
}

// GraphConfig configures the knowledge-graph client.
type GraphConfig struct {
	// Endpoint is the base URI of the knowledge-graph query service.
	Endpoint string `yaml:"endpoint"`
	// PoolSize bounds the number of concurrent query sessions.
	PoolSize int `yaml:"pool_size"`
	// Timeout bounds a single query round-trip.
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the pub/sub bus connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = start an embedded server).
	URL string `yaml:"url"`
	// Embedded starts an in-process NATS server even when URL is set;
	// an empty URL starts one regardless of this flag.
	Embedded bool `yaml:"embedded"`
}

// HTTPConfig configures the HTTP listener shared by dispatcher/evaluator.
type HTTPConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`
}

// DispatcherConfig configures TSE Dispatcher-specific behavior.
type DispatcherConfig struct {
	// MaxInFlight bounds the number of architectures dispatched concurrently.
	MaxInFlight int `yaml:"max_in_flight"`
	// CallbackRetries bounds callback delivery retries after the first
	// attempt before giving up.
	CallbackRetries int `yaml:"callback_retries"`
	// CallbackTimeout bounds a single callback POST.
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	// OutDir is the root under which each run gets a <workflow_id>/
	// directory holding arch-<n>/arch.json and summary.csv; nothing is
	// written directly in OutDir.
	OutDir string `yaml:"out_dir"`
	// HVResolution is the per-axis grid resolution for the hypervolume tracker.
	HVResolution int `yaml:"hv_resolution"`
	// ErrorSentinel is the worst-case objective magnitude assigned to an
	// errored architecture's unreachable metrics (sign flipped to the
	// unfavorable direction per-objective).
	ErrorSentinel float64 `yaml:"error_sentinel"`
}

// EvaluatorConfig configures Evaluator Runtime behavior.
type EvaluatorConfig struct {
	// ToolName identifies this evaluator process in the workflow graph.
	ToolName string `yaml:"tool_name"`
	// MaxConcurrent bounds simultaneous in-flight handler invocations.
	MaxConcurrent int `yaml:"max_concurrent"`
	// DependencyTimeout bounds a single peer dependency call.
	DependencyTimeout time.Duration `yaml:"dependency_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			Endpoint: "http://localhost:9090",
			PoolSize: 8,
			Timeout:  10 * time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Dispatcher: DispatcherConfig{
			MaxInFlight:     8,
			CallbackRetries: 5,
			CallbackTimeout: 10 * time.Second,
			OutDir:          "./out",
			HVResolution:    11,
			ErrorSentinel:   1e9,
		},
		Evaluator: EvaluatorConfig{
			ToolName:          "",
			MaxConcurrent:     4,
			DependencyTimeout: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Graph.Endpoint == "" {
		return fmt.Errorf("graph.endpoint is required")
	}
	if c.Graph.PoolSize <= 0 {
		return fmt.Errorf("graph.pool_size must be positive")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Dispatcher.MaxInFlight <= 0 {
		return fmt.Errorf("dispatcher.max_in_flight must be positive")
	}
	if c.Dispatcher.HVResolution%2 == 0 {
		return fmt.Errorf("dispatcher.hv_resolution must be odd")
	}
	if c.Evaluator.MaxConcurrent <= 0 {
		return fmt.Errorf("evaluator.max_concurrent must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, starting from defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; non-zero fields in other
// take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Graph.Endpoint != "" {
		c.Graph.Endpoint = other.Graph.Endpoint
	}
	if other.Graph.PoolSize != 0 {
		c.Graph.PoolSize = other.Graph.PoolSize
	}
	if other.Graph.Timeout != 0 {
		c.Graph.Timeout = other.Graph.Timeout
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	if other.Dispatcher.MaxInFlight != 0 {
		c.Dispatcher.MaxInFlight = other.Dispatcher.MaxInFlight
	}
	if other.Dispatcher.CallbackRetries != 0 {
		c.Dispatcher.CallbackRetries = other.Dispatcher.CallbackRetries
	}
	if other.Dispatcher.CallbackTimeout != 0 {
		c.Dispatcher.CallbackTimeout = other.Dispatcher.CallbackTimeout
	}
	if other.Dispatcher.OutDir != "" {
		c.Dispatcher.OutDir = other.Dispatcher.OutDir
	}
	if other.Dispatcher.HVResolution != 0 {
		c.Dispatcher.HVResolution = other.Dispatcher.HVResolution
	}
	if other.Dispatcher.ErrorSentinel != 0 {
		c.Dispatcher.ErrorSentinel = other.Dispatcher.ErrorSentinel
	}

	if other.Evaluator.ToolName != "" {
		c.Evaluator.ToolName = other.Evaluator.ToolName
	}
	if other.Evaluator.MaxConcurrent != 0 {
		c.Evaluator.MaxConcurrent = other.Evaluator.MaxConcurrent
	}
	if other.Evaluator.DependencyTimeout != 0 {
		c.Evaluator.DependencyTimeout = other.Evaluator.DependencyTimeout
	}
}

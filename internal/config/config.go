package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tinytest configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Execution settings for the pytest sandbox
	Execution ExecutionConfig `yaml:"execution"`

	// Storage of run artifacts
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the test generator.
type LLMConfig struct {
	Provider string `yaml:"provider"` // ollama, ollama-http, openai, gemini
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// PipelineConfig configures the batch driver and repair loop.
type PipelineConfig struct {
	Template      string `yaml:"template"`
	TemplatesFile string `yaml:"templates_file"` // optional override of the embedded templates
	MaxRetries    int    `yaml:"max_retries"`
	ModulesDir    string `yaml:"modules_dir"`
	Workers       int    `yaml:"workers"`
}

// ExecutionConfig configures the pytest sandbox.
type ExecutionConfig struct {
	Python         string `yaml:"python"`
	DefaultTimeout string `yaml:"default_timeout"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
	KeepWorkDirs   bool   `yaml:"keep_work_dirs"`
}

// StorageConfig configures run output.
type StorageConfig struct {
	RunsDir      string `yaml:"runs_dir"`
	DatabasePath string `yaml:"database_path"`
	MetricsFile  string `yaml:"metrics_file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "phi3",
			BaseURL:  "http://localhost:11434",
			Timeout:  "300s",
		},
		Pipeline: PipelineConfig{
			Template:   "few_shot",
			MaxRetries: 2,
			ModulesDir: "data/modules",
			Workers:    1,
		},
		Execution: ExecutionConfig{
			Python:         "python3",
			DefaultTimeout: "60s",
			MaxOutputBytes: 1 << 20,
		},
		Storage: StorageConfig{
			RunsDir:      "runs",
			DatabasePath: "runs/tinytest.db",
			MetricsFile:  "runs/metrics.prom",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if model := os.Getenv("TINYTEST_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" && isOllama(c.LLM.Provider) {
		c.LLM.BaseURL = host
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.Provider == "openai" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && c.LLM.Provider == "openai" {
		c.LLM.BaseURL = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.Provider == "gemini" {
		c.LLM.APIKey = key
	}

	if py := os.Getenv("TINYTEST_PYTHON"); py != "" {
		c.Execution.Python = py
	}
	if retries := os.Getenv("TINYTEST_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			c.Pipeline.MaxRetries = n
		}
	}
	if dir := os.Getenv("TINYTEST_RUNS_DIR"); dir != "" {
		c.Storage.RunsDir = dir
	}
	if path := os.Getenv("TINYTEST_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
}

func isOllama(provider string) bool {
	return provider == "ollama" || provider == "ollama-http"
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// GetExecutionTimeout returns the pytest timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// ValidProviders lists all supported generator providers.
var ValidProviders = []string{"ollama", "ollama-http", "openai", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured (set llm.model or TINYTEST_MODEL)")
	}
	if (c.LLM.Provider == "openai" || c.LLM.Provider == "gemini") && c.LLM.APIKey == "" {
		return fmt.Errorf("%s provider requires an API key", c.LLM.Provider)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	return nil
}

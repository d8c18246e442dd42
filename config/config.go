package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Model catalog
	CatalogPath string // default: "config/models.yaml"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		CatalogPath:          getEnv("MODEL_CATALOG", "config/models.yaml"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// RequestConfig holds task-wide request defaults. Per-candidate overrides
// in ModelUsage take precedence over these.
type RequestConfig struct {
	MaxRetry           int     `yaml:"max_retry"`           // retries per model after the first attempt
	RetryIntervalSec   int     `yaml:"retry_interval"`      // seconds between retryable failures
	TimeoutSec         int     `yaml:"timeout"`             // per-attempt HTTP timeout, seconds
	DefaultMaxTokens   int     `yaml:"default_max_tokens"`  //
	DefaultTemperature float64 `yaml:"default_temperature"` //

	// CancelAll makes an interrupted dispatch abandon the remaining
	// candidates instead of only the current one.
	CancelAll bool `yaml:"cancel_all_on_interrupt"`
}

func (r RequestConfig) RetryInterval() time.Duration {
	return time.Duration(r.RetryIntervalSec) * time.Second
}

func (r RequestConfig) RequestTimeout() time.Duration {
	return time.Duration(r.TimeoutSec) * time.Second
}

// ProviderConfig describes one API backend. The key itself never lives in
// the catalog file; APIKeyEnv names the environment variable holding it.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	ClientType string `yaml:"client_type"` // "openai", "claude", "gemini"
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	APIKey     string `yaml:"-"`
}

// ModelConfig describes one model reachable through a provider. Prices are
// USD per million tokens and feed cost accounting.
type ModelConfig struct {
	Identifier string  `yaml:"identifier"` // wire name used in API calls
	Name       string  `yaml:"name"`       // catalog name used by tasks
	Provider   string  `yaml:"provider"`
	PriceIn    float64 `yaml:"price_in"`
	PriceOut   float64 `yaml:"price_out"`
}

// ModelUsage is one candidate entry in a task's ordered model list.
// Nil fields fall back to the request defaults.
type ModelUsage struct {
	Name        string   `yaml:"name"`
	MaxRetry    *int     `yaml:"max_retry,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

type TaskConfig struct {
	Name   string       `yaml:"name"`
	Models []ModelUsage `yaml:"models"`
}

// Catalog is the parsed model catalog file.
type Catalog struct {
	Defaults  RequestConfig    `yaml:"request_defaults"`
	Providers []ProviderConfig `yaml:"providers"`
	Models    []ModelConfig    `yaml:"models"`
	Tasks     []TaskConfig     `yaml:"tasks"`
}

// DefaultRequestConfig mirrors the documented catalog defaults.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		MaxRetry:           2,
		RetryIntervalSec:   10,
		TimeoutSec:         30,
		DefaultMaxTokens:   1024,
		DefaultTemperature: 0.7,
	}
}

// LoadCatalog reads and validates the YAML model catalog. Provider API keys
// are resolved from the environment here so the rest of the program never
// touches os.Getenv.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates catalog bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	cat := &Catalog{Defaults: DefaultRequestConfig()}
	if err := yaml.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}

	if cat.Defaults.MaxRetry < 0 {
		return nil, fmt.Errorf("request_defaults.max_retry must be >= 0")
	}
	if cat.Defaults.RetryIntervalSec <= 0 {
		return nil, fmt.Errorf("request_defaults.retry_interval must be > 0")
	}
	if cat.Defaults.DefaultMaxTokens <= 0 {
		return nil, fmt.Errorf("request_defaults.default_max_tokens must be > 0")
	}
	if cat.Defaults.DefaultTemperature < 0 {
		return nil, fmt.Errorf("request_defaults.default_temperature must be >= 0")
	}

	providers := make(map[string]bool, len(cat.Providers))
	for i := range cat.Providers {
		p := &cat.Providers[i]
		if p.Name == "" || p.BaseURL == "" {
			return nil, fmt.Errorf("provider %q: name and base_url are required", p.Name)
		}
		if providers[p.Name] {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name)
		}
		providers[p.Name] = true
		if p.ClientType == "" {
			p.ClientType = "openai"
		}
		if p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}

	models := make(map[string]bool, len(cat.Models))
	for i := range cat.Models {
		m := &cat.Models[i]
		if m.Identifier == "" {
			return nil, fmt.Errorf("model at index %d: identifier is required", i)
		}
		if m.Name == "" {
			m.Name = m.Identifier
		}
		if !providers[m.Provider] {
			return nil, fmt.Errorf("model %q references unknown provider %q", m.Name, m.Provider)
		}
		if models[m.Name] {
			return nil, fmt.Errorf("duplicate model name %q", m.Name)
		}
		models[m.Name] = true
	}

	tasks := make(map[string]bool, len(cat.Tasks))
	for _, t := range cat.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task with empty name")
		}
		if tasks[t.Name] {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		tasks[t.Name] = true
		if len(t.Models) == 0 {
			return nil, fmt.Errorf("task %q has no models", t.Name)
		}
		for _, u := range t.Models {
			if !models[u.Name] {
				return nil, fmt.Errorf("task %q references unknown model %q", t.Name, u.Name)
			}
			if u.MaxRetry != nil && *u.MaxRetry < 0 {
				return nil, fmt.Errorf("task %q model %q: max_retry must be >= 0", t.Name, u.Name)
			}
		}
	}

	return cat, nil
}

// Model returns the catalog entry for a model name.
func (c *Catalog) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Provider returns the catalog entry for a provider name.
func (c *Catalog) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Task returns the catalog entry for a task name.
func (c *Catalog) Task(name string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}

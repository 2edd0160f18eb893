// Package config loads chat-broker configuration.
//
// Values come from Default, then an optional YAML file, then environment
// variables. Command-line flags in cmd/chat-broker are applied last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the listen address of the admin HTTP surface.
	Addr string `yaml:"addr"`

	Broker     BrokerConfig     `yaml:"broker"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Responder  ResponderConfig  `yaml:"responder"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type BrokerConfig struct {
	RetryBase time.Duration `yaml:"retry_base"`
	RetryCap  time.Duration `yaml:"retry_cap"`

	// HandlerTimeout bounds each subscriber call. Zero disables the bound.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	MaxEvents int `yaml:"max_events"`
}

type DeadLetterConfig struct {
	// Backend is one of memory, file or sqlite.
	Backend    string        `yaml:"backend"`
	Path       string        `yaml:"path"`
	MaxRecords int           `yaml:"max_records"`
	Retention  time.Duration `yaml:"retention"`
}

type ResponderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Model        string `yaml:"model"`
	MaxTokens    int64  `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
	APIKey       string `yaml:"-"`
}

type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export.
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

func Default() *Config {
	return &Config{
		Addr: ":8080",
		Broker: BrokerConfig{
			RetryBase: time.Second,
			RetryCap:  30 * time.Second,
			MaxEvents: 10000,
		},
		DeadLetter: DeadLetterConfig{
			Backend:    "memory",
			MaxRecords: 10000,
			Retention:  7 * 24 * time.Hour,
		},
		Responder: ResponderConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		Tracing: TracingConfig{
			ServiceName: "chat-broker",
		},
	}
}

// Load layers the YAML file at path (if non-empty) and the environment over
// the defaults, applies overrides in order and validates the result.
// Command-line flags are passed as overrides.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Addr = ":" + port
	}
	if v := strings.TrimSpace(os.Getenv("DEAD_LETTER_BACKEND")); v != "" {
		c.DeadLetter.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("DEAD_LETTER_DB")); v != "" {
		c.DeadLetter.Backend = "sqlite"
		c.DeadLetter.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		c.Responder.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("RESPONDER_ENABLED")); v != "" {
		c.Responder.Enabled = envEnabled(v)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Tracing.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		c.Tracing.Insecure = strings.HasPrefix(v, "http://")
	}
	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"BROKER_RETRY_BASE", &c.Broker.RetryBase},
		{"BROKER_RETRY_CAP", &c.Broker.RetryCap},
		{"BROKER_HANDLER_TIMEOUT", &c.Broker.HandlerTimeout},
	} {
		raw := strings.TrimSpace(os.Getenv(d.name))
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	if raw := strings.TrimSpace(os.Getenv("BROKER_MAX_EVENTS")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("BROKER_MAX_EVENTS: %w", err)
		}
		c.Broker.MaxEvents = v
	}
	return nil
}

func envEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Broker.RetryBase < 0 || c.Broker.RetryCap < 0 || c.Broker.HandlerTimeout < 0 {
		errs = append(errs, errors.New("broker durations must not be negative"))
	}
	if c.Broker.RetryCap > 0 && c.Broker.RetryBase > c.Broker.RetryCap {
		errs = append(errs, fmt.Errorf("broker.retry_base %s exceeds broker.retry_cap %s", c.Broker.RetryBase, c.Broker.RetryCap))
	}
	switch c.DeadLetter.Backend {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(c.DeadLetter.Path) == "" {
			errs = append(errs, fmt.Errorf("dead_letter.path is required for backend %q", c.DeadLetter.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("dead_letter.backend must be memory, file or sqlite, got %q", c.DeadLetter.Backend))
	}
	if c.Responder.Enabled && strings.TrimSpace(c.Responder.APIKey) == "" {
		errs = append(errs, errors.New("responder enabled but ANTHROPIC_API_KEY not configured"))
	}
	return errors.Join(errs...)
}

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
	Agents       []AgentDefinition  `yaml:"agents"`
	Deliberation DeliberationConfig `yaml:"deliberation"`
	Search       SearchConfig       `yaml:"search"`
	Health       HealthConfig       `yaml:"health"`
	Web          WebConfig          `yaml:"web"`
	NATS         NATSConfig         `yaml:"nats"`
	Store        StoreConfig        `yaml:"store"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Vault        VaultConfig        `yaml:"vault"`
	Log          LogConfig          `yaml:"log"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// AgentDefinition is one Ollama endpoint taking part in every deliberation.
// The order of definitions is significant: the first one is the synthesizer.
type AgentDefinition struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

type DeliberationConfig struct {
	AgentTimeout time.Duration `yaml:"agent_timeout"`
}

type SearchConfig struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	Endpoint     string        `yaml:"endpoint"`
	Count        int           `yaml:"count"`
	Timeout      time.Duration `yaml:"timeout"`
	TriggerTerms []string      `yaml:"trigger_terms"`
}

type HealthConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// WatchSchedule is a cron expression or Go duration. Empty disables the watcher.
	WatchSchedule string `yaml:"watch_schedule"`
}

type WebConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Port      int             `yaml:"port"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultTriggerTerms are the words that mark a query as time-sensitive or
// comparative and therefore worth augmenting with web search results.
var DefaultTriggerTerms = []string{
	"current", "latest", "recent", "today", "news", "price",
	"weather", "2024", "2025", "now", "update", "compare",
	"versus", "vs", "best", "top", "ranking",
}

func defaults() Config {
	return Config{
		Agents: []AgentDefinition{
			{Name: "Agent1", Endpoint: "http://localhost:12000", Model: "llama3.1:latest"},
			{Name: "Agent2", Endpoint: "http://localhost:12001", Model: "llama3.1:latest"},
			{Name: "Agent3", Endpoint: "http://localhost:12002", Model: "llama3.1:latest"},
		},
		Deliberation: DeliberationConfig{
			AgentTimeout: 60 * time.Second,
		},
		Search: SearchConfig{
			Provider:     "brave",
			Endpoint:     "https://api.search.brave.com/res/v1/web/search",
			Count:        5,
			Timeout:      15 * time.Second,
			TriggerTerms: append([]string(nil), DefaultTriggerTerms...),
		},
		Health: HealthConfig{
			Timeout: 2 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    3000,
			RateLimit: RateLimitConfig{
				RequestsPerMin: 30,
				Burst:          5,
			},
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/synedrio.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter: "noop",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SYNEDRIO_CONFIG")
	if path == "" {
		path = "config/synedrio.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNEDRIO_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNEDRIO_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SYNEDRIO_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNEDRIO_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SYNEDRIO_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("SYNEDRIO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks the invariants the rest of the gateway relies on.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return errors.New("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("agent %q: duplicate name", name)
		}
		seen[name] = true
		if a.Endpoint == "" {
			return fmt.Errorf("agent %q: endpoint is required", name)
		}
		if a.Model == "" {
			return fmt.Errorf("agent %q: model is required", name)
		}
	}
	if c.Deliberation.AgentTimeout <= 0 {
		return errors.New("deliberation.agent_timeout must be positive")
	}
	if c.Health.Timeout <= 0 {
		return errors.New("health.timeout must be positive")
	}
	return nil
}

// Package config loads service configuration from a YAML file with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harborsync/harborsync/internal/app/domain/terminal"
)

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Terminals []TerminalConfig `yaml:"terminals"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FetchConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type ReconcileConfig struct {
	Schedule   string `yaml:"schedule"`
	RunAtStart *bool  `yaml:"run_at_start"`
}

// RunAtStartEnabled defaults to true when unset.
func (r ReconcileConfig) RunAtStartEnabled() bool {
	return r.RunAtStart == nil || *r.RunAtStart
}

// TerminalConfig is the YAML shape of a terminal catalog entry.
type TerminalConfig struct {
	Key             string            `yaml:"key"`
	Label           string            `yaml:"label"`
	Group           string            `yaml:"group"`
	Active          *bool             `yaml:"active"`
	BaseURL         string            `yaml:"base_url"`
	EnvLogin        string            `yaml:"env_login"`
	EnvPassword     string            `yaml:"env_password"`
	InsecureTLS     bool              `yaml:"insecure_tls"`
	RequireUSEgress bool              `yaml:"require_us_egress"`
	Endpoints       map[string]string `yaml:"endpoints"`
	SubTerminals    []string          `yaml:"sub_terminals"`
}

func (t TerminalConfig) model() terminal.Terminal {
	return terminal.Terminal{
		Key:             t.Key,
		Label:           t.Label,
		Group:           terminal.Group(t.Group),
		Active:          t.Active == nil || *t.Active,
		BaseURL:         t.BaseURL,
		EnvLogin:        t.EnvLogin,
		EnvPassword:     t.EnvPassword,
		InsecureTLS:     t.InsecureTLS,
		RequireUSEgress: t.RequireUSEgress,
		Endpoints:       t.Endpoints,
		SubTerminals:    t.SubTerminals,
	}
}

// TerminalModels converts the configured catalog to domain terminals,
// falling back to the built-in catalog when none are configured.
func (c *Config) TerminalModels() []terminal.Terminal {
	if len(c.Terminals) == 0 {
		return DefaultTerminals()
	}
	out := make([]terminal.Terminal, 0, len(c.Terminals))
	for _, t := range c.Terminals {
		out = append(out, t.model())
	}
	return out
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Addr: ":8080"},
		Fetch: FetchConfig{
			Timeout:    8 * time.Second,
			Retries:    3,
			RetryDelay: 300 * time.Millisecond,
		},
		Reconcile: ReconcileConfig{Schedule: "@every 3h"},
	}
}

// Load reads configuration from path. An empty path returns defaults.
// Environment variables HARBORSYNC_POSTGRES_DSN, HARBORSYNC_REDIS_ADDR
// and HARBORSYNC_ADDR override the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("HARBORSYNC_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("HARBORSYNC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HARBORSYNC_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Fetch.Timeout < 0 || c.Fetch.Retries < 0 || c.Fetch.RetryDelay < 0 {
		return fmt.Errorf("fetch settings must not be negative")
	}
	seen := map[string]bool{}
	for _, t := range c.Terminals {
		if t.Key == "" {
			return fmt.Errorf("terminal entry missing key")
		}
		if seen[t.Key] {
			return fmt.Errorf("duplicate terminal key %q", t.Key)
		}
		seen[t.Key] = true
		switch terminal.Group(t.Group) {
		case terminal.GroupTideworks, terminal.GroupWUT, terminal.GroupETS:
		default:
			return fmt.Errorf("terminal %q: unknown group %q", t.Key, t.Group)
		}
		if t.BaseURL == "" {
			return fmt.Errorf("terminal %q: base_url is required", t.Key)
		}
	}
	return nil
}

// DefaultTerminals is the built-in catalog of supported portals.
func DefaultTerminals() []terminal.Terminal {
	return []terminal.Terminal{
		{
			Key:         "t5",
			Label:       "Terminal 5",
			Group:       terminal.GroupTideworks,
			Active:      true,
			BaseURL:     "https://t5s.tideworks.com/fc-T5S",
			EnvLogin:    "HARBORSYNC_T5_LOGIN",
			EnvPassword: "HARBORSYNC_T5_PASSWORD",
		},
		{
			Key:         "t18",
			Label:       "Terminal 18",
			Group:       terminal.GroupTideworks,
			Active:      true,
			BaseURL:     "https://t18.tideworks.com/fc-T18",
			EnvLogin:    "HARBORSYNC_T18_LOGIN",
			EnvPassword: "HARBORSYNC_T18_PASSWORD",
		},
		{
			Key:         "wut",
			Label:       "Washington United Terminals",
			Group:       terminal.GroupWUT,
			Active:      true,
			BaseURL:     "https://wutconnect.com",
			EnvLogin:    "HARBORSYNC_WUT_LOGIN",
			EnvPassword: "HARBORSYNC_WUT_PASSWORD",
			InsecureTLS: true,
		},
		{
			Key:             "pct",
			Label:           "Pierce County Terminal",
			Group:           terminal.GroupETS,
			Active:          true,
			BaseURL:         "https://pierce.ctrac.info",
			EnvLogin:        "HARBORSYNC_PCT_LOGIN",
			EnvPassword:     "HARBORSYNC_PCT_PASSWORD",
			RequireUSEgress: true,
			SubTerminals:    []string{"PCT", "ETS"},
		},
	}
}

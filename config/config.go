// Package config loads the pipeline configuration from a YAML file.
//
// Configuration is read once at startup and treated as immutable afterwards:
// components receive the values they need at construction time and never
// consult the file again.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceKind distinguishes structured-API sources from browser-driven ones.
type SourceKind string

const (
	KindAPI     SourceKind = "api"
	KindBrowser SourceKind = "browser"
)

// Source describes one external source. Immutable after load.
type Source struct {
	Name     string     `yaml:"name"`
	Kind     SourceKind `yaml:"kind"`
	Endpoint string     `yaml:"endpoint"`

	// Credentials are referenced by environment variable name so the YAML
	// file never holds secrets.
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	PartnerTag   string `yaml:"partner_tag"`

	// Rate limit policy.
	RatePerSec float64 `yaml:"rate_per_sec"`
	DailyCap   int     `yaml:"daily_cap"`

	// MaxItems caps items per structured API call.
	MaxItems int `yaml:"max_items"`

	// Browser sources: CSS selectors keyed by raw field name, and the
	// selector matching a list of result items (search/deals operations).
	Selectors    map[string]string `yaml:"selectors"`
	ItemSelector string            `yaml:"item_selector"`

	// Mapping from raw field names to canonical record fields.
	Mapping map[string]string `yaml:"mapping"`

	DefaultCurrency string `yaml:"default_currency"`
}

// Retry holds backoff and attempt-budget knobs for the fetch orchestrator.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	ChallengeBase  time.Duration `yaml:"challenge_base"`
	ChallengeCap   time.Duration `yaml:"challenge_cap"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	ReenqueueAfter time.Duration `yaml:"reenqueue_after"`
}

// Proxy holds the egress pool configuration.
type Proxy struct {
	Endpoints     []string      `yaml:"endpoints"`
	DegradedAfter int           `yaml:"degraded_after"`
	DeadAfter     int           `yaml:"dead_after"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeURL      string        `yaml:"probe_url"`
	DeadCooldown  time.Duration `yaml:"dead_cooldown"`
	AllowDirect   bool          `yaml:"allow_direct"`
}

// Solver holds challenge-solving service credentials.
type Solver struct {
	ServiceURL      string        `yaml:"service_url"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	StrategyTimeout time.Duration `yaml:"strategy_timeout"`
}

// Browser holds headless browser settings.
type Browser struct {
	RemoteURL  string        `yaml:"remote_url"`
	Headless   *bool         `yaml:"headless"`
	NavTimeout time.Duration `yaml:"nav_timeout"`
}

// Config is the root configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	AdminAddr string `yaml:"admin_addr"`
	LogLevel  string `yaml:"log_level"`

	AffiliateTag     string   `yaml:"affiliate_tag"`
	AffiliateDomains []string `yaml:"affiliate_domains"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	Retry   Retry    `yaml:"retry"`
	Proxy   Proxy    `yaml:"proxy"`
	Solver  Solver   `yaml:"solver"`
	Browser Browser  `yaml:"browser"`
	Sources []Source `yaml:"sources"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.AdminAddr == "" {
		c.AdminAddr = ":8086"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BackoffBase <= 0 {
		c.Retry.BackoffBase = time.Second
	}
	if c.Retry.BackoffCap <= 0 {
		c.Retry.BackoffCap = 5 * time.Minute
	}
	if c.Retry.ChallengeBase <= 0 {
		c.Retry.ChallengeBase = 2 * time.Minute
	}
	if c.Retry.ChallengeCap <= 0 {
		c.Retry.ChallengeCap = 30 * time.Minute
	}
	if c.Retry.AttemptTimeout <= 0 {
		c.Retry.AttemptTimeout = 45 * time.Second
	}
	if c.Retry.ReenqueueAfter <= 0 {
		c.Retry.ReenqueueAfter = 30 * time.Second
	}
	if c.Proxy.DegradedAfter <= 0 {
		c.Proxy.DegradedAfter = 3
	}
	if c.Proxy.DeadAfter <= 0 {
		c.Proxy.DeadAfter = 5
	}
	if c.Proxy.ProbeInterval <= 0 {
		c.Proxy.ProbeInterval = 5 * time.Minute
	}
	if c.Proxy.DeadCooldown <= 0 {
		c.Proxy.DeadCooldown = time.Hour
	}
	if c.Solver.StrategyTimeout <= 0 {
		c.Solver.StrategyTimeout = 2 * time.Minute
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 30 * time.Second
	}
	if len(c.AffiliateDomains) == 0 {
		c.AffiliateDomains = []string{"amazon."}
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.RatePerSec <= 0 {
			src.RatePerSec = 1
		}
		if src.DailyCap <= 0 {
			src.DailyCap = 8640
		}
		if src.MaxItems <= 0 {
			src.MaxItems = 10
		}
		if src.DefaultCurrency == "" {
			src.DefaultCurrency = "USD"
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("config: source with empty name")
		}
		if seen[src.Name] {
			return fmt.Errorf("config: duplicate source %q", src.Name)
		}
		seen[src.Name] = true
		switch src.Kind {
		case KindAPI, KindBrowser:
		default:
			return fmt.Errorf("config: source %q: unknown kind %q", src.Name, src.Kind)
		}
		if src.Endpoint == "" {
			return fmt.Errorf("config: source %q: endpoint is required", src.Name)
		}
		if src.Kind == KindBrowser && len(src.Selectors) == 0 {
			return fmt.Errorf("config: source %q: browser source needs selectors", src.Name)
		}
	}
	return nil
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Credential resolves an environment-variable reference, returning "" when
// the reference itself is empty.
func Credential(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

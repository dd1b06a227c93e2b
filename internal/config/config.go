// Package config loads the fleet's YAML configuration, applies environment
// overrides and bounds-checked defaults, and watches the file for changes
// that are safe to apply without restarting a browser. Trimmed from the
// teacher's internal/config/config.go, which carried GA4/SEO/fingerprinting
// and device-emulation fields with no equivalent here; the
// LoadFromFile/LoadFromEnv/ApplyDefaults/ComputeDerived shape is kept.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyCredential is a proxy endpoint an instance may be bound to, before
// the Proxy Allocator assigns it an observed IP and session token.
type ProxyCredential struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Protocol string `yaml:"protocol"` // http, socks5
}

func (p ProxyCredential) URL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

// InstanceConfig is one roster entry: a logical voting instance bound to a
// proxy and a persisted browser profile.
type InstanceConfig struct {
	ID           int    `yaml:"id"`
	Name         string `yaml:"name"`
	VotingURL    string `yaml:"voting_url"` // overrides TargetURL when set
	VoteCooldown string `yaml:"vote_cooldown"` // parsed duration, e.g. "31m"
}

// ResourceBlockingConfig mirrors browserworker.ResourceBlocking on the wire.
type ResourceBlockingConfig struct {
	Enabled          bool     `yaml:"enabled"`
	BlockImages      bool     `yaml:"block_images"`
	BlockStylesheets bool     `yaml:"block_stylesheets"`
	BlockFonts       bool     `yaml:"block_fonts"`
	BlockMedia       bool     `yaml:"block_media"`
	AllowedCSSHints  []string `yaml:"allowed_css_hints"`
}

// Config is the fleet scheduler's configuration.
type Config struct {
	// Core target
	TargetURL string `yaml:"target_url"`

	// Durable storage
	DataDir string `yaml:"data_dir"`

	// Timing (spec §6 table)
	RetryDelayTechnical          string `yaml:"retry_delay_technical"`          // default 5m
	RetryDelayCooldown           string `yaml:"retry_delay_cooldown"`           // default 31m
	SessionScanInterval          string `yaml:"session_scan_interval"`          // default 30s
	BrowserInitTimeout           string `yaml:"browser_init_timeout"`           // default 30s
	MaxConcurrentBrowserLaunches int    `yaml:"max_concurrent_browser_launches"` // K

	// Classifier pattern lists (spec §6, §4.8)
	GlobalHourlyLimitPatterns []string `yaml:"global_hourly_limit_patterns"`
	InstanceCooldownPatterns  []string `yaml:"instance_cooldown_patterns"`
	FailurePatterns           []string `yaml:"failure_patterns"`
	SuccessMarkers            []string `yaml:"success_markers"`

	// DOM selectors (spec §4.4)
	CounterSelectors      []string `yaml:"counter_selectors"`
	VoteButtonSelectors   []string `yaml:"vote_button_selectors"`
	CloseButtonSelectors  []string `yaml:"close_button_selectors"`
	GenericCloseSelectors []string `yaml:"generic_close_selectors"`
	LoginButtonSelectors  []string `yaml:"login_button_selectors"`

	Blocking ResourceBlockingConfig `yaml:"resource_blocking"`

	// Proxy allocation
	ProxyAllocatorURL string            `yaml:"proxy_allocator_url"`
	Proxies           []ProxyCredential `yaml:"proxies"`

	// Roster
	Instances []InstanceConfig `yaml:"instances"`

	// Ambient stack
	Logging LoggingConfig `yaml:"logging"`
	Listen  string        `yaml:"listen"` // External Interface Adapter bind address
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// Derived, not user-settable.
	VoteLogPath          string        `yaml:"-"`
	SessionStoreDir      string        `yaml:"-"`
	RetryDelayTechnicalD time.Duration `yaml:"-"`
	RetryDelayCooldownD  time.Duration `yaml:"-"`
	SessionScanIntervalD time.Duration `yaml:"-"`
	BrowserInitTimeoutD  time.Duration `yaml:"-"`
}

// LoggingConfig configures the zap/lumberjack logging core (internal/logging).
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoadFromFile reads and parses a YAML config file, applying defaults and
// derived fields.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.ComputeDerived(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv overrides select fields from VOTEFLEET_* environment
// variables, mirroring the teacher's EROSHIT_* convention.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("VOTEFLEET_TARGET_URL"); v != "" {
		c.TargetURL = v
	}
	if v := os.Getenv("VOTEFLEET_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("VOTEFLEET_MAX_CONCURRENT_BROWSER_LAUNCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentBrowserLaunches = n
		}
	}
	if v := os.Getenv("VOTEFLEET_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("VOTEFLEET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ApplyDefaults fills in bounds-checked defaults for anything left unset.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.RetryDelayTechnical == "" {
		c.RetryDelayTechnical = "5m"
	}
	if c.RetryDelayCooldown == "" {
		c.RetryDelayCooldown = "31m"
	}
	if c.SessionScanInterval == "" {
		c.SessionScanInterval = "30s"
	}
	if c.BrowserInitTimeout == "" {
		c.BrowserInitTimeout = "30s"
	}
	if c.MaxConcurrentBrowserLaunches <= 0 {
		c.MaxConcurrentBrowserLaunches = 1
	}
	if c.MaxConcurrentBrowserLaunches > 3 {
		c.MaxConcurrentBrowserLaunches = 3 // memory discipline on small hosts
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8088"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Path == "" {
		c.Logging.Path = "./logs/votefleet.log"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 7
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 28
	}
	if len(c.GlobalHourlyLimitPatterns) == 0 {
		c.GlobalHourlyLimitPatterns = []string{"hourly vote limit", "try again next hour", "come back next hour"}
	}
	if len(c.InstanceCooldownPatterns) == 0 {
		c.InstanceCooldownPatterns = []string{"already voted", "you have voted", "vote again in"}
	}
	if len(c.SuccessMarkers) == 0 {
		c.SuccessMarkers = []string{"thank you for voting", "vote recorded", "vote successful"}
	}
	if len(c.CounterSelectors) == 0 {
		c.CounterSelectors = []string{"#vote-count", ".vote-counter", "[data-vote-count]"}
	}
	if len(c.VoteButtonSelectors) == 0 {
		c.VoteButtonSelectors = []string{"#vote-button", ".vote-btn", "button[type=submit]"}
	}
	if len(c.LoginButtonSelectors) == 0 {
		c.LoginButtonSelectors = []string{"#login-button", ".login-btn", "a[href*=login]"}
	}
	if len(c.Blocking.AllowedCSSHints) == 0 {
		c.Blocking.AllowedCSSHints = []string{"bootstrap", "main", "style", "app"}
	}
	c.TargetURL = strings.TrimSpace(c.TargetURL)
}

// ComputeDerived fills the fields a user never sets directly: the vote log
// path and session store directory live under DataDir, and the duration
// strings are parsed once here.
func (c *Config) ComputeDerived() error {
	c.VoteLogPath = filepath.Join(c.DataDir, "votes.csv")
	c.SessionStoreDir = filepath.Join(c.DataDir, "sessions")

	durations := []struct {
		raw string
		out *time.Duration
	}{
		{c.RetryDelayTechnical, &c.RetryDelayTechnicalD},
		{c.RetryDelayCooldown, &c.RetryDelayCooldownD},
		{c.SessionScanInterval, &c.SessionScanIntervalD},
		{c.BrowserInitTimeout, &c.BrowserInitTimeoutD},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", d.raw, err)
		}
		*d.out = parsed
	}
	return nil
}

// InstanceVoteCooldown parses an instance's vote_cooldown override, falling
// back to the fleet-wide success cooldown when unset or invalid.
func (ic InstanceConfig) InstanceVoteCooldown(fallback time.Duration) time.Duration {
	if ic.VoteCooldown == "" {
		return fallback
	}
	d, err := time.ParseDuration(ic.VoteCooldown)
	if err != nil {
		return fallback
	}
	return d
}

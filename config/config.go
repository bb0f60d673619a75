// Package config loads the pollwatch YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pollwatch/browser"
	"github.com/hazyhaar/pollwatch/poller"
	"github.com/hazyhaar/pollwatch/question"
)

// Config is the top-level pollwatch configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Store       StoreConfig       `yaml:"store"`
	Browser     BrowserConfig     `yaml:"browser"`
	Pages       []PageConfig      `yaml:"pages"`
	Poller      poller.Timings    `yaml:"poller"`
	Rules       question.Rules    `yaml:"rules"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Notify      NotifyConfig      `yaml:"notify"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Reporter    ReporterConfig    `yaml:"reporter"`
}

// StoreConfig locates the SQLite state file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Stealth          string        `yaml:"stealth"` // http | headless | headful
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig is one page to watch.
type PageConfig struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	Stealth string `yaml:"stealth"` // empty: browser default
}

// MessagingConfig tunes the in-process message router.
type MessagingConfig struct {
	// HandlerTimeout bounds each message handler. 0 leaves calls unbounded.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// NotifyConfig selects the notification sinks.
type NotifyConfig struct {
	// Enabled grants notification permission. Default: true.
	Enabled *bool        `yaml:"enabled"`
	Sinks   []SinkConfig `yaml:"sinks"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type    string        `yaml:"type"` // stdout | log | webhook
	URL     string        `yaml:"url"`  // webhook
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// MaintenanceConfig schedules the periodic cleanup.
type MaintenanceConfig struct {
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
}

// ReporterConfig controls the HTTP and MCP surface.
type ReporterConfig struct {
	Addr       string        `yaml:"addr"`
	Host       string        `yaml:"host"`
	Refresh    time.Duration `yaml:"refresh"`
	DisableMCP bool          `yaml:"disable_mcp"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Path == "" {
		c.Store.Path = "pollwatch.db"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
		if c.Pages[i].Stealth == "" {
			c.Pages[i].Stealth = c.Browser.Stealth
		}
	}
	c.Poller = c.Poller.WithDefaults()
	c.Rules = c.Rules.Merge(question.DefaultRules())
	if c.Notify.Enabled == nil {
		on := true
		c.Notify.Enabled = &on
	}
	if len(c.Notify.Sinks) == 0 {
		c.Notify.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 1h"
	}
	if c.Maintenance.Retention <= 0 {
		c.Maintenance.Retention = 24 * time.Hour
	}
	if c.Reporter.Addr == "" {
		c.Reporter.Addr = "127.0.0.1:8090"
	}
	if c.Reporter.Host == "" {
		c.Reporter.Host = "pollev.com"
	}
	if c.Reporter.Refresh <= 0 {
		c.Reporter.Refresh = 10 * time.Second
	}
}

// ApplyEnv overrides fields from POLLWATCH_ADDR, POLLWATCH_DB and
// POLLWATCH_LOG_LEVEL. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("POLLWATCH_ADDR"); v != "" {
		c.Reporter.Addr = v
	}
	if v := getenv("POLLWATCH_DB"); v != "" {
		c.Store.Path = v
	}
	if v := getenv("POLLWATCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// NotificationsEnabled reports the notify.enabled setting.
func (c *Config) NotificationsEnabled() bool {
	return c.Notify.Enabled == nil || *c.Notify.Enabled
}

// Validate checks values that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	if _, err := browser.ParseLevel(c.Browser.Stealth); err != nil {
		errs = append(errs, fmt.Errorf("browser.stealth: %w", err))
	}
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("pages[%d]: url is required", i))
		} else if err := validateURL(p.URL); err != nil {
			errs = append(errs, fmt.Errorf("pages[%d]: %w", i, err))
		}
		if err := validateID(p.ID); err != nil {
			errs = append(errs, fmt.Errorf("pages[%d]: %w", i, err))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("pages[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if _, err := browser.ParseLevel(p.Stealth); err != nil {
			errs = append(errs, fmt.Errorf("pages[%d].stealth: %w", i, err))
		}
	}
	for i, s := range c.Notify.Sinks {
		switch s.Type {
		case "stdout", "log":
		case "webhook":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("notify.sinks[%d]: webhook needs a url", i))
			} else if err := validateURL(s.URL); err != nil {
				errs = append(errs, fmt.Errorf("notify.sinks[%d]: %w", i, err))
			}
		default:
			errs = append(errs, fmt.Errorf("notify.sinks[%d]: unknown type %q", i, s.Type))
		}
	}
	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("maintenance.schedule: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// validateURL accepts absolute http and https URLs.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// validateID keeps page ids usable as service names and URL path segments.
func validateID(id string) error {
	if id == "" || len(id) > 128 {
		return fmt.Errorf("id %q: must be 1 to 128 characters", id)
	}
	for _, r := range id {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("id %q: invalid character %q", id, r)
		}
	}
	return nil
}

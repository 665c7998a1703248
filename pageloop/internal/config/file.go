// Package config holds page loop configuration loaded from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/scrapeloop/extract"
)

// DefaultUserAgent is the fixed user agent presented by the browser shell
// and the coordinator client.
const DefaultUserAgent = "Mozilla/5.0 (Gentoo; Linux x86_64) AppleWebKit/534.34"

// Config is the top-level page loop configuration.
type Config struct {
	Mode        string            `yaml:"mode"`      // browser | http
	Start       string            `yaml:"start"`     // poll | respond
	StartURL    string            `yaml:"start_url"` // seed page; defaults from coordinator.url
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Browser     BrowserConfig     `yaml:"browser"`
	Document    DocumentConfig    `yaml:"document"`
	Actions     ActionsConfig     `yaml:"actions"`
	Restart     RestartConfig     `yaml:"restart"`
	Sinks       []SinkConfig      `yaml:"sinks"`
}

// CoordinatorConfig locates the coordinator and bounds each call.
type CoordinatorConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"` // minimum spacing between polls, 0 = none
	MaxCycles      int           `yaml:"max_cycles"`    // 0 = unbounded
	UserAgent      string        `yaml:"user_agent"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	Bin              string   `yaml:"bin"`
	Stealth          string   `yaml:"stealth"` // headless | headful
	NoSandbox        bool     `yaml:"no_sandbox"`
	XvfbDisplay      string   `yaml:"xvfb_display"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// DocumentConfig selects how fragments and actions land in the document.
type DocumentConfig struct {
	InsertTarget  string        `yaml:"insert_target"` // body | container
	ChainMode     string        `yaml:"chain_mode"`    // respond | settle
	SettleTimeout time.Duration `yaml:"settle_timeout"`
	Sanitize      string        `yaml:"sanitize"` // none | ugc | strict
}

// ActionsConfig restricts follow-up actions.
type ActionsConfig struct {
	AllowScripts     bool     `yaml:"allow_scripts"`
	AllowedFunctions []string `yaml:"allowed_functions"`
}

// RestartConfig reloads the seed page after a halt.
type RestartConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Delay       time.Duration `yaml:"delay"`
	MaxRestarts int           `yaml:"max_restarts"` // 0 = unlimited
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type  string         `yaml:"type"`  // stdout | webhook | journal | markdown | extract
	URL   string         `yaml:"url"`   // webhook
	Path  string         `yaml:"path"`  // journal database or markdown directory
	Rules []extract.Rule `yaml:"rules"` // extract
}

// LoadFile reads a YAML configuration file, applies defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = "browser"
	}
	if c.Start == "" {
		c.Start = "poll"
	}
	c.Coordinator.URL = strings.TrimRight(c.Coordinator.URL, "/")
	if c.StartURL == "" && c.Coordinator.URL != "" {
		// The respond-first variant is seeded by the scrape endpoint itself.
		if c.Start == "respond" {
			c.StartURL = c.Coordinator.URL + "/scrape"
		} else {
			c.StartURL = c.Coordinator.URL + "/start"
		}
	}
	if c.Coordinator.RequestTimeout <= 0 {
		// Above the coordinator's default claim_wait so a long-poll ends
		// before the request is abandoned.
		c.Coordinator.RequestTimeout = 60 * time.Second
	}
	if c.Coordinator.UserAgent == "" {
		c.Coordinator.UserAgent = DefaultUserAgent
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Document.InsertTarget == "" {
		c.Document.InsertTarget = "body"
	}
	if c.Document.ChainMode == "" {
		c.Document.ChainMode = "respond"
	}
	if c.Document.SettleTimeout <= 0 {
		c.Document.SettleTimeout = 5 * time.Second
	}
	if c.Document.Sanitize == "" {
		c.Document.Sanitize = "none"
	}
	if c.Restart.Delay <= 0 {
		c.Restart.Delay = 5 * time.Second
	}
}

// Validate rejects unknown enum values and a missing coordinator URL.
func (c *Config) Validate() error {
	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"mode", c.Mode, []string{"browser", "http"}},
		{"start", c.Start, []string{"poll", "respond"}},
		{"browser.stealth", c.Browser.Stealth, []string{"headless", "headful"}},
		{"document.insert_target", c.Document.InsertTarget, []string{"body", "container"}},
		{"document.chain_mode", c.Document.ChainMode, []string{"respond", "settle"}},
		{"document.sanitize", c.Document.Sanitize, []string{"none", "ugc", "strict"}},
	}
	for _, ch := range checks {
		if !slices.Contains(ch.allowed, ch.value) {
			return fmt.Errorf("config: %s: %q not one of %v", ch.field, ch.value, ch.allowed)
		}
	}

	if c.Coordinator.URL == "" {
		return fmt.Errorf("config: coordinator.url is required")
	}
	u, err := url.Parse(c.Coordinator.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: coordinator.url: invalid %q", c.Coordinator.URL)
	}

	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook requires url", i)
			}
		case "journal", "markdown":
		case "extract":
			if len(s.Rules) == 0 {
				return fmt.Errorf("config: sinks[%d]: extract requires rules", i)
			}
			for _, r := range s.Rules {
				if err := r.Validate(); err != nil {
					return fmt.Errorf("config: sinks[%d]: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}

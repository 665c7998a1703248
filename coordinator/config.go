package coordinator

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator configuration.
type Config struct {
	Listen      string         `yaml:"listen"`
	DBPath      string         `yaml:"db_path"`
	Visibility  time.Duration  `yaml:"visibility"`   // claimed job hidden for this long
	ClaimWait   time.Duration  `yaml:"claim_wait"`   // long-poll bound on GET /scrape
	MaxBody     int64          `yaml:"max_body"`     // cap on POST /response bodies
	MaxAttempts int            `yaml:"max_attempts"` // 0 = unlimited redelivery
	Results     int            `yaml:"results"`      // results channel buffer
	Upstream    UpstreamConfig `yaml:"upstream"`
}

// UpstreamConfig enables the passthrough proxy to the scraped site.
type UpstreamConfig struct {
	URL           string        `yaml:"url"`
	PathPattern   string        `yaml:"path_pattern"`   // requests matching are proxied, others 404
	PostPath      string        `yaml:"post_path"`      // rewrite POST paths to this, if set
	UserAgent     string        `yaml:"user_agent"`     // replaces the browser's user agent
	CacheSuffixes []string      `yaml:"cache_suffixes"` // responses cached in memory
	MinInterval   time.Duration `yaml:"min_interval"`   // spacing of uncached upstream requests
}

// Enabled reports whether the passthrough proxy is configured.
func (u UpstreamConfig) Enabled() bool { return u.URL != "" }

// LoadConfigFile reads a YAML configuration file, applies defaults and validates it.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration, applies defaults and validates it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("coordinator: config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field except DBPath, which callers
// default from the XDG data directory.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "localhost:8000"
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.ClaimWait <= 0 {
		c.ClaimWait = 30 * time.Second
	}
	if c.MaxBody <= 0 {
		c.MaxBody = 32 << 20
	}
	if c.Results <= 0 {
		c.Results = 64
	}
	if c.Upstream.Enabled() {
		if c.Upstream.PathPattern == "" {
			c.Upstream.PathPattern = "^/"
		}
		if c.Upstream.CacheSuffixes == nil {
			c.Upstream.CacheSuffixes = []string{".axd"}
		}
		if c.Upstream.UserAgent == "" {
			c.Upstream.UserAgent = "Mozilla/5.0 (Gentoo; Linux x86_64) AppleWebKit/534.34"
		}
	}
}

// Validate checks the upstream settings.
func (c *Config) Validate() error {
	if !c.Upstream.Enabled() {
		return nil
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("coordinator: config: upstream.url: invalid %q", c.Upstream.URL)
	}
	if _, err := regexp.Compile(c.Upstream.PathPattern); err != nil {
		return fmt.Errorf("coordinator: config: upstream.path_pattern: %w", err)
	}
	return nil
}

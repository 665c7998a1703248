package pageloop

import (
	"github.com/hazyhaar/scrapeloop/extract"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/config"
)

// Config is the top-level page loop configuration. Re-exported from internal.
type Config = config.Config

// CoordinatorConfig locates the coordinator.
type CoordinatorConfig = config.CoordinatorConfig

// BrowserConfig controls Chrome.
type BrowserConfig = config.BrowserConfig

// DocumentConfig selects how fragments and actions land in the document.
type DocumentConfig = config.DocumentConfig

// ActionsConfig restricts follow-up actions.
type ActionsConfig = config.ActionsConfig

// RestartConfig controls reloading the seed page after a halt.
type RestartConfig = config.RestartConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// ExtractRule names one value an extract sink pulls from snapshots.
type ExtractRule = extract.Rule

// DefaultUserAgent is presented to the coordinator and the seed page.
const DefaultUserAgent = config.DefaultUserAgent

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration, applies defaults and validates it.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

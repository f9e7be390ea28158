// Package config loads the optional analysis tunables file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okauppin/shimline/timeline"
)

// Config holds the analysis tunables. All fields have working defaults;
// a config file only needs to name what it changes.
type Config struct {
	// NearMatchWindow is the maximum distance between a shimcache and
	// an amcache timestamp for the near-timestamp pass.
	NearMatchWindow Duration `yaml:"near_match_window"`

	// NearMatchSource picks which timestamp a near match assigns:
	// "amcache" or "shimcache".
	NearMatchSource string `yaml:"near_match_source"`
}

// Duration wraps time.Duration with YAML support for strings like
// "60s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in tunables.
func Default() Config {
	return Config{
		NearMatchWindow: Duration(timeline.DefaultNearMatchWindow),
		NearMatchSource: "amcache",
	}
}

// Load reads a YAML tunables file, applying defaults for anything it
// does not set.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the tunables for usable values.
func (c *Config) Validate() error {
	if time.Duration(c.NearMatchWindow) <= 0 {
		return fmt.Errorf("near_match_window must be positive, got %s", time.Duration(c.NearMatchWindow))
	}
	switch c.NearMatchSource {
	case "amcache", "shimcache":
	default:
		return fmt.Errorf("near_match_source must be \"amcache\" or \"shimcache\", got %q", c.NearMatchSource)
	}
	return nil
}

// Source maps the configured near-match source onto the timeline enum.
func (c *Config) Source() timeline.NearMatchSource {
	if c.NearMatchSource == "shimcache" {
		return timeline.SourceShimcache
	}
	return timeline.SourceAmcache
}

// Window returns the near-match window as a time.Duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.NearMatchWindow)
}

// Package filter implements the inline HTTP policy filter that sits
// between a tenant-visible service and its upstream. Requests are parsed
// against a strict HTTP/1.1 subset and matched against an allow/block
// rule list; everything in the upstream-to-client direction passes
// through opaque.
package filter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode is the default policy applied when no rule matches.
type Mode string

const (
	ModeAllow Mode = "allow"
	ModeBlock Mode = "block"
)

// Rule is one verb+URI exception to the default mode.
type Rule struct {
	Verb string `yaml:"verb"`
	URI  string `yaml:"uri"`
}

// Config is the filter policy: a default mode and its exceptions. With
// default allow the rules are blocks; with default block they are allows.
type Config struct {
	Default Mode   `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// LoadConfig reads a YAML policy file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse filter config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the mode and the rule entries.
func (c *Config) Validate() error {
	if c.Default != ModeAllow && c.Default != ModeBlock {
		return fmt.Errorf("filter config: default must be %q or %q, got %q",
			ModeAllow, ModeBlock, c.Default)
	}
	for i, r := range c.Rules {
		if r.Verb != "GET" && r.Verb != "POST" {
			return fmt.Errorf("filter config: rule %d: verb must be GET or POST, got %q", i, r.Verb)
		}
		if r.URI == "" {
			return fmt.Errorf("filter config: rule %d: uri is required", i)
		}
	}
	return nil
}

// Allows reports whether a request with the given verb and URI may be
// forwarded. Matching is exact equality on both fields.
func (c *Config) Allows(verb, uri string) bool {
	matched := false
	for _, r := range c.Rules {
		if r.Verb == verb && r.URI == uri {
			matched = true
			break
		}
	}
	if c.Default == ModeAllow {
		return !matched
	}
	return matched
}

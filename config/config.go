// Package config loads the generation domain profiles from a YAML document.
// One file describes every domain the application generates for (workout,
// nutrition, food, exercise, agenda); each entry maps onto a
// generation.Profile.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peakform/genflow/generation"
)

type (
	// Config is the root configuration document.
	Config struct {
		// Domains maps domain names to their generation settings.
		Domains map[string]Domain `yaml:"domains"`
		// Redis optionally configures the Pulse audit recorder backend.
		Redis Redis `yaml:"redis"`
	}

	// Domain configures one generation domain.
	Domain struct {
		// Mode is "streaming" or "polling". Empty infers from the endpoints.
		Mode string `yaml:"mode"`
		// StreamEndpoint receives the generation POST (streaming mode).
		StreamEndpoint string `yaml:"stream_endpoint"`
		// StartEndpoint receives the job start POST (polling mode).
		StartEndpoint string `yaml:"start_endpoint"`
		// StatusEndpoint is the job status URL template with {jobId}.
		StatusEndpoint string `yaml:"status_endpoint"`
		// PollInterval paces status fetches, e.g. "1s".
		PollInterval time.Duration `yaml:"poll_interval"`
		// ResultSchema is an inline JSON Schema for the complete result.
		ResultSchema string `yaml:"result_schema"`
		// InitialMessage overrides the status line shown at submission start.
		InitialMessage string `yaml:"initial_message"`
	}

	// Redis configures the connection backing the Pulse audit streams.
	Redis struct {
		// Addr is host:port. Empty disables audit recording.
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}
)

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("config defines no domains")
	}
	return &cfg, nil
}

// Profiles converts the configured domains into generation profiles, sorted
// by domain name for deterministic registry construction.
func (c *Config) Profiles() []generation.Profile {
	names := make([]string, 0, len(c.Domains))
	for name := range c.Domains {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]generation.Profile, 0, len(names))
	for _, name := range names {
		d := c.Domains[name]
		profiles = append(profiles, generation.Profile{
			Domain:         name,
			Mode:           generation.Mode(d.Mode),
			StreamEndpoint: d.StreamEndpoint,
			StartEndpoint:  d.StartEndpoint,
			StatusEndpoint: d.StatusEndpoint,
			PollInterval:   d.PollInterval,
			ResultSchema:   d.ResultSchema,
			InitialMessage: d.InitialMessage,
		})
	}
	return profiles
}

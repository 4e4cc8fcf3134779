package cmd

import (
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/snapvault/pkg/backfill"
	"github.com/ethpandaops/snapvault/pkg/redis"
)

// CLIConfig represents minimal configuration for CLI commands. Job
// lifecycle operations only need Redis and the backfill settings, not
// the object store or collector.
type CLIConfig struct {
	// Logging level
	Logging string `yaml:"logging" default:"error" validate:"oneof=panic fatal warn info debug trace"`

	// Redis configuration
	Redis redis.Config `yaml:"redis"`

	// Backfill engine configuration
	Backfill backfill.Config `yaml:"backfill"`
}

// Validate validates the CLI configuration
func (c *CLIConfig) Validate() error {
	if err := c.Redis.Validate(); err != nil {
		return err
	}

	return c.Backfill.Validate()
}

// LoadCLIConfig loads CLI configuration from a YAML file
func LoadCLIConfig(path string) (*CLIConfig, error) {
	if path == "" {
		path = "config.yaml"
	}

	config := &CLIConfig{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	return config, nil
}

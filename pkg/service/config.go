// Package service wires the snapvault application: the read-only
// snapshot store, the backfill engine, and the operational HTTP
// endpoints (metrics, health, pprof).
package service

import (
	"github.com/ethpandaops/snapvault/pkg/backfill"
	"github.com/ethpandaops/snapvault/pkg/breaker"
	"github.com/ethpandaops/snapvault/pkg/collector"
	"github.com/ethpandaops/snapvault/pkg/redis"
	"github.com/ethpandaops/snapvault/pkg/storage"
)

// Config represents the complete application configuration
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info" validate:"oneof=panic fatal warn info debug trace"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9090"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	// Dependencies
	Storage   storage.Config   `yaml:"storage"`
	Redis     redis.Config     `yaml:"redis"`
	Collector collector.Config `yaml:"collector"`
	Breaker   breaker.Config   `yaml:"breaker"`

	// Backfill engine
	Backfill backfill.Config `yaml:"backfill"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if err := c.Redis.Validate(); err != nil {
		return err
	}

	if err := c.Collector.Validate(); err != nil {
		return err
	}

	if err := c.Breaker.Validate(); err != nil {
		return err
	}

	return c.Backfill.Validate()
}

package backfill

import (
	"errors"
	"time"

	"github.com/ethpandaops/snapvault/pkg/cache"
	"github.com/ethpandaops/snapvault/pkg/ratelimit"
)

var (
	// ErrNoDistrictsConfigured is returned when no district scope exists
	ErrNoDistrictsConfigured = errors.New("no districts configured")
	// ErrInvalidMaxRetries is returned when maxRetries is negative
	ErrInvalidMaxRetries = errors.New("max retries must not be negative")
)

// Config represents the backfill engine configuration
type Config struct {
	// Districts is the full configured district scope. Jobs without an
	// explicit target subset cover all of these.
	Districts []string `yaml:"districts"`

	// Retry policy for failures classified as retryable
	MaxRetries     int           `yaml:"maxRetries" default:"3"`
	InitialBackoff time.Duration `yaml:"initialBackoff" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" default:"10s"`

	// SchemaVersion and CalculationVersion tag produced snapshots
	SchemaVersion      string `yaml:"schemaVersion" default:"v2"`
	CalculationVersion string `yaml:"calculationVersion" default:"1"`

	// RecoverySchedule is the cron spec for the stuck-job recovery scan
	RecoverySchedule string `yaml:"recoverySchedule" default:"@every 5m"`

	RateLimit   ratelimit.Config            `yaml:"rateLimit"`
	Concurrency ratelimit.ConcurrencyConfig `yaml:"concurrency"`
	Cache       cache.Config                `yaml:"cache"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Districts) == 0 {
		return ErrNoDistrictsConfigured
	}

	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}

	return nil
}

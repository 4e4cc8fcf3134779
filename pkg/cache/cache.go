// Package cache provides a TTL, size-bounded, LRU-evicting memo of
// previously collected per-district-per-date documents. Overlapping
// backfill ranges hit the cache instead of the rate-limited upstream.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ethpandaops/snapvault/pkg/observability"
)

// Config holds intermediate cache configuration
type Config struct {
	TTL        time.Duration `yaml:"ttl" default:"15m"`
	MaxEntries int           `yaml:"maxEntries" default:"2048"`
}

// Cache memoizes collected district documents keyed by a caller-supplied
// prefix plus district and date
type Cache struct {
	prefix string
	lru    *expirable.LRU[string, json.RawMessage]
}

// New creates an intermediate cache with the given key prefix
func New(cfg Config, prefix string) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}

	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 2048
	}

	return &Cache{
		prefix: prefix,
		lru:    expirable.NewLRU[string, json.RawMessage](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Get returns the cached document for a district and date, if present
func (c *Cache) Get(districtID, date string) (json.RawMessage, bool) {
	data, ok := c.lru.Get(c.key(districtID, date))
	if ok {
		observability.RecordCacheResult("hit")
	} else {
		observability.RecordCacheResult("miss")
	}

	return data, ok
}

// Set stores a collected document
func (c *Cache) Set(districtID, date string, data json.RawMessage) {
	c.lru.Add(c.key(districtID, date), data)
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops all cached entries
func (c *Cache) Purge() {
	c.lru.Purge()
}

func (c *Cache) key(districtID, date string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, districtID, date)
}

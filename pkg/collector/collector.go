// Package collector abstracts the upstream statistics source the
// backfill engine fetches historical data from. The upstream is rate
// limited and flaky, so errors carry the same retryable classification
// as the storage layer.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/snapvault/pkg/storage"
)

var (
	// ErrBaseURLRequired is returned when no upstream base URL is configured
	ErrBaseURLRequired = errors.New("collector base URL is required")
)

// Client fetches per-district statistics for one date. Implementations
// must be safe for concurrent use.
type Client interface {
	// FetchDistrict collects statistics for a single district on a date
	FetchDistrict(ctx context.Context, districtID, date string) (json.RawMessage, error)

	// FetchAllDistricts collects statistics for every configured
	// district on a date in one upstream call
	FetchAllDistricts(ctx context.Context, date string) (map[string]json.RawMessage, error)
}

// Config holds collector configuration
type Config struct {
	BaseURL string        `yaml:"baseUrl" validate:"required"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrBaseURLRequired
	}

	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	return nil
}

const collectorProvider = "collector"

// httpClient implements Client against the upstream statistics HTTP API
type httpClient struct {
	log     logrus.FieldLogger
	cfg     Config
	client  *http.Client
	baseURL *url.URL
}

// NewHTTPClient creates an HTTP-backed collector client
func NewHTTPClient(log logrus.FieldLogger, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid collector base URL: %w", err)
	}

	return &httpClient{
		log:     log.WithField("service", "collector"),
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: base,
	}, nil
}

func (c *httpClient) FetchDistrict(ctx context.Context, districtID, date string) (json.RawMessage, error) {
	u := c.baseURL.JoinPath("stats", date)
	q := u.Query()
	q.Set("district", districtID)
	u.RawQuery = q.Encode()

	return c.get(ctx, "fetch_district", u.String())
}

func (c *httpClient) FetchAllDistricts(ctx context.Context, date string) (map[string]json.RawMessage, error) {
	u := c.baseURL.JoinPath("stats", date)

	body, err := c.get(ctx, "fetch_all_districts", u.String())
	if err != nil {
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, storage.NewError(collectorProvider, "fetch_all_districts", false, fmt.Errorf("malformed response: %w", err))
	}

	return result, nil
}

func (c *httpClient) get(ctx context.Context, op, rawURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, storage.NewError(collectorProvider, op, false, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, storage.NewError(collectorProvider, op, storage.Classify(err) == storage.KindRetryable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := storage.KindForStatus(resp.StatusCode)

		cause := fmt.Errorf("upstream returned status %d", resp.StatusCode)
		if kind == storage.KindAbsent {
			return nil, nil
		}

		return nil, storage.NewError(collectorProvider, op, kind == storage.KindRetryable, cause)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storage.NewError(collectorProvider, op, true, err)
	}

	return body, nil
}

var _ Client = (*httpClient)(nil)

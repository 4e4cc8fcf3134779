package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var (
	// ErrBucketRequired is returned when no bucket name is configured
	ErrBucketRequired = errors.New("storage bucket is required")
)

// Config holds object store configuration
type Config struct {
	Bucket string `yaml:"bucket" validate:"required"`
	Prefix string `yaml:"prefix" default:"snapshots"`

	// Endpoint overrides the storage API endpoint, used for emulators
	Endpoint string `yaml:"endpoint"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}

	if c.Prefix == "" {
		c.Prefix = "snapshots"
	}

	return nil
}

// gcsClient implements ObjectClient against Google Cloud Storage
type gcsClient struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

// NewGCSClient creates an ObjectClient backed by Google Cloud Storage
func NewGCSClient(ctx context.Context, cfg *Config) (ObjectClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &gcsClient{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
	}, nil
}

func (c *gcsClient) Get(ctx context.Context, key string) ([]byte, error) {
	rd, err := c.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rd.Close() }()

	return io.ReadAll(rd)
}

func (c *gcsClient) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func (c *gcsClient) Put(ctx context.Context, key string, data []byte) error {
	w := c.bucket.Object(key).NewWriter(ctx)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()

		return err
	}

	return w.Close()
}

func (c *gcsClient) Delete(ctx context.Context, key string) error {
	return c.bucket.Object(key).Delete(ctx)
}

func (c *gcsClient) List(ctx context.Context, q ListQuery) ObjectIterator {
	it := c.bucket.Objects(ctx, &gcs.Query{
		Prefix:    q.Prefix,
		Delimiter: q.Delimiter,
	})

	return &gcsIterator{it: it}
}

func (c *gcsClient) Close() error {
	return c.client.Close()
}

// gcsIterator adapts the GCS object iterator to ObjectIterator
type gcsIterator struct {
	it *gcs.ObjectIterator
}

func (g *gcsIterator) Next() (ListEntry, error) {
	attrs, err := g.it.Next()
	if err != nil {
		return ListEntry{}, err
	}

	return ListEntry{Name: attrs.Name, Prefix: attrs.Prefix}, nil
}

var _ ObjectClient = (*gcsClient)(nil)

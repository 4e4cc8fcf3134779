package storage

import (
	"context"
)

// ListQuery selects objects for enumeration. When Delimiter is set the
// iterator yields collapsed common prefixes instead of object names,
// mirroring the object store's directory-style listing.
type ListQuery struct {
	Prefix    string
	Delimiter string
}

// ListEntry is one result from a paginated listing. Exactly one of Name
// (an object) or Prefix (a collapsed common prefix) is populated.
type ListEntry struct {
	Name   string
	Prefix string
}

// ObjectIterator is a lazy, paginated sequence of listing results. Next
// returns google.golang.org/api/iterator.Done once the listing is
// exhausted; pages are fetched on demand, never materialized up front.
type ObjectIterator interface {
	Next() (ListEntry, error)
}

// ObjectClient abstracts the remote object store. Production code uses
// the GCS-backed implementation; tests supply an in-memory fake behind
// the same interface.
type ObjectClient interface {
	// Get downloads the full contents of an object
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists checks object existence without downloading content
	Exists(ctx context.Context, key string) (bool, error)

	// Put uploads an object, replacing any previous content
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes an object
	Delete(ctx context.Context, key string) error

	// List starts a paginated enumeration
	List(ctx context.Context, q ListQuery) ObjectIterator

	// Close releases client resources
	Close() error
}

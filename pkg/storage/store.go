package storage

import (
	"context"
	"encoding/json"

	"github.com/ethpandaops/snapvault/pkg/snapshot"
)

// ListOptions filters snapshot enumeration. A zero value lists everything
// up to the default limit.
type ListOptions struct {
	// Limit caps the number of returned metadata records (0 = default)
	Limit int
	// Status keeps only snapshots with the given overall status
	Status snapshot.Status
	// From and To bound the snapshot identifiers, inclusive
	From string
	To   string
}

// Store is the snapshot storage contract consumed by the HTTP and CLI
// layers. Absent results are returned as nil values, never as errors.
// All other failures surface as *Error with a retryable hint.
type Store interface {
	// GetLatestSuccessful returns the most recent snapshot whose metadata
	// status is success and whose manifest is write-complete, or nil.
	GetLatestSuccessful(ctx context.Context) (*snapshot.Snapshot, error)

	// GetLatest returns the most recent write-complete snapshot
	// regardless of status, or nil.
	GetLatest(ctx context.Context) (*snapshot.Snapshot, error)

	// GetSnapshot returns the snapshot with the given identifier, or nil
	// if it does not exist or is not write-complete.
	GetSnapshot(ctx context.Context, id string) (*snapshot.Snapshot, error)

	// ListSnapshots enumerates snapshot metadata in descending identifier
	// order. Manifests are never read on this path.
	ListSnapshots(ctx context.Context, opts ListOptions) ([]snapshot.Metadata, error)

	// ReadDistrict returns one district document, or nil if absent
	ReadDistrict(ctx context.Context, snapshotID, districtID string) (json.RawMessage, error)

	// ListDistricts enumerates the district identifiers present in a snapshot
	ListDistricts(ctx context.Context, snapshotID string) ([]string, error)

	// ReadRankings returns the derived rankings document. An absent
	// manifest or an incomplete write yields nil even when the rankings
	// object itself exists.
	ReadRankings(ctx context.Context, snapshotID string) (json.RawMessage, error)

	// HasRankings checks rankings existence without downloading content
	HasRankings(ctx context.Context, snapshotID string) (bool, error)

	// IsReady verifies the backing store is reachable and the configured
	// prefix is listable. It never returns an error.
	IsReady(ctx context.Context) bool

	// Mutating operations always fail with a non-retryable unsupported
	// error: mutation belongs exclusively to the producer pipeline.
	WriteSnapshot(ctx context.Context, snap *snapshot.Snapshot) error
	WriteDistrict(ctx context.Context, snapshotID, districtID string, data json.RawMessage) error
	WriteRankings(ctx context.Context, snapshotID string, data json.RawMessage) error
	DeleteSnapshot(ctx context.Context, id string) error
}

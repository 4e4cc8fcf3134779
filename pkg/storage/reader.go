package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"

	"github.com/ethpandaops/snapvault/pkg/breaker"
	"github.com/ethpandaops/snapvault/pkg/observability"
	"github.com/ethpandaops/snapvault/pkg/snapshot"
)

const providerName = "object-store"

// defaultListLimit caps ListSnapshots when the caller does not set one
const defaultListLimit = 100

// store implements the read-only Store contract. It holds no mutable
// state beyond the circuit breaker and is safe for concurrent readers.
type store struct {
	log     logrus.FieldLogger
	client  ObjectClient
	breaker *breaker.Breaker
	keys    keyLayout
}

// New creates a read-only snapshot store on top of an object client. The
// breaker instance is owned by the caller so tests can inject a fresh one.
func New(log logrus.FieldLogger, client ObjectClient, cfg *Config, br *breaker.Breaker) Store {
	return &store{
		log:     log.WithField("service", "snapshot-store"),
		client:  client,
		breaker: br,
		keys:    newKeyLayout(cfg.Prefix),
	}
}

// GetLatestSuccessful scans identifiers in descending order and stops at
// the first snapshot that is both successful and write-complete.
func (s *store) GetLatestSuccessful(ctx context.Context) (*snapshot.Snapshot, error) {
	return s.latest(ctx, true)
}

// GetLatest scans identifiers in descending order and stops at the first
// write-complete snapshot regardless of status.
func (s *store) GetLatest(ctx context.Context) (*snapshot.Snapshot, error) {
	return s.latest(ctx, false)
}

func (s *store) latest(ctx context.Context, requireSuccess bool) (*snapshot.Snapshot, error) {
	ids, err := s.snapshotIDs(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		meta, err := s.readMetadata(ctx, id)
		if err != nil {
			return nil, err
		}

		if meta == nil {
			continue
		}

		if requireSuccess && meta.Status != snapshot.StatusSuccess {
			continue
		}

		manifest, err := s.readManifest(ctx, id)
		if err != nil {
			return nil, err
		}

		if manifest == nil || !manifest.WriteComplete {
			continue
		}

		// Short-circuit: no metadata is read for any older identifier
		return s.materialize(ctx, id, meta, manifest)
	}

	return nil, nil
}

// GetSnapshot reads the manifest once, materializes the snapshot, then
// re-checks the write-complete flag. A flag that flipped mid-read means a
// producer started rewriting the snapshot: all work is discarded.
func (s *store) GetSnapshot(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	if err := snapshot.ValidateSnapshotID(id); err != nil {
		return nil, err
	}

	manifest, err := s.readManifest(ctx, id)
	if err != nil {
		return nil, err
	}

	if manifest == nil || !manifest.WriteComplete {
		return nil, nil
	}

	meta, err := s.readMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	if meta == nil {
		return nil, nil
	}

	return s.materialize(ctx, id, meta, manifest)
}

// materialize reads every listed district file and verifies the manifest
// is still write-complete afterwards.
func (s *store) materialize(ctx context.Context, id string, meta *snapshot.Metadata, manifest *snapshot.Manifest) (*snapshot.Snapshot, error) {
	districts := make(map[string]json.RawMessage, len(manifest.Files))

	for _, entry := range manifest.Files {
		if entry.Status != snapshot.FileStatusOK {
			continue
		}

		data, err := s.getObject(ctx, "read_district", s.keys.district(id, entry.DistrictID))
		if err != nil {
			return nil, err
		}

		if data == nil {
			// A listed file vanished mid-read; treat like an incomplete write
			s.log.WithFields(logrus.Fields{
				"snapshot_id": id,
				"district_id": entry.DistrictID,
			}).Warn("Listed district file missing, discarding snapshot read")

			return nil, nil
		}

		districts[entry.DistrictID] = data
	}

	// Re-check the write-complete flag to detect a concurrent overwrite
	recheck, err := s.readManifest(ctx, id)
	if err != nil {
		return nil, err
	}

	if recheck == nil || !recheck.WriteComplete {
		s.log.WithField("snapshot_id", id).Warn("Manifest no longer write-complete, discarding snapshot read")

		return nil, nil
	}

	return &snapshot.Snapshot{
		ID:        id,
		Metadata:  *meta,
		Manifest:  *manifest,
		Districts: districts,
	}, nil
}

// ListSnapshots enumerates metadata records in descending identifier
// order. Manifests are deliberately not read on this path.
func (s *store) ListSnapshots(ctx context.Context, opts ListOptions) ([]snapshot.Metadata, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	ids, err := s.snapshotIDs(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]snapshot.Metadata, 0, limit)

	for _, id := range ids {
		if opts.From != "" && id < opts.From {
			continue
		}

		if opts.To != "" && id > opts.To {
			continue
		}

		meta, err := s.readMetadata(ctx, id)
		if err != nil {
			return nil, err
		}

		if meta == nil {
			continue
		}

		if opts.Status != "" && meta.Status != opts.Status {
			continue
		}

		results = append(results, *meta)
		if len(results) >= limit {
			break
		}
	}

	return results, nil
}

// ReadDistrict returns one raw district document, or nil if absent
func (s *store) ReadDistrict(ctx context.Context, snapshotID, districtID string) (json.RawMessage, error) {
	if err := snapshot.ValidateSnapshotID(snapshotID); err != nil {
		return nil, err
	}

	if err := snapshot.ValidateDistrictID(districtID); err != nil {
		return nil, err
	}

	data, err := s.getObject(ctx, "read_district", s.keys.district(snapshotID, districtID))
	if err != nil {
		return nil, err
	}

	return data, nil
}

// ListDistricts enumerates district identifiers by key prefix without
// touching unrelated object metadata.
func (s *store) ListDistricts(ctx context.Context, snapshotID string) ([]string, error) {
	if err := snapshot.ValidateSnapshotID(snapshotID); err != nil {
		return nil, err
	}

	prefix := s.keys.snapshotDir(snapshotID) + unitPrefix

	var districts []string

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		it := s.client.List(ctx, ListQuery{Prefix: prefix})

		for {
			entry, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}

			if err != nil {
				return err
			}

			if district, ok := s.keys.districtFromKey(snapshotID, entry.Name); ok {
				districts = append(districts, district)
			}
		}
	})
	if err != nil {
		return nil, s.wrap("list_districts", err)
	}

	sort.Strings(districts)

	return districts, nil
}

// ReadRankings returns the derived rankings document. The write-complete
// flag gates the read independently of whether the rankings object exists.
func (s *store) ReadRankings(ctx context.Context, snapshotID string) (json.RawMessage, error) {
	if err := snapshot.ValidateSnapshotID(snapshotID); err != nil {
		return nil, err
	}

	manifest, err := s.readManifest(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	if manifest == nil || !manifest.WriteComplete {
		return nil, nil
	}

	data, err := s.getObject(ctx, "read_rankings", s.keys.rankings(snapshotID))
	if err != nil {
		return nil, err
	}

	return data, nil
}

// HasRankings checks rankings existence without downloading content
func (s *store) HasRankings(ctx context.Context, snapshotID string) (bool, error) {
	if err := snapshot.ValidateSnapshotID(snapshotID); err != nil {
		return false, err
	}

	var exists bool

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.client.Exists(ctx, s.keys.rankings(snapshotID))

		return err
	})
	if err != nil {
		if Classify(err) == KindAbsent {
			return false, nil
		}

		return false, s.wrap("has_rankings", err)
	}

	return exists, nil
}

// IsReady verifies the prefix is listable. It never returns an error.
func (s *store) IsReady(ctx context.Context) bool {
	it := s.client.List(ctx, ListQuery{Prefix: s.keys.root(), Delimiter: "/"})

	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		s.log.WithError(err).Debug("Readiness probe failed")

		return false
	}

	return true
}

// Mutating operations are rejected unconditionally: this store is the
// read path, the producer pipeline owns every write.

func (s *store) WriteSnapshot(_ context.Context, _ *snapshot.Snapshot) error {
	return NewError(providerName, "write_snapshot", false, ErrNotSupported)
}

func (s *store) WriteDistrict(_ context.Context, _, _ string, _ json.RawMessage) error {
	return NewError(providerName, "write_district", false, ErrNotSupported)
}

func (s *store) WriteRankings(_ context.Context, _ string, _ json.RawMessage) error {
	return NewError(providerName, "write_rankings", false, ErrNotSupported)
}

func (s *store) DeleteSnapshot(_ context.Context, _ string) error {
	return NewError(providerName, "delete_snapshot", false, ErrNotSupported)
}

// snapshotIDs lists snapshot identifier segments under the prefix in
// descending lexical order. Identifier strings are bounded (one per day),
// so collecting them for a single sort is fine; contents are never
// bulk-loaded here.
func (s *store) snapshotIDs(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		it := s.client.List(ctx, ListQuery{Prefix: s.keys.root(), Delimiter: "/"})

		for {
			entry, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}

			if err != nil {
				return err
			}

			if entry.Prefix == "" {
				continue
			}

			id := s.keys.idFromPrefix(entry.Prefix)
			if snapshot.ValidateSnapshotID(id) != nil {
				// Foreign keys under the prefix are skipped, not fatal
				continue
			}

			ids = append(ids, id)
		}
	})
	if err != nil {
		return nil, s.wrap("list_snapshots", err)
	}

	// Identifiers are ordered by string comparison, so a reverse sort is
	// exactly reverse-chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	return ids, nil
}

func (s *store) readMetadata(ctx context.Context, id string) (*snapshot.Metadata, error) {
	data, err := s.getObject(ctx, "read_metadata", s.keys.metadata(id))
	if err != nil || data == nil {
		return nil, err
	}

	var meta snapshot.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, NewError(providerName, "read_metadata", false, fmt.Errorf("malformed metadata for %s: %w", id, err))
	}

	return &meta, nil
}

func (s *store) readManifest(ctx context.Context, id string) (*snapshot.Manifest, error) {
	data, err := s.getObject(ctx, "read_manifest", s.keys.manifest(id))
	if err != nil || data == nil {
		return nil, err
	}

	var manifest snapshot.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, NewError(providerName, "read_manifest", false, fmt.Errorf("malformed manifest for %s: %w", id, err))
	}

	return &manifest, nil
}

// getObject downloads one object through the circuit breaker. Absent
// objects return (nil, nil); everything else is wrapped with a retryable
// hint.
func (s *store) getObject(ctx context.Context, op, key string) ([]byte, error) {
	start := time.Now()

	var data []byte

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.client.Get(ctx, key)

		return err
	})
	if err != nil {
		if Classify(err) == KindAbsent {
			observability.RecordStorageOperation(op, "absent", time.Since(start).Seconds())

			return nil, nil
		}

		observability.RecordStorageOperation(op, "error", time.Since(start).Seconds())

		return nil, s.wrap(op, err)
	}

	observability.RecordStorageOperation(op, "success", time.Since(start).Seconds())

	return data, nil
}

// wrap converts a raw dependency error into the uniform storage error
func (s *store) wrap(op string, err error) error {
	if errors.Is(err, breaker.ErrOpen) {
		return NewError(providerName, op, true, err)
	}

	var se *Error
	if errors.As(err, &se) {
		return err
	}

	return NewError(providerName, op, Classify(err) == KindRetryable, err)
}

var _ Store = (*store)(nil)

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/snapvault/pkg/snapshot"
)

// PendingSnapshot is a snapshot assembled by the backfill engine before
// it is made durable. Failed districts are carried as annotated manifest
// entries so partial results stay observable.
type PendingSnapshot struct {
	ID        string
	Metadata  snapshot.Metadata
	Districts map[string]json.RawMessage
	Failures  []snapshot.ManifestEntry
	Rankings  json.RawMessage
}

// Writer is the minimal producer-side write path used by the backfill
// engine. The write order is the coherence mechanism: district files and
// metadata first, the manifest with writeComplete=true strictly last.
// Until that final write lands, readers treat the snapshot as absent.
type Writer struct {
	log    logrus.FieldLogger
	client ObjectClient
	keys   keyLayout
}

// NewWriter creates a snapshot writer
func NewWriter(log logrus.FieldLogger, client ObjectClient, cfg *Config) *Writer {
	return &Writer{
		log:    log.WithField("service", "snapshot-writer"),
		client: client,
		keys:   newKeyLayout(cfg.Prefix),
	}
}

// WriteSnapshot persists a pending snapshot. Callers must have validated
// the snapshot identifier; district identifiers are validated here since
// they come from collector responses.
func (w *Writer) WriteSnapshot(ctx context.Context, pending *PendingSnapshot) error {
	if err := snapshot.ValidateSnapshotID(pending.ID); err != nil {
		return err
	}

	manifest := snapshot.Manifest{
		SnapshotID:    pending.ID,
		Files:         make([]snapshot.ManifestEntry, 0, len(pending.Districts)+len(pending.Failures)),
		WriteComplete: false,
		CreatedAt:     time.Now().UTC(),
	}

	for districtID, data := range pending.Districts {
		if err := snapshot.ValidateDistrictID(districtID); err != nil {
			return err
		}

		key := w.keys.district(pending.ID, districtID)
		if err := w.put(ctx, "write_district", key, data); err != nil {
			return err
		}

		manifest.Files = append(manifest.Files, snapshot.ManifestEntry{
			DistrictID: districtID,
			Key:        key,
			Status:     snapshot.FileStatusOK,
		})
	}

	manifest.Files = append(manifest.Files, pending.Failures...)

	if pending.Rankings != nil {
		if err := w.put(ctx, "write_rankings", w.keys.rankings(pending.ID), pending.Rankings); err != nil {
			return err
		}
	}

	metaData, err := json.Marshal(pending.Metadata)
	if err != nil {
		return NewError(providerName, "write_metadata", false, fmt.Errorf("marshal metadata: %w", err))
	}

	if err := w.put(ctx, "write_metadata", w.keys.metadata(pending.ID), metaData); err != nil {
		return err
	}

	// Final step: flip the write-complete flag. Everything before this
	// point is invisible to readers.
	manifest.WriteComplete = true

	manifestData, err := json.Marshal(manifest)
	if err != nil {
		return NewError(providerName, "write_manifest", false, fmt.Errorf("marshal manifest: %w", err))
	}

	if err := w.put(ctx, "write_manifest", w.keys.manifest(pending.ID), manifestData); err != nil {
		return err
	}

	w.log.WithFields(logrus.Fields{
		"snapshot_id": pending.ID,
		"districts":   len(pending.Districts),
		"failures":    len(pending.Failures),
		"status":      pending.Metadata.Status,
	}).Info("Snapshot written")

	return nil
}

func (w *Writer) put(ctx context.Context, op, key string, data []byte) error {
	if err := w.client.Put(ctx, key, data); err != nil {
		return NewError(providerName, op, Classify(err) == KindRetryable, err)
	}

	return nil
}

// Package snapshot defines the immutable snapshot data model: per-day
// metadata, the manifest carrying the write-completion flag, and the
// identifier validation rules shared by every layer above.
package snapshot

import (
	"encoding/json"
	"time"
)

// Status represents the overall outcome recorded in snapshot metadata
type Status string

const (
	// StatusSuccess indicates every district was collected
	StatusSuccess Status = "success"
	// StatusPartial indicates some districts failed during collection
	StatusPartial Status = "partial"
	// StatusFailed indicates no district data could be collected
	StatusFailed Status = "failed"
)

// FileStatus represents the per-district outcome recorded in the manifest
type FileStatus string

const (
	// FileStatusOK indicates the district file was written successfully
	FileStatusOK FileStatus = "ok"
	// FileStatusFailed indicates collection for the district failed
	FileStatusFailed FileStatus = "failed"
)

// Metadata is the per-snapshot summary stored at {prefix}/{id}/metadata.json
type Metadata struct {
	SnapshotID         string         `json:"snapshot_id"`
	CreatedAt          time.Time      `json:"created_at"`
	Status             Status         `json:"status"`
	SuccessCount       int            `json:"success_count"`
	FailureCount       int            `json:"failure_count"`
	SchemaVersion      string         `json:"schema_version"`
	CalculationVersion string         `json:"calculation_version"`
	ClosingPeriod      *ClosingPeriod `json:"closing_period,omitempty"`
}

// ClosingPeriod carries provenance for delayed data: the date the data was
// actually collected versus the logical date the snapshot represents.
type ClosingPeriod struct {
	CollectionDate string `json:"collection_date"`
	LogicalDate    string `json:"logical_date"`
}

// ManifestEntry describes one constituent district file
type ManifestEntry struct {
	DistrictID string     `json:"district_id"`
	Key        string     `json:"key"`
	Status     FileStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Retryable  bool       `json:"retryable,omitempty"`
}

// Manifest is the per-snapshot index stored at {prefix}/{id}/manifest.json.
// WriteComplete is set true only as the producer's final write step and is
// the sole signal that the snapshot may be served. Legacy manifests without
// the field unmarshal to false and stay invisible.
type Manifest struct {
	SnapshotID    string          `json:"snapshot_id"`
	Files         []ManifestEntry `json:"files"`
	WriteComplete bool            `json:"write_complete"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Entry returns the manifest entry for a district, or nil if absent
func (m *Manifest) Entry(districtID string) *ManifestEntry {
	for i := range m.Files {
		if m.Files[i].DistrictID == districtID {
			return &m.Files[i]
		}
	}

	return nil
}

// Snapshot is a fully materialized snapshot: metadata, manifest, and the
// raw per-district documents keyed by district ID.
type Snapshot struct {
	ID        string
	Metadata  Metadata
	Manifest  Manifest
	Districts map[string]json.RawMessage
}

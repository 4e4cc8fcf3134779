package storage

import (
	"fmt"
	"strings"
)

// Object layout under the configured key prefix:
//
//	{prefix}/{snapshotId}/metadata.json
//	{prefix}/{snapshotId}/manifest.json
//	{prefix}/{snapshotId}/unit_{district}.json
//	{prefix}/{snapshotId}/rankings.json
const (
	metadataObject = "metadata.json"
	manifestObject = "manifest.json"
	rankingsObject = "rankings.json"
	unitPrefix     = "unit_"
)

type keyLayout struct {
	prefix string
}

func newKeyLayout(prefix string) keyLayout {
	return keyLayout{prefix: strings.TrimSuffix(prefix, "/")}
}

func (k keyLayout) root() string {
	return k.prefix + "/"
}

func (k keyLayout) snapshotDir(id string) string {
	return fmt.Sprintf("%s/%s/", k.prefix, id)
}

func (k keyLayout) metadata(id string) string {
	return k.snapshotDir(id) + metadataObject
}

func (k keyLayout) manifest(id string) string {
	return k.snapshotDir(id) + manifestObject
}

func (k keyLayout) rankings(id string) string {
	return k.snapshotDir(id) + rankingsObject
}

func (k keyLayout) district(id, districtID string) string {
	return fmt.Sprintf("%s%s%s.json", k.snapshotDir(id), unitPrefix, districtID)
}

// districtFromKey extracts the district ID from a unit object key,
// returning false for keys that are not unit files.
func (k keyLayout) districtFromKey(id, key string) (string, bool) {
	name := strings.TrimPrefix(key, k.snapshotDir(id))
	if !strings.HasPrefix(name, unitPrefix) || !strings.HasSuffix(name, ".json") {
		return "", false
	}

	district := strings.TrimSuffix(strings.TrimPrefix(name, unitPrefix), ".json")
	if district == "" {
		return "", false
	}

	return district, true
}

// idFromPrefix extracts the snapshot ID segment from a collapsed listing
// prefix like "snapshots/2024-01-05/".
func (k keyLayout) idFromPrefix(p string) string {
	return strings.TrimSuffix(strings.TrimPrefix(p, k.root()), "/")
}

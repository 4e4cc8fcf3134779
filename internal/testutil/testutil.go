// Package testutil provides test utilities for snapvault:
//   - Miniredis helpers for unit tests (miniredis.go)
//   - An in-memory object store client and snapshot fixtures (objectstore.go)
//
// Nothing here requires Docker; everything runs in-process.
package testutil

package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/ethpandaops/snapvault/pkg/snapshot"
	storagepkg "github.com/ethpandaops/snapvault/pkg/storage"
)

// FakeObjectStore is an in-memory ObjectClient for unit tests. It
// mirrors bucket listing semantics: a delimiter collapses deeper keys
// into common prefixes, and missing objects surface the storage
// library's not-found error so classification paths see the real thing.
type FakeObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailOps makes the named operations return FailErr, for breaker
	// and retry tests. Keyed by "get", "exists", "put", "delete", "list".
	FailOps map[string]bool
	FailErr error

	// AfterGet, when set, runs after every successful Get with the key
	// that was read. Tests use it to mutate the store between the reads
	// of a single higher-level operation.
	AfterGet func(key string)
}

// NewFakeObjectStore creates an empty in-memory object store
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{
		objects: make(map[string][]byte),
		FailOps: make(map[string]bool),
	}
}

func (f *FakeObjectStore) failing(op string) error {
	if f.FailOps[op] {
		return f.FailErr
	}

	return nil
}

// Get returns the object's content
func (f *FakeObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.RLock()

	if err := f.failing("get"); err != nil {
		f.mu.RUnlock()

		return nil, err
	}

	data, ok := f.objects[key]
	if !ok {
		f.mu.RUnlock()

		return nil, storage.ErrObjectNotExist
	}

	out := append([]byte(nil), data...)
	hook := f.AfterGet
	f.mu.RUnlock()

	if hook != nil {
		hook(key)
	}

	return out, nil
}

// Exists checks object presence without returning content
func (f *FakeObjectStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.failing("exists"); err != nil {
		return false, err
	}

	_, ok := f.objects[key]

	return ok, nil
}

// Put stores an object
func (f *FakeObjectStore) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failing("put"); err != nil {
		return err
	}

	f.objects[key] = append([]byte(nil), data...)

	return nil
}

// Delete removes an object; deleting a missing object is not an error
func (f *FakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failing("delete"); err != nil {
		return err
	}

	delete(f.objects, key)

	return nil
}

// List enumerates objects under the query prefix. With a delimiter set,
// keys containing the delimiter past the prefix collapse into prefix
// entries, exactly like bucket listings.
func (f *FakeObjectStore) List(_ context.Context, q storagepkg.ListQuery) storagepkg.ObjectIterator {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.failing("list"); err != nil {
		return &fakeIterator{err: err}
	}

	seen := make(map[string]struct{})

	var entries []storagepkg.ListEntry

	for key := range f.objects {
		if !strings.HasPrefix(key, q.Prefix) {
			continue
		}

		rest := strings.TrimPrefix(key, q.Prefix)

		if q.Delimiter != "" {
			if i := strings.Index(rest, q.Delimiter); i >= 0 {
				p := q.Prefix + rest[:i+len(q.Delimiter)]
				if _, dup := seen[p]; !dup {
					seen[p] = struct{}{}

					entries = append(entries, storagepkg.ListEntry{Prefix: p})
				}

				continue
			}
		}

		entries = append(entries, storagepkg.ListEntry{Name: key})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name+entries[i].Prefix < entries[j].Name+entries[j].Prefix
	})

	return &fakeIterator{entries: entries}
}

// Close is a no-op
func (f *FakeObjectStore) Close() error {
	return nil
}

// Len returns the number of stored objects
func (f *FakeObjectStore) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.objects)
}

type fakeIterator struct {
	entries []storagepkg.ListEntry
	pos     int
	err     error
}

func (it *fakeIterator) Next() (storagepkg.ListEntry, error) {
	if it.err != nil {
		return storagepkg.ListEntry{}, it.err
	}

	if it.pos >= len(it.entries) {
		return storagepkg.ListEntry{}, iterator.Done
	}

	entry := it.entries[it.pos]
	it.pos++

	return entry, nil
}

var _ storagepkg.ObjectClient = (*FakeObjectStore)(nil)

// SnapshotFixture describes one stored snapshot for test seeding
type SnapshotFixture struct {
	ID            string
	Status        snapshot.Status
	WriteComplete bool
	Districts     map[string]string
	Rankings      string
	Failures      []snapshot.ManifestEntry
}

// SeedSnapshot writes a full snapshot fixture into the fake store under
// the given key prefix, in the same layout the production writer uses.
func SeedSnapshot(t *testing.T, fake *FakeObjectStore, prefix string, fx SnapshotFixture) {
	t.Helper()

	ctx := context.Background()
	base := prefix + "/" + fx.ID + "/"

	manifest := snapshot.Manifest{
		SnapshotID:    fx.ID,
		WriteComplete: fx.WriteComplete,
		CreatedAt:     time.Now().UTC(),
	}

	for districtID, doc := range fx.Districts {
		key := base + "unit_" + districtID + ".json"

		if err := fake.Put(ctx, key, []byte(doc)); err != nil {
			t.Fatalf("failed to seed district %s: %v", districtID, err)
		}

		manifest.Files = append(manifest.Files, snapshot.ManifestEntry{
			DistrictID: districtID,
			Key:        key,
			Status:     snapshot.FileStatusOK,
		})
	}

	manifest.Files = append(manifest.Files, fx.Failures...)

	if fx.Rankings != "" {
		if err := fake.Put(ctx, base+"rankings.json", []byte(fx.Rankings)); err != nil {
			t.Fatalf("failed to seed rankings: %v", err)
		}
	}

	meta := snapshot.Metadata{
		SnapshotID:    fx.ID,
		CreatedAt:     time.Now().UTC(),
		Status:        fx.Status,
		SuccessCount:  len(fx.Districts),
		FailureCount:  len(fx.Failures),
		SchemaVersion: "v2",
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("failed to marshal metadata: %v", err)
	}

	if err := fake.Put(ctx, base+"metadata.json", metaData); err != nil {
		t.Fatalf("failed to seed metadata: %v", err)
	}

	manifestData, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("failed to marshal manifest: %v", err)
	}

	if err := fake.Put(ctx, base+"manifest.json", manifestData); err != nil {
		t.Fatalf("failed to seed manifest: %v", err)
	}
}

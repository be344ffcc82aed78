package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/record"
)

type object struct {
	data []byte
	etag string
}

// fakeStore is an in-memory Store with real etag semantics.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string]*object
	manifest *object
	nextEtag int

	// conflictNextUpload makes the next Upload lose its etag check.
	conflictNextUpload bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]*object)}
}

func (f *fakeStore) etag() string {
	f.nextEtag++
	return fmt.Sprintf("e%d", f.nextEtag)
}

func (f *fakeStore) GetManifest(ctx context.Context) (*record.Manifest, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifest == nil {
		return nil, "", provider.ErrNotFound
	}
	m, err := record.UnmarshalManifest(f.manifest.data)
	if err != nil {
		return nil, "", err
	}
	return m, f.manifest.etag, nil
}

func (f *fakeStore) PutManifest(ctx context.Context, m *record.Manifest, ifMatch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := ""
	if f.manifest != nil {
		current = f.manifest.etag
	}
	if ifMatch != current {
		return "", &provider.ConflictError{Expected: ifMatch, Current: current}
	}

	data, err := m.Marshal()
	if err != nil {
		return "", err
	}
	f.manifest = &object{data: data, etag: f.etag()}
	return f.manifest.etag, nil
}

func (f *fakeStore) Upload(ctx context.Context, path string, blob []byte, ifMatch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := ""
	if obj, ok := f.objects[path]; ok {
		current = obj.etag
	}
	if f.conflictNextUpload {
		f.conflictNextUpload = false
		return "", &provider.ConflictError{Expected: ifMatch, Current: current + "-raced"}
	}
	if ifMatch != current {
		return "", &provider.ConflictError{Expected: ifMatch, Current: current}
	}

	f.objects[path] = &object{data: append([]byte(nil), blob...), etag: f.etag()}
	return f.objects[path].etag, nil
}

func (f *fakeStore) Download(ctx context.Context, path string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[path]
	if !ok {
		return nil, "", provider.ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.etag, nil
}

func (f *fakeStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for p := range f.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type fakeLocal struct {
	folded     []*record.Change
	checkpoint int64
}

func (f *fakeLocal) Fold(ctx context.Context, change *record.Change) (bool, error) {
	f.folded = append(f.folded, change)
	return true, nil
}

func (f *fakeLocal) Checkpoint(ctx context.Context) (int64, error) { return f.checkpoint, nil }

func (f *fakeLocal) SetCheckpoint(ctx context.Context, seq int64) error {
	f.checkpoint = seq
	return nil
}

func setupSyncer(t *testing.T) (*Syncer, *fakeStore, *fakeLocal) {
	t.Helper()
	store := newFakeStore()
	local := &fakeLocal{}
	return NewSyncer(store, local, "device-a", nil), store, local
}

func changeJSON(t *testing.T, key string, ts int64, origin string) json.RawMessage {
	t.Helper()
	c := &record.Change{Op: record.OpPut, Store: "notes", Key: key,
		Value: json.RawMessage(`{"v":1}`), Timestamp: ts, Origin: origin}
	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func TestEnsureManifestCreatesOnFirstContact(t *testing.T) {
	ctx := context.Background()
	s, store, _ := setupSyncer(t)

	m, etag, err := s.EnsureManifest(ctx)
	if err != nil {
		t.Fatalf("EnsureManifest failed: %v", err)
	}
	if m.DeviceIDPrimary != "device-a" || etag == "" {
		t.Errorf("manifest = %+v, etag = %q", m, etag)
	}

	// Second call returns the stored manifest, not a new one.
	m2, etag2, err := s.EnsureManifest(ctx)
	if err != nil {
		t.Fatalf("second EnsureManifest failed: %v", err)
	}
	if etag2 != etag || m2.CreatedAt != m.CreatedAt {
		t.Error("EnsureManifest recreated an existing manifest")
	}
	if store.manifest == nil {
		t.Fatal("manifest not stored")
	}
}

func TestEnsureManifestLosesCreateRace(t *testing.T) {
	ctx := context.Background()
	s, store, _ := setupSyncer(t)

	// Another device created the manifest between our get and put.
	winner := NewSyncer(store, &fakeLocal{}, "device-b", nil)
	if _, _, err := winner.EnsureManifest(ctx); err != nil {
		t.Fatalf("winner EnsureManifest failed: %v", err)
	}

	m, _, err := s.EnsureManifest(ctx)
	if err != nil {
		t.Fatalf("EnsureManifest failed: %v", err)
	}
	if m.DeviceIDPrimary != "device-b" {
		t.Errorf("loser should adopt the winner's manifest, got primary %q", m.DeviceIDPrimary)
	}
}

func TestUploadChangeNewKey(t *testing.T) {
	ctx := context.Background()
	s, store, _ := setupSyncer(t)

	id, err := s.UploadChange(ctx, changeJSON(t, "n1", 100, "device-a"))
	if err != nil {
		t.Fatalf("UploadChange failed: %v", err)
	}
	if !strings.HasPrefix(id, "records/notes/n1.json@") {
		t.Errorf("external id = %q", id)
	}
	if _, ok := store.objects["records/notes/n1.json"]; !ok {
		t.Error("blob not written")
	}
}

func TestUploadChangeOverwritesOlderRemote(t *testing.T) {
	ctx := context.Background()
	s, store, _ := setupSyncer(t)

	if _, err := s.UploadChange(ctx, changeJSON(t, "n1", 100, "device-b")); err != nil {
		t.Fatalf("seed upload failed: %v", err)
	}
	if _, err := s.UploadChange(ctx, changeJSON(t, "n1", 200, "device-a")); err != nil {
		t.Fatalf("UploadChange failed: %v", err)
	}

	data := store.objects["records/notes/n1.json"].data
	got, err := record.ParseChange(data)
	if err != nil {
		t.Fatalf("stored blob unreadable: %v", err)
	}
	if got.Timestamp != 200 {
		t.Errorf("remote timestamp = %d, want 200", got.Timestamp)
	}
}

func TestUploadChangeNewerRemoteWins(t *testing.T) {
	ctx := context.Background()
	s, store, local := setupSyncer(t)

	if _, err := s.UploadChange(ctx, changeJSON(t, "n1", 300, "device-b")); err != nil {
		t.Fatalf("seed upload failed: %v", err)
	}
	etagBefore := store.objects["records/notes/n1.json"].etag

	id, err := s.UploadChange(ctx, changeJSON(t, "n1", 100, "device-a"))
	if err != nil {
		t.Fatalf("UploadChange failed: %v", err)
	}
	if id == "" {
		t.Error("expected a delivered id even when the remote wins")
	}

	// The remote blob is untouched and its change was folded locally.
	if store.objects["records/notes/n1.json"].etag != etagBefore {
		t.Error("newer remote blob was overwritten")
	}
	if len(local.folded) != 1 || local.folded[0].Timestamp != 300 {
		t.Errorf("newer remote not folded: %+v", local.folded)
	}
}

func TestUploadChangeEtagRaceSurfacesConflict(t *testing.T) {
	ctx := context.Background()
	s, store, _ := setupSyncer(t)

	if _, err := s.UploadChange(ctx, changeJSON(t, "n1", 100, "device-a")); err != nil {
		t.Fatalf("seed upload failed: %v", err)
	}

	store.conflictNextUpload = true
	_, err := s.UploadChange(ctx, changeJSON(t, "n1", 200, "device-a"))
	if !errors.Is(err, provider.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestDownloadAllSkipsOwnChanges(t *testing.T) {
	ctx := context.Background()
	s, store, local := setupSyncer(t)

	seed := map[string]json.RawMessage{
		"records/notes/a.json": changeJSON(t, "a", 10, "device-b"),
		"records/notes/b.json": changeJSON(t, "b", 20, "device-a"),
		"records/notes/c.json": changeJSON(t, "c", 30, "device-c"),
	}
	for path, data := range seed {
		store.objects[path] = &object{data: data, etag: store.etag()}
	}

	result, err := s.DownloadAll(ctx)
	if err != nil {
		t.Fatalf("DownloadAll failed: %v", err)
	}
	if result.Downloaded != 2 || result.Merged != 2 {
		t.Errorf("result = %+v, want Downloaded=2 Merged=2", result)
	}
	for _, c := range local.folded {
		if c.Origin == "device-a" {
			t.Error("own change folded back in")
		}
	}
}

func TestDownloadAllSkipsUnreadableBlobs(t *testing.T) {
	ctx := context.Background()
	s, store, _ := setupSyncer(t)

	store.objects["records/notes/bad.json"] = &object{data: []byte("not json"), etag: store.etag()}
	store.objects["records/notes/good.json"] = &object{data: changeJSON(t, "good", 10, "device-b"), etag: store.etag()}

	result, err := s.DownloadAll(ctx)
	if err != nil {
		t.Fatalf("DownloadAll failed: %v", err)
	}
	if result.Downloaded != 1 || result.Merged != 1 {
		t.Errorf("result = %+v, want Downloaded=1 Merged=1", result)
	}
}

func TestUploadBumpsManifestSeq(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupSyncer(t)

	if _, _, err := s.EnsureManifest(ctx); err != nil {
		t.Fatalf("EnsureManifest failed: %v", err)
	}
	if _, err := s.UploadChange(ctx, changeJSON(t, "n1", 100, "device-a")); err != nil {
		t.Fatalf("UploadChange failed: %v", err)
	}

	m, _, err := s.EnsureManifest(ctx)
	if err != nil {
		t.Fatalf("EnsureManifest failed: %v", err)
	}
	if m.LastSeq != 1 {
		t.Errorf("LastSeq = %d, want 1", m.LastSeq)
	}
}

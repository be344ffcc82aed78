package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/record"
)

// driveServer is an in-memory implementation of the drive wire with
// real etag semantics.
type driveServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	seq     int
}

func newDriveServer() *driveServer {
	return &driveServer{objects: make(map[string][]byte), etags: make(map[string]string)}
}

func (s *driveServer) nextEtag() string {
	s.seq++
	return fmt.Sprintf("v%d", s.seq)
}

func (s *driveServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		s.object(w, r, "manifest")
	})
	mux.HandleFunc("/blobs", s.list)
	mux.HandleFunc("/blobs/", func(w http.ResponseWriter, r *http.Request) {
		s.object(w, r, strings.TrimPrefix(r.URL.Path, "/blobs/"))
	})
	return mux
}

func (s *driveServer) object(w http.ResponseWriter, r *http.Request, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		data, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", s.etags[key])
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodPut:
		current := s.etags[key]
		_, exists := s.objects[key]
		if r.Header.Get("If-None-Match") == "*" && exists {
			w.Header().Set("ETag", current)
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if im := r.Header.Get("If-Match"); im != "" && im != current {
			w.Header().Set("ETag", current)
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.objects[key] = body
		s.etags[key] = s.nextEtag()
		w.Header().Set("ETag", s.etags[key])
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if _, ok := s.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.objects, key)
		delete(s.etags, key)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *driveServer) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := r.URL.Query().Get("prefix")
	var paths []string
	for k := range s.objects {
		if k != "manifest" && strings.HasPrefix(k, prefix) {
			paths = append(paths, k)
		}
	}
	json.NewEncoder(w).Encode(map[string][]string{"paths": paths})
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

func setupDrive(t *testing.T) (*Drive, *driveServer, *fakeLocal) {
	t.Helper()

	server := newDriveServer()
	srv := httptest.NewServer(server.handler())
	t.Cleanup(srv.Close)

	local := &fakeLocal{}
	d, err := New(provider.Config{
		Endpoint: srv.URL,
		Token:    "tok",
		DeviceID: "device-a",
		Client:   srv.Client(),
		Local:    local,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, server, local
}

func changePayload(t *testing.T, key string, ts int64, origin string) json.RawMessage {
	t.Helper()
	c := &record.Change{Op: record.OpPut, Store: "notes", Key: key,
		Value: json.RawMessage(`{"v":1}`), Timestamp: ts, Origin: origin}
	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func TestInitCreatesManifestAndMarker(t *testing.T) {
	ctx := context.Background()
	d, server, _ := setupDrive(t)

	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if _, ok := server.objects["manifest"]; !ok {
		t.Error("manifest not created on first contact")
	}
	if _, ok := server.objects["devices/device-a.json"]; !ok {
		t.Error("device marker not registered")
	}

	m, _, err := d.GetManifest(ctx)
	if err != nil {
		t.Fatalf("GetManifest failed: %v", err)
	}
	if m.DeviceIDPrimary != "device-a" {
		t.Errorf("manifest primary = %q", m.DeviceIDPrimary)
	}
}

func TestTransfersBeforeInit(t *testing.T) {
	ctx := context.Background()
	d, _, _ := setupDrive(t)

	if _, err := d.UploadPendingChange(ctx, &queue.Item{ID: 1}); !errors.Is(err, provider.ErrNotAuthenticated) {
		t.Errorf("upload: %v, want ErrNotAuthenticated", err)
	}
	if _, err := d.DownloadChanges(ctx); !errors.Is(err, provider.ErrNotAuthenticated) {
		t.Errorf("download: %v, want ErrNotAuthenticated", err)
	}
}

func TestStaleIfMatchNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	d, server, _ := setupDrive(t)
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	etag, err := d.Upload(ctx, "records/notes/n1.json", changePayload(t, "n1", 100, "device-a"), "")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// A second writer bumps the blob; our etag is now stale.
	if _, err := d.Upload(ctx, "records/notes/n1.json", changePayload(t, "n1", 150, "device-b"), etag); err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}

	before := append([]byte(nil), server.objects["records/notes/n1.json"]...)
	_, err = d.Upload(ctx, "records/notes/n1.json", changePayload(t, "n1", 200, "device-a"), etag)
	if !errors.Is(err, provider.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	var ce *provider.ConflictError
	if !errors.As(err, &ce) || ce.Current == "" {
		t.Errorf("conflict missing current etag: %v", err)
	}
	if string(server.objects["records/notes/n1.json"]) != string(before) {
		t.Error("stale write overwrote the blob")
	}
}

func TestEmptyIfMatchAssertsAbsence(t *testing.T) {
	ctx := context.Background()
	d, _, _ := setupDrive(t)
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if _, err := d.Upload(ctx, "records/notes/n1.json", changePayload(t, "n1", 100, "device-a"), ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := d.Upload(ctx, "records/notes/n1.json", changePayload(t, "n1", 200, "device-a"), ""); !errors.Is(err, provider.ErrConflict) {
		t.Errorf("got %v, want ErrConflict for create over existing blob", err)
	}
}

func TestUploadAndDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, _, local := setupDrive(t)
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	extID, err := d.UploadPendingChange(ctx, &queue.Item{ID: 1, Payload: changePayload(t, "n1", 100, "device-a")})
	if err != nil {
		t.Fatalf("UploadPendingChange failed: %v", err)
	}
	if !strings.HasPrefix(extID, "records/notes/n1.json@") {
		t.Errorf("external id = %q", extID)
	}

	// Seed a foreign change, then download.
	if _, err := d.Upload(ctx, "records/notes/n2.json", changePayload(t, "n2", 50, "device-b"), ""); err != nil {
		t.Fatalf("seed upload failed: %v", err)
	}

	result, err := d.DownloadChanges(ctx)
	if err != nil {
		t.Fatalf("DownloadChanges failed: %v", err)
	}
	if result.Downloaded != 1 || result.Merged != 1 {
		t.Errorf("result = %+v, want Downloaded=1 Merged=1 (own change skipped)", result)
	}
	if len(local.folded) != 1 || local.folded[0].Key != "n2" {
		t.Errorf("folded = %+v", local.folded)
	}
}

func TestUnauthorizedMapsToAuthRequired(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	d, err := New(provider.Config{Endpoint: srv.URL, Client: srv.Client(), Local: &fakeLocal{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Init(ctx); !errors.Is(err, provider.ErrAuthRequired) {
		t.Errorf("got %v, want ErrAuthRequired", err)
	}
}

func TestUnreachableMapsToOffline(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	d, err := New(provider.Config{Endpoint: srv.URL, Local: &fakeLocal{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Init(ctx); !errors.Is(err, provider.ErrOffline) {
		t.Errorf("got %v, want ErrOffline", err)
	}
}

func TestUnlinkRemovesDeviceMarker(t *testing.T) {
	ctx := context.Background()
	d, server, _ := setupDrive(t)
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if err := d.Unlink(ctx); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, ok := server.objects["devices/device-a.json"]; ok {
		t.Error("device marker still present after unlink")
	}

	// Record blobs, if any, stay for other devices.
	if _, err := d.UploadPendingChange(ctx, &queue.Item{ID: 1}); !errors.Is(err, provider.ErrNotAuthenticated) {
		t.Errorf("transfers after unlink should require re-init, got %v", err)
	}
}

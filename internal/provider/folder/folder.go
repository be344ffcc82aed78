// Package folder implements the blob-oriented backend over a mounted
// directory, typically a cloud drive folder synced to the local
// filesystem by a vendor agent. Etags are sha256 of blob content and
// every write goes through a temp file plus rename so a concurrent
// reader never sees a half-written blob.
//
// An unmounted root maps to the offline error, matching how a network
// backend reports an unreachable host.
package folder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/provider/blob"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/record"
)

const manifestName = "manifest.json"

func init() {
	provider.Register(provider.IDFolder, func(cfg provider.Config) (provider.Adapter, error) {
		return New(cfg)
	})
}

// Folder implements provider.BlobAdapter over a mounted directory.
type Folder struct {
	root        string
	deviceID    string
	logger      *log.Logger
	syncer      *blob.Syncer
	initialized bool
}

// New creates a folder adapter rooted at cfg.Dir.
func New(cfg provider.Config) (*Folder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("folder: dir is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[folder] ", log.LstdFlags)
	}

	f := &Folder{
		root:     cfg.Dir,
		deviceID: cfg.DeviceID,
		logger:   logger,
	}
	f.syncer = blob.NewSyncer(f, cfg.Local, cfg.DeviceID, logger)
	return f, nil
}

// ID implements provider.Adapter.
func (f *Folder) ID() provider.ID { return provider.IDFolder }

// checkMount verifies the root is still a directory. The adapter never
// creates the root, since a missing root usually means the vendor
// agent is not running; writing into a recreated mount point would
// produce data the real mount shadows when it comes back.
func (f *Folder) checkMount() error {
	info, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("folder: %w: mount %s not available: %v", provider.ErrOffline, f.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("folder: mount %s is not a directory", f.root)
	}
	return nil
}

// Init implements provider.Adapter.
func (f *Folder) Init(ctx context.Context) error {
	if err := f.checkMount(); err != nil {
		return err
	}

	f.initialized = true
	if _, _, err := f.syncer.EnsureManifest(ctx); err != nil {
		f.initialized = false
		return fmt.Errorf("folder: init handshake failed: %w", err)
	}
	if err := f.registerDevice(ctx); err != nil {
		f.logger.Printf("device registration failed: %v", err)
	}
	return nil
}

func (f *Folder) registerDevice(ctx context.Context) error {
	path := "devices/" + f.deviceID + ".json"
	if ok, err := f.Exists(ctx, path); err != nil || ok {
		return err
	}
	marker, err := json.Marshal(map[string]string{"deviceId": f.deviceID})
	if err != nil {
		return err
	}
	if _, err := f.Upload(ctx, path, marker, ""); err != nil && !errors.Is(err, provider.ErrConflict) {
		return err
	}
	return nil
}

// SignIn implements provider.Adapter.
func (f *Folder) SignIn(ctx context.Context) error {
	return f.Init(ctx)
}

// SignOut implements provider.Adapter.
func (f *Folder) SignOut(ctx context.Context) error {
	f.initialized = false
	return nil
}

// UploadPendingChange implements provider.Adapter.
func (f *Folder) UploadPendingChange(ctx context.Context, item *queue.Item) (string, error) {
	if !f.initialized {
		return "", provider.ErrNotAuthenticated
	}
	return f.syncer.UploadChange(ctx, item.Payload)
}

// DownloadChanges implements provider.Adapter.
func (f *Folder) DownloadChanges(ctx context.Context) (provider.DownloadResult, error) {
	if !f.initialized {
		return provider.DownloadResult{}, provider.ErrNotAuthenticated
	}
	return f.syncer.DownloadAll(ctx)
}

// etag is the content hash used as the concurrency token.
func etag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// abs maps a blob path to its on-disk location, rejecting escapes.
func (f *Folder) abs(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("folder: path %q escapes the mount", path)
	}
	return filepath.Join(f.root, clean), nil
}

// GetManifest implements provider.BlobAdapter.
func (f *Folder) GetManifest(ctx context.Context) (*record.Manifest, string, error) {
	data, tag, err := f.Download(ctx, manifestName)
	if err != nil {
		return nil, "", err
	}
	m, err := record.UnmarshalManifest(data)
	if err != nil {
		return nil, "", fmt.Errorf("folder: %w", err)
	}
	return m, tag, nil
}

// PutManifest implements provider.BlobAdapter.
func (f *Folder) PutManifest(ctx context.Context, m *record.Manifest, ifMatch string) (string, error) {
	data, err := m.Marshal()
	if err != nil {
		return "", fmt.Errorf("folder: %w", err)
	}
	return f.Upload(ctx, manifestName, data, ifMatch)
}

// Upload implements provider.BlobAdapter. The etag check and the
// rename are not atomic together; the window is acceptable for vendor
// folder mounts, which already serialize per-file updates.
func (f *Folder) Upload(ctx context.Context, path string, data []byte, ifMatch string) (string, error) {
	if err := f.checkMount(); err != nil {
		return "", err
	}
	target, err := f.abs(path)
	if err != nil {
		return "", err
	}

	current := ""
	existing, err := os.ReadFile(target)
	switch {
	case err == nil:
		current = etag(existing)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return "", fmt.Errorf("folder: failed to read %s: %w", path, err)
	}
	if ifMatch != current {
		return "", &provider.ConflictError{Expected: ifMatch, Current: current}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("folder: failed to create parent for %s: %w", path, err)
	}

	tmp := target + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("folder: failed to stage %s: %w", path, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("folder: failed to commit %s: %w", path, err)
	}
	return etag(data), nil
}

// Download implements provider.BlobAdapter.
func (f *Folder) Download(ctx context.Context, path string) ([]byte, string, error) {
	if err := f.checkMount(); err != nil {
		return nil, "", err
	}
	target, err := f.abs(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("folder: %s: %w", path, provider.ErrNotFound)
		}
		return nil, "", fmt.Errorf("folder: failed to read %s: %w", path, err)
	}
	return data, etag(data), nil
}

// List implements provider.BlobAdapter.
func (f *Folder) List(ctx context.Context, prefix string) ([]string, error) {
	if err := f.checkMount(); err != nil {
		return nil, err
	}

	var paths []string
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		slash := filepath.ToSlash(rel)
		if strings.HasPrefix(slash, prefix) {
			paths = append(paths, slash)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("folder: failed to list %s: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Exists implements provider.BlobAdapter.
func (f *Folder) Exists(ctx context.Context, path string) (bool, error) {
	if err := f.checkMount(); err != nil {
		return false, err
	}
	target, err := f.abs(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("folder: failed to stat %s: %w", path, err)
	}
	return true, nil
}

// Unlink implements provider.BlobAdapter.
func (f *Folder) Unlink(ctx context.Context) error {
	if err := f.checkMount(); err != nil {
		return err
	}
	target, err := f.abs("devices/" + f.deviceID + ".json")
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("folder: failed to unlink device marker: %w", err)
	}
	f.initialized = false
	return nil
}

var _ provider.BlobAdapter = (*Folder)(nil)

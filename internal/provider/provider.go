// Package provider defines the uniform contract every remote backend
// implements, the typed registry that constructs them, and the error
// taxonomy shared by the sync orchestrator.
//
// The adapter interface is the seam at which new backends are added:
// the orchestrator depends only on this package, never on a concrete
// backend.
package provider

import (
	"context"
	"log"
	"net/http"

	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/record"
)

// ID identifies a backend implementation.
type ID string

const (
	// IDNoop is the placeholder backend used when sync is configured
	// off. It satisfies the contract and performs no network I/O.
	IDNoop ID = "noop"

	// IDRelay is the generic HTTP relay backend: a single POST
	// endpoint accepting raw pending-write payloads.
	IDRelay ID = "relay"

	// IDDrive is the blob-oriented HTTP object-storage backend with
	// etag-guarded manifest and blob operations.
	IDDrive ID = "drive"

	// IDFolder is the blob-oriented backend over a mounted folder
	// (e.g. a cloud drive synced to the local filesystem).
	IDFolder ID = "folder"
)

// String returns the ID as a plain string.
func (id ID) String() string { return string(id) }

// DownloadResult reports what a download pass did.
type DownloadResult struct {
	// Downloaded is the number of remote-origin changes fetched.
	Downloaded int

	// Merged is the number of fetched changes that won conflict
	// resolution and were persisted locally.
	Merged int
}

// Adapter is the contract every backend implements.
//
// Calling UploadPendingChange or DownloadChanges before Init must fail
// with ErrNotAuthenticated, never silently no-op.
type Adapter interface {
	// ID returns the backend's identifier.
	ID() ID

	// Init establishes credentials and session state. Idempotent. May
	// require user interaction, so callers invoke it only from a
	// user-facing flow, never implicitly from a background cycle.
	Init(ctx context.Context) error

	// UploadPendingChange sends one queue item's payload and returns
	// the backend-assigned external id. Safe to retry: callers may
	// call it again for the same logical item after a transient
	// failure, so implementations either tolerate duplicates or
	// de-duplicate by a deterministic key derived from the payload.
	UploadPendingChange(ctx context.Context, item *queue.Item) (string, error)

	// DownloadChanges pulls remote-origin changes not yet reflected
	// locally, applying last-write-wins resolution before persisting.
	DownloadChanges(ctx context.Context) (DownloadResult, error)

	// SignIn establishes a user session.
	SignIn(ctx context.Context) error

	// SignOut tears the session down, leaving the adapter in the same
	// state as before any Init.
	SignOut(ctx context.Context) error
}

// BlobAdapter is the file-oriented adapter variant for backends that
// model storage as named blobs plus a shared manifest rather than a
// single upload endpoint.
//
// PutManifest and Upload take an optimistic concurrency token: when
// ifMatch doesn't equal the remote's current etag the call fails with
// a *ConflictError instead of overwriting. An empty ifMatch asserts
// the object does not exist yet.
type BlobAdapter interface {
	Adapter

	// GetManifest fetches the account manifest and its current etag.
	GetManifest(ctx context.Context) (*record.Manifest, string, error)

	// PutManifest stores the manifest guarded by ifMatch and returns
	// the new etag.
	PutManifest(ctx context.Context, m *record.Manifest, ifMatch string) (string, error)

	// Upload stores a blob guarded by ifMatch and returns its etag.
	Upload(ctx context.Context, path string, blob []byte, ifMatch string) (string, error)

	// Download fetches a blob and its etag.
	Download(ctx context.Context, path string) ([]byte, string, error)

	// List returns blob paths under the prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether a blob is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Unlink removes this device's association with the remote
	// account data. It does not delete other devices' data.
	Unlink(ctx context.Context) error
}

// Config carries everything a constructor needs. Fields irrelevant to
// a given backend are ignored by it.
type Config struct {
	// Endpoint is the backend base URL (relay, drive).
	Endpoint string

	// Dir is the mounted folder root (folder backend).
	Dir string

	// Token is the pre-provisioned credential, if any. Backends
	// without one prompt during SignIn.
	Token string

	// DeviceID identifies this device in the shared manifest.
	DeviceID string

	// Client is the HTTP client to use. Nil means http.DefaultClient.
	// Network timeouts live here, not in the orchestrator.
	Client *http.Client

	// Logger for adapter activity. Nil means a default stderr logger.
	Logger *log.Logger

	// Local gives backends access to the device's store for folding
	// downloaded changes in.
	Local LocalAccess
}

// LocalAccess is the slice of local state adapters may touch during a
// download pass. Folding goes through conflict resolution on the local
// side; adapters never write to the store directly.
type LocalAccess interface {
	// Fold applies a remote-origin change through last-write-wins
	// resolution and reports whether it won and was persisted. Folded
	// changes never produce a pending-write queue item.
	Fold(ctx context.Context, change *record.Change) (bool, error)

	// Checkpoint returns the last remote sequence folded in, or 0.
	Checkpoint(ctx context.Context) (int64, error)

	// SetCheckpoint records the last remote sequence folded in.
	SetCheckpoint(ctx context.Context, seq int64) error
}

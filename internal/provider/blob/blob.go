// Package blob holds the record sync logic shared by blob-oriented
// backends. A backend supplies the primitive blob operations; this
// package turns them into retry-safe change uploads and full download
// passes with last-write-wins folding.
//
// Layout on the remote: one blob per record at
// records/{store}/{key}.json holding the latest change (including
// delete tombstones), plus manifest.json for account metadata.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/record"
)

// RecordPrefix is where record blobs live.
const RecordPrefix = "records/"

// Store is the primitive blob surface a backend exposes. The etag
// discipline matches provider.BlobAdapter: stale ifMatch fails with
// *provider.ConflictError, empty ifMatch asserts absence.
type Store interface {
	GetManifest(ctx context.Context) (*record.Manifest, string, error)
	PutManifest(ctx context.Context, m *record.Manifest, ifMatch string) (string, error)
	Upload(ctx context.Context, path string, blob []byte, ifMatch string) (string, error)
	Download(ctx context.Context, path string) ([]byte, string, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Syncer implements record synchronization over a Store.
type Syncer struct {
	store    Store
	local    provider.LocalAccess
	deviceID string
	logger   *log.Logger
}

// NewSyncer creates a syncer. A nil logger defaults to stderr.
func NewSyncer(store Store, local provider.LocalAccess, deviceID string, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[blob] ", log.LstdFlags)
	}
	return &Syncer{store: store, local: local, deviceID: deviceID, logger: logger}
}

// RecordPath maps a change to its blob path.
func RecordPath(store, key string) string {
	return RecordPrefix + store + "/" + key + ".json"
}

// EnsureManifest fetches the account manifest, creating it on first
// contact. Safe against two devices racing the creation: the loser of
// the empty-ifMatch put refetches the winner's manifest.
func (s *Syncer) EnsureManifest(ctx context.Context) (*record.Manifest, string, error) {
	m, etag, err := s.store.GetManifest(ctx)
	if err == nil {
		return m, etag, nil
	}
	if !errors.Is(err, provider.ErrNotFound) {
		return nil, "", fmt.Errorf("failed to fetch manifest: %w", err)
	}

	m = record.NewManifest(s.deviceID)
	etag, err = s.store.PutManifest(ctx, m, "")
	if err == nil {
		return m, etag, nil
	}
	if errors.Is(err, provider.ErrConflict) {
		m, etag, err = s.store.GetManifest(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch manifest after create race: %w", err)
		}
		return m, etag, nil
	}
	return nil, "", fmt.Errorf("failed to create manifest: %w", err)
}

// UploadChange stores one pending change as a record blob. If the
// remote already holds a newer change for the same key, the remote
// wins: it is folded into local state and the upload is considered
// delivered without overwriting. Losing an etag race returns the
// conflict so the caller retries after the next download pass.
func (s *Syncer) UploadChange(ctx context.Context, payload json.RawMessage) (string, error) {
	change, err := record.ParseChange(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrUpload, err)
	}

	path := RecordPath(change.Store, change.Key)

	ifMatch := ""
	existing, etag, err := s.store.Download(ctx, path)
	switch {
	case err == nil:
		remote, perr := record.ParseChange(existing)
		if perr != nil {
			s.logger.Printf("replacing unreadable remote blob %s: %v", path, perr)
		} else if remote.Timestamp > change.Timestamp {
			if _, ferr := s.local.Fold(ctx, remote); ferr != nil {
				return "", fmt.Errorf("failed to fold newer remote %s: %w", path, ferr)
			}
			return path + "@" + etag, nil
		}
		ifMatch = etag
	case errors.Is(err, provider.ErrNotFound):
	default:
		return "", fmt.Errorf("failed to check remote blob %s: %w", path, err)
	}

	newEtag, err := s.store.Upload(ctx, path, payload, ifMatch)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}

	s.bumpManifest(ctx)
	return path + "@" + newEtag, nil
}

// DownloadAll scans every record blob and folds remote-origin changes
// into local state. Folding is idempotent, so a full scan is safe to
// repeat.
func (s *Syncer) DownloadAll(ctx context.Context) (provider.DownloadResult, error) {
	var result provider.DownloadResult

	paths, err := s.store.List(ctx, RecordPrefix)
	if err != nil {
		return result, fmt.Errorf("failed to list record blobs: %w", err)
	}

	for _, path := range paths {
		if !strings.HasSuffix(path, ".json") {
			continue
		}

		data, _, err := s.store.Download(ctx, path)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				continue
			}
			return result, fmt.Errorf("failed to download %s: %w", path, err)
		}

		change, err := record.ParseChange(data)
		if err != nil {
			s.logger.Printf("skipping unreadable remote blob %s: %v", path, err)
			continue
		}
		if change.Origin != "" && change.Origin == s.deviceID {
			continue
		}
		result.Downloaded++

		merged, err := s.local.Fold(ctx, change)
		if err != nil {
			return result, fmt.Errorf("failed to fold %s: %w", path, err)
		}
		if merged {
			result.Merged++
		}
	}
	return result, nil
}

// bumpManifest advances LastSeq best-effort. The field is advisory, so
// losing the etag race twice just leaves it behind by one.
func (s *Syncer) bumpManifest(ctx context.Context) {
	for attempt := 0; attempt < 2; attempt++ {
		m, etag, err := s.store.GetManifest(ctx)
		if err != nil {
			s.logger.Printf("manifest bump skipped: %v", err)
			return
		}
		m.LastSeq++
		m.Touch()
		if _, err := s.store.PutManifest(ctx, m, etag); err == nil {
			return
		} else if !errors.Is(err, provider.ErrConflict) {
			s.logger.Printf("manifest bump failed: %v", err)
			return
		}
	}
	s.logger.Printf("manifest bump lost the update race, leaving LastSeq behind")
}

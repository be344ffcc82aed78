// Package drive implements the blob-oriented HTTP object-storage
// backend. The remote exposes a manifest resource and a flat blob
// namespace, both guarded by ETag/If-Match optimistic concurrency;
// a 412 response maps to a typed conflict, never an overwrite.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/provider/blob"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/record"
)

func init() {
	provider.Register(provider.IDDrive, func(cfg provider.Config) (provider.Adapter, error) {
		return New(cfg)
	})
}

// Drive implements provider.BlobAdapter over the drive REST wire.
type Drive struct {
	endpoint    string
	token       string
	deviceID    string
	client      *http.Client
	logger      *log.Logger
	syncer      *blob.Syncer
	initialized bool
}

// New creates a drive adapter.
func New(cfg provider.Config) (*Drive, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("drive: endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("drive: invalid endpoint %q: %w", cfg.Endpoint, err)
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[drive] ", log.LstdFlags)
	}

	d := &Drive{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		deviceID: cfg.DeviceID,
		client:   client,
		logger:   logger,
	}
	d.syncer = blob.NewSyncer(d, cfg.Local, cfg.DeviceID, logger)
	return d, nil
}

// ID implements provider.Adapter.
func (d *Drive) ID() provider.ID { return provider.IDDrive }

// Init implements provider.Adapter. It performs the first-contact
// handshake: fetch or create the shared manifest, then register this
// device's marker blob so Unlink has something to remove.
func (d *Drive) Init(ctx context.Context) error {
	d.initialized = true
	if _, _, err := d.syncer.EnsureManifest(ctx); err != nil {
		d.initialized = false
		return fmt.Errorf("drive: init handshake failed: %w", err)
	}
	if err := d.registerDevice(ctx); err != nil {
		d.logger.Printf("device registration failed: %v", err)
	}
	return nil
}

// registerDevice writes the device marker blob. Re-running Init keeps
// the existing marker.
func (d *Drive) registerDevice(ctx context.Context) error {
	path := deviceMarker(d.deviceID)
	ok, err := d.Exists(ctx, path)
	if err != nil || ok {
		return err
	}
	marker, err := json.Marshal(map[string]string{"deviceId": d.deviceID})
	if err != nil {
		return err
	}
	if _, err := d.Upload(ctx, path, marker, ""); err != nil && !errors.Is(err, provider.ErrConflict) {
		return err
	}
	return nil
}

// SignIn implements provider.Adapter.
func (d *Drive) SignIn(ctx context.Context) error {
	return d.Init(ctx)
}

// SignOut implements provider.Adapter.
func (d *Drive) SignOut(ctx context.Context) error {
	d.initialized = false
	d.token = ""
	return nil
}

// UploadPendingChange implements provider.Adapter.
func (d *Drive) UploadPendingChange(ctx context.Context, item *queue.Item) (string, error) {
	if !d.initialized {
		return "", provider.ErrNotAuthenticated
	}
	return d.syncer.UploadChange(ctx, item.Payload)
}

// DownloadChanges implements provider.Adapter.
func (d *Drive) DownloadChanges(ctx context.Context) (provider.DownloadResult, error) {
	if !d.initialized {
		return provider.DownloadResult{}, provider.ErrNotAuthenticated
	}
	return d.syncer.DownloadAll(ctx)
}

// do sends a request with auth attached and maps transport-level
// failures to the shared error taxonomy.
func (d *Drive) do(req *http.Request) (*http.Response, error) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive: %w: %v", provider.ErrOffline, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, fmt.Errorf("drive: status %d: %w", resp.StatusCode, provider.ErrAuthRequired)
	}
	return resp, nil
}

// GetManifest implements provider.BlobAdapter.
func (d *Drive) GetManifest(ctx context.Context) (*record.Manifest, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/manifest", nil)
	if err != nil {
		return nil, "", fmt.Errorf("drive: failed to build manifest request: %w", err)
	}
	resp, err := d.do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("drive: manifest: %w", provider.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("drive: manifest returned %d: %w", resp.StatusCode, provider.ErrDownload)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("drive: failed to read manifest: %w", err)
	}
	m, err := record.UnmarshalManifest(body)
	if err != nil {
		return nil, "", fmt.Errorf("drive: %w", err)
	}
	return m, resp.Header.Get("ETag"), nil
}

// PutManifest implements provider.BlobAdapter.
func (d *Drive) PutManifest(ctx context.Context, m *record.Manifest, ifMatch string) (string, error) {
	data, err := m.Marshal()
	if err != nil {
		return "", fmt.Errorf("drive: %w", err)
	}
	return d.put(ctx, d.endpoint+"/manifest", data, ifMatch)
}

// Upload implements provider.BlobAdapter.
func (d *Drive) Upload(ctx context.Context, path string, data []byte, ifMatch string) (string, error) {
	return d.put(ctx, d.blobURL(path), data, ifMatch)
}

func (d *Drive) put(ctx context.Context, u string, data []byte, ifMatch string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("drive: failed to build put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ifMatch == "" {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", ifMatch)
	}

	resp, err := d.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return "", &provider.ConflictError{Expected: ifMatch, Current: resp.Header.Get("ETag")}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("drive: put returned %d: %w", resp.StatusCode, provider.ErrUpload)
	}
	return resp.Header.Get("ETag"), nil
}

// Download implements provider.BlobAdapter.
func (d *Drive) Download(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.blobURL(path), nil)
	if err != nil {
		return nil, "", fmt.Errorf("drive: failed to build download request: %w", err)
	}
	resp, err := d.do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("drive: %s: %w", path, provider.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("drive: download %s returned %d: %w", path, resp.StatusCode, provider.ErrDownload)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("drive: failed to read %s: %w", path, err)
	}
	return body, resp.Header.Get("ETag"), nil
}

// listResponse is the blob listing reply.
type listResponse struct {
	Paths []string `json:"paths"`
}

// List implements provider.BlobAdapter.
func (d *Drive) List(ctx context.Context, prefix string) ([]string, error) {
	u := d.endpoint + "/blobs?prefix=" + url.QueryEscape(prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("drive: failed to build list request: %w", err)
	}
	resp, err := d.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("drive: list returned %d: %w", resp.StatusCode, provider.ErrDownload)
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("drive: malformed list response: %w", provider.ErrDownload)
	}
	return lr.Paths, nil
}

// Exists implements provider.BlobAdapter.
func (d *Drive) Exists(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.blobURL(path), nil)
	if err != nil {
		return false, fmt.Errorf("drive: failed to build head request: %w", err)
	}
	resp, err := d.do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("drive: head %s returned %d: %w", path, resp.StatusCode, provider.ErrDownload)
	}
}

// Unlink implements provider.BlobAdapter. It removes this device's
// registration marker; record blobs stay for the remaining devices.
func (d *Drive) Unlink(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.blobURL(deviceMarker(d.deviceID)), nil)
	if err != nil {
		return fmt.Errorf("drive: failed to build unlink request: %w", err)
	}
	resp, err := d.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("drive: unlink returned %d: %w", resp.StatusCode, provider.ErrUpload)
	}
	d.initialized = false
	return nil
}

func (d *Drive) blobURL(path string) string {
	return d.endpoint + "/blobs/" + path
}

func deviceMarker(deviceID string) string {
	return "devices/" + deviceID + ".json"
}

var _ provider.BlobAdapter = (*Drive)(nil)

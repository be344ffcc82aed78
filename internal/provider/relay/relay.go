// Package relay implements the generic HTTP relay backend: a single
// changes endpoint that accepts raw pending-write payloads via POST
// and serves remote-origin changes via GET with a sequence cursor.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/record"
)

func init() {
	provider.Register(provider.IDRelay, New)
}

// Relay implements provider.Adapter over the relay wire protocol.
type Relay struct {
	endpoint    string
	token       string
	deviceID    string
	client      *http.Client
	logger      *log.Logger
	local       provider.LocalAccess
	initialized bool
}

// New creates a relay adapter. The endpoint must be set; everything
// else has workable defaults.
func New(cfg provider.Config) (provider.Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("relay: endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("relay: invalid endpoint %q: %w", cfg.Endpoint, err)
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}

	return &Relay{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		deviceID: cfg.DeviceID,
		client:   client,
		logger:   logger,
		local:    cfg.Local,
	}, nil
}

// ID implements provider.Adapter.
func (r *Relay) ID() provider.ID { return provider.IDRelay }

// Init implements provider.Adapter. The relay has no session handshake;
// credentials travel with every request.
func (r *Relay) Init(ctx context.Context) error {
	r.initialized = true
	return nil
}

// SignIn implements provider.Adapter.
func (r *Relay) SignIn(ctx context.Context) error {
	return r.Init(ctx)
}

// SignOut implements provider.Adapter.
func (r *Relay) SignOut(ctx context.Context) error {
	r.initialized = false
	r.token = ""
	return nil
}

// uploadResponse is the relay's reply to a posted change.
type uploadResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// UploadPendingChange implements provider.Adapter. The payload is
// posted as-is; the relay de-duplicates by origin and timestamp, so
// re-posting after a crash is safe.
func (r *Relay) UploadPendingChange(ctx context.Context, item *queue.Item) (string, error) {
	if !r.initialized {
		return "", provider.ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+"/changes", bytes.NewReader(item.Payload))
	if err != nil {
		return "", fmt.Errorf("relay: failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay: %w: %v", provider.ErrOffline, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("relay: upload returned %d: %w", resp.StatusCode, provider.ErrAuthRequired)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("relay: upload returned %d: %w", resp.StatusCode, provider.ErrUpload)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("relay: failed to read upload response: %w", err)
	}

	var ur uploadResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return "", fmt.Errorf("relay: malformed upload response: %w", provider.ErrUpload)
	}
	if ur.Error != "" {
		return "", fmt.Errorf("relay: %s: %w", ur.Error, provider.ErrUpload)
	}
	if ur.ID == "" {
		return "", fmt.Errorf("relay: upload response missing id: %w", provider.ErrUpload)
	}
	return ur.ID, nil
}

// changesResponse is the relay's reply to a changes query.
type changesResponse struct {
	Changes []*record.Change `json:"changes"`
	LastSeq int64            `json:"last_seq"`
}

// DownloadChanges implements provider.Adapter. Changes originated by
// this device are skipped rather than folded back in.
func (r *Relay) DownloadChanges(ctx context.Context) (provider.DownloadResult, error) {
	var result provider.DownloadResult
	if !r.initialized {
		return result, provider.ErrNotAuthenticated
	}

	since, err := r.local.Checkpoint(ctx)
	if err != nil {
		return result, fmt.Errorf("relay: failed to read checkpoint: %w", err)
	}

	u := r.endpoint + "/changes?since=" + strconv.FormatInt(since, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return result, fmt.Errorf("relay: failed to build download request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("relay: %w: %v", provider.ErrOffline, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return result, fmt.Errorf("relay: download returned %d: %w", resp.StatusCode, provider.ErrAuthRequired)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return result, fmt.Errorf("relay: download returned %d: %w", resp.StatusCode, provider.ErrDownload)
	}

	var cr changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return result, fmt.Errorf("relay: malformed download response: %w", provider.ErrDownload)
	}

	for _, change := range cr.Changes {
		if change.Origin != "" && change.Origin == r.deviceID {
			continue
		}
		if err := change.Validate(); err != nil {
			r.logger.Printf("skipping malformed remote change %s/%s: %v", change.Store, change.Key, err)
			continue
		}
		result.Downloaded++

		merged, err := r.local.Fold(ctx, change)
		if err != nil {
			return result, fmt.Errorf("relay: failed to fold change %s/%s: %w", change.Store, change.Key, err)
		}
		if merged {
			result.Merged++
		}
	}

	if cr.LastSeq > since {
		if err := r.local.SetCheckpoint(ctx, cr.LastSeq); err != nil {
			return result, fmt.Errorf("relay: failed to advance checkpoint: %w", err)
		}
	}
	return result, nil
}

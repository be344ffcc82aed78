// Package noop provides the placeholder backend used when sync is
// configured off. It satisfies the adapter contract without performing
// any network I/O so the orchestrator's wiring stays uniform.
package noop

import (
	"context"
	"fmt"

	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/queue"
)

func init() {
	provider.Register(provider.IDNoop, New)
}

// Noop implements provider.Adapter and refuses all transfers.
type Noop struct {
	initialized bool
}

// New creates the noop adapter.
func New(cfg provider.Config) (provider.Adapter, error) {
	return &Noop{}, nil
}

// ID implements provider.Adapter.
func (n *Noop) ID() provider.ID { return provider.IDNoop }

// Init implements provider.Adapter.
func (n *Noop) Init(ctx context.Context) error {
	n.initialized = true
	return nil
}

// UploadPendingChange implements provider.Adapter. It always fails
// with a typed error so callers can't mistake a dropped upload for a
// delivered one.
func (n *Noop) UploadPendingChange(ctx context.Context, item *queue.Item) (string, error) {
	if !n.initialized {
		return "", provider.ErrNotAuthenticated
	}
	return "", fmt.Errorf("noop: %w", provider.ErrProviderDisabled)
}

// DownloadChanges implements provider.Adapter.
func (n *Noop) DownloadChanges(ctx context.Context) (provider.DownloadResult, error) {
	if !n.initialized {
		return provider.DownloadResult{}, provider.ErrNotAuthenticated
	}
	return provider.DownloadResult{}, fmt.Errorf("noop: %w", provider.ErrProviderDisabled)
}

// SignIn implements provider.Adapter.
func (n *Noop) SignIn(ctx context.Context) error { return nil }

// SignOut implements provider.Adapter.
func (n *Noop) SignOut(ctx context.Context) error {
	n.initialized = false
	return nil
}

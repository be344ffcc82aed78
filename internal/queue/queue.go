// Package queue provides the durable pending-write queue: the ordered
// record of local mutations that have not yet been confirmed on the
// remote backend.
//
// Every local mutation that must eventually reach the remote produces
// exactly one queue item before the mutating call returns. Items are
// consumed strictly oldest-first; marking an item synced and removing
// it are two separate commits, so a crash between the two leaves an
// auditable "synced but not yet pruned" row that SweepSynced reclaims
// on the next startup.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sync status values for a queue item.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

// ErrItemNotFound is returned when an operation names a queue item
// that doesn't exist.
var ErrItemNotFound = errors.New("queue item not found")

// Item is one not-yet-synchronized mutation.
type Item struct {
	ID         int64           `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  string          `json:"created_at"` // RFC 3339
	SyncStatus string          `json:"sync_status"`
	SyncedAt   *string         `json:"synced_at,omitempty"` // RFC 3339
}

// Queue is the pending-write queue contract.
type Queue interface {
	// Enqueue appends a payload and returns its assigned id. The call
	// does not return success until the item is committed.
	Enqueue(ctx context.Context, payload json.RawMessage) (int64, error)

	// ListPending returns pending items oldest-first.
	ListPending(ctx context.Context) ([]*Item, error)

	// CountPending returns the number of pending items.
	CountPending(ctx context.Context) (int, error)

	// MarkSynced flips an item to the synced status and stamps
	// synced_at. The item stays in the queue until Remove.
	MarkSynced(ctx context.Context, id int64) error

	// Remove deletes an item. Removing an absent id returns
	// ErrItemNotFound.
	Remove(ctx context.Context, id int64) error

	// SweepSynced prunes synced items whose synced_at is older than
	// the retention window and returns how many were removed. Called
	// on startup to reclaim rows left by a crash between MarkSynced
	// and Remove.
	SweepSynced(ctx context.Context, retention time.Duration) (int, error)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

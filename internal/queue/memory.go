package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memQueue mirrors the SQLite queue's semantics for stores running on
// the in-memory fallback. Nothing survives a restart.
type memQueue struct {
	mu     sync.Mutex
	nextID int64
	items  []*Item
}

// NewMemory creates an in-memory queue.
func NewMemory() Queue {
	return &memQueue{nextID: 1}
}

// Enqueue implements Queue.Enqueue.
func (q *memQueue) Enqueue(ctx context.Context, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("payload is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item := &Item{
		ID:         q.nextID,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  now(),
		SyncStatus: StatusPending,
	}
	q.nextID++
	q.items = append(q.items, item)
	return item.ID, nil
}

// ListPending implements Queue.ListPending.
func (q *memQueue) ListPending(ctx context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Item
	for _, item := range q.items {
		if item.SyncStatus != StatusPending {
			continue
		}
		cp := *item
		cp.Payload = append(json.RawMessage(nil), item.Payload...)
		out = append(out, &cp)
	}
	return out, nil
}

// CountPending implements Queue.CountPending.
func (q *memQueue) CountPending(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, item := range q.items {
		if item.SyncStatus == StatusPending {
			count++
		}
	}
	return count, nil
}

// MarkSynced implements Queue.MarkSynced.
func (q *memQueue) MarkSynced(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == id {
			ts := now()
			item.SyncStatus = StatusSynced
			item.SyncedAt = &ts
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrItemNotFound, id)
}

// Remove implements Queue.Remove.
func (q *memQueue) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrItemNotFound, id)
}

// SweepSynced implements Queue.SweepSynced.
func (q *memQueue) SweepSynced(ctx context.Context, retention time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)

	kept := q.items[:0]
	swept := 0
	for _, item := range q.items {
		if item.SyncStatus == StatusSynced && item.SyncedAt != nil && *item.SyncedAt <= cutoff {
			swept++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return swept, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/satchel-sync/satchel/internal/store"
)

// setupQueues returns both implementations so every test covers the
// SQLite queue and the in-memory fallback.
func setupQueues(t *testing.T) map[string]Queue {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath, []string{"items"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Queue{
		"sqlite": New(db),
		"memory": NewMemory(),
	}
}

func payload(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
}

func TestEnqueueAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	for name, q := range setupQueues(t) {
		t.Run(name, func(t *testing.T) {
			var last int64
			for i := 1; i <= 3; i++ {
				id, err := q.Enqueue(ctx, payload(i))
				if err != nil {
					t.Fatalf("Enqueue %d failed: %v", i, err)
				}
				if id <= last {
					t.Errorf("ids not increasing: %d after %d", id, last)
				}
				last = id
			}
		})
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	for name, q := range setupQueues(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 5; i++ {
				if _, err := q.Enqueue(ctx, payload(i)); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
			}

			items, err := q.ListPending(ctx)
			if err != nil {
				t.Fatalf("ListPending failed: %v", err)
			}
			if len(items) != 5 {
				t.Fatalf("expected 5 pending items, got %d", len(items))
			}
			for i := 1; i < len(items); i++ {
				if items[i].ID <= items[i-1].ID {
					t.Errorf("items out of order at %d: %d <= %d", i, items[i].ID, items[i-1].ID)
				}
			}
			if string(items[0].Payload) != `{"seq":1}` {
				t.Errorf("oldest item payload = %s", items[0].Payload)
			}
		})
	}
}

func TestCountMatchesWrites(t *testing.T) {
	ctx := context.Background()
	for name, q := range setupQueues(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 4; i++ {
				if _, err := q.Enqueue(ctx, payload(i)); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
				count, err := q.CountPending(ctx)
				if err != nil {
					t.Fatalf("CountPending failed: %v", err)
				}
				if count != i {
					t.Errorf("after %d writes pending = %d", i, count)
				}
			}
		})
	}
}

func TestMarkSyncedThenRemove(t *testing.T) {
	ctx := context.Background()
	for name, q := range setupQueues(t) {
		t.Run(name, func(t *testing.T) {
			id, err := q.Enqueue(ctx, payload(1))
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			if err := q.MarkSynced(ctx, id); err != nil {
				t.Fatalf("MarkSynced failed: %v", err)
			}

			// Marked items leave the pending view before removal.
			count, err := q.CountPending(ctx)
			if err != nil {
				t.Fatalf("CountPending failed: %v", err)
			}
			if count != 0 {
				t.Errorf("synced item still counted as pending")
			}

			if err := q.Remove(ctx, id); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if err := q.Remove(ctx, id); !errors.Is(err, ErrItemNotFound) {
				t.Errorf("expected ErrItemNotFound on double remove, got %v", err)
			}
		})
	}
}

func TestMarkSyncedUnknownID(t *testing.T) {
	ctx := context.Background()
	for name, q := range setupQueues(t) {
		t.Run(name, func(t *testing.T) {
			if err := q.MarkSynced(ctx, 999); !errors.Is(err, ErrItemNotFound) {
				t.Errorf("expected ErrItemNotFound, got %v", err)
			}
		})
	}
}

func TestSweepSyncedRecoversCrashLeftovers(t *testing.T) {
	ctx := context.Background()
	for name, q := range setupQueues(t) {
		t.Run(name, func(t *testing.T) {
			// Simulate a crash between MarkSynced and Remove: the item
			// is synced but never pruned.
			id, err := q.Enqueue(ctx, payload(1))
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if err := q.MarkSynced(ctx, id); err != nil {
				t.Fatalf("MarkSynced failed: %v", err)
			}

			pendingID, err := q.Enqueue(ctx, payload(2))
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			// Zero retention sweeps anything already synced.
			swept, err := q.SweepSynced(ctx, 0)
			if err != nil {
				t.Fatalf("SweepSynced failed: %v", err)
			}
			if swept != 1 {
				t.Errorf("swept = %d, want 1", swept)
			}

			// The pending item is untouched.
			items, err := q.ListPending(ctx)
			if err != nil {
				t.Fatalf("ListPending failed: %v", err)
			}
			if len(items) != 1 || items[0].ID != pendingID {
				t.Errorf("pending items after sweep: %+v", items)
			}
		})
	}
}

func TestSweepSyncedHonorsRetention(t *testing.T) {
	ctx := context.Background()
	for name, q := range setupQueues(t) {
		t.Run(name, func(t *testing.T) {
			id, err := q.Enqueue(ctx, payload(1))
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if err := q.MarkSynced(ctx, id); err != nil {
				t.Fatalf("MarkSynced failed: %v", err)
			}

			// A long retention window keeps freshly synced items.
			swept, err := q.SweepSynced(ctx, 24*time.Hour)
			if err != nil {
				t.Fatalf("SweepSynced failed: %v", err)
			}
			if swept != 0 {
				t.Errorf("swept fresh item inside retention window")
			}
		})
	}
}

func TestQueueDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := store.Open(dbPath, []string{"items"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	q := New(db)
	if _, err := q.Enqueue(ctx, payload(1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db2, err := store.Open(dbPath, []string{"items"})
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	defer db2.Close()

	q2 := New(db2)
	count, err := q2.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending failed: %v", err)
	}
	if count != 1 {
		t.Errorf("queue item lost across reopen: pending = %d", count)
	}
}

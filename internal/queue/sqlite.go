package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/satchel-sync/satchel/internal/store"
)

// dbQueue persists items in the pending_writes table of the local
// store's SQLite database, sharing its connection so queue commits go
// through the same engine as record commits.
type dbQueue struct {
	conn *sql.DB
}

// New creates a queue backed by the given store. A SQLite store yields
// a durable queue; the in-memory fallback store yields an in-memory
// queue with identical semantics.
func New(s store.Store) Queue {
	if db, ok := s.(*store.DB); ok {
		return &dbQueue{conn: db.RawDB()}
	}
	return NewMemory()
}

// Enqueue implements Queue.Enqueue.
func (q *dbQueue) Enqueue(ctx context.Context, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("payload is required")
	}

	res, err := q.conn.ExecContext(ctx,
		`INSERT INTO pending_writes (payload, created_at, sync_status) VALUES (?, ?, ?)`,
		string(payload), now(), StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue pending write: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read enqueued id: %w", err)
	}
	return id, nil
}

// ListPending implements Queue.ListPending.
func (q *dbQueue) ListPending(ctx context.Context) ([]*Item, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT id, payload, created_at, sync_status, synced_at
		 FROM pending_writes WHERE sync_status = ? ORDER BY id ASC`,
		StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var item Item
		var payload string
		var syncedAt sql.NullString

		if err := rows.Scan(&item.ID, &payload, &item.CreatedAt, &item.SyncStatus, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending write: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		if syncedAt.Valid {
			item.SyncedAt = &syncedAt.String
		}
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending writes: %w", err)
	}
	return items, nil
}

// CountPending implements Queue.CountPending.
func (q *dbQueue) CountPending(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_writes WHERE sync_status = ?`, StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending writes: %w", err)
	}
	return count, nil
}

// MarkSynced implements Queue.MarkSynced.
func (q *dbQueue) MarkSynced(ctx context.Context, id int64) error {
	res, err := q.conn.ExecContext(ctx,
		`UPDATE pending_writes SET sync_status = ?, synced_at = ? WHERE id = ?`,
		StatusSynced, now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d synced: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check mark result for item %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	return nil
}

// Remove implements Queue.Remove.
func (q *dbQueue) Remove(ctx context.Context, id int64) error {
	res, err := q.conn.ExecContext(ctx, `DELETE FROM pending_writes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check remove result for item %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	return nil
}

// SweepSynced implements Queue.SweepSynced.
func (q *dbQueue) SweepSynced(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)

	res, err := q.conn.ExecContext(ctx,
		`DELETE FROM pending_writes WHERE sync_status = ? AND synced_at IS NOT NULL AND synced_at <= ?`,
		StatusSynced, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep synced items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept items: %w", err)
	}
	return int(n), nil
}

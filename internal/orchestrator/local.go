package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/record"
	"github.com/satchel-sync/satchel/internal/store"
)

const checkpointKey = "sync_checkpoint"

// Local is the device-side mutation path. Every outbound write commits
// to the store and enqueues exactly one pending-write item before
// returning; reads never touch the queue.
//
// Local also implements provider.LocalAccess so backends can fold
// downloaded changes in through last-write-wins resolution without
// producing new queue items.
type Local struct {
	store    store.Store
	queue    queue.Queue
	deviceID string
}

// NewLocal creates the local mutation path for one device.
func NewLocal(st store.Store, q queue.Queue, deviceID string) *Local {
	return &Local{store: st, queue: q, deviceID: deviceID}
}

// PutRecord writes a record locally and enqueues its outbound change.
// The returned record is the committed row; caller caches must be
// updated from it, not from the input.
//
// The store commit and the queue commit stand or fall together: when
// the enqueue fails the record is rolled back to its previous state,
// so no write can be visible locally without a pending-write item.
func (l *Local) PutRecord(ctx context.Context, partition, key string, value json.RawMessage) (*record.Record, error) {
	rec := &record.Record{
		Store:     partition,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	prev, err := l.store.Get(ctx, partition, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	committed, err := l.store.Put(ctx, rec)
	if err != nil {
		return nil, err
	}

	change := &record.Change{
		Op:        record.OpPut,
		Store:     committed.Store,
		Key:       committed.Key,
		Value:     committed.Value,
		Timestamp: committed.Timestamp,
		Origin:    l.deviceID,
	}
	if err := l.enqueue(ctx, change); err != nil {
		l.rollback(ctx, partition, key, prev)
		return nil, err
	}
	return committed, nil
}

// DeleteRecord removes a record locally and enqueues the tombstone.
// Like PutRecord, a failed enqueue rolls the delete back.
func (l *Local) DeleteRecord(ctx context.Context, partition, key string) error {
	prev, err := l.store.Get(ctx, partition, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := l.store.Delete(ctx, partition, key); err != nil {
		return err
	}
	change := &record.Change{
		Op:        record.OpDelete,
		Store:     partition,
		Key:       key,
		Timestamp: time.Now().UnixMilli(),
		Origin:    l.deviceID,
	}
	if err := l.enqueue(ctx, change); err != nil {
		l.rollback(ctx, partition, key, prev)
		return err
	}
	return nil
}

// rollback restores a key to its pre-mutation state after a failed
// enqueue. Best effort: the caller still returns the enqueue error.
func (l *Local) rollback(ctx context.Context, partition, key string, prev *record.Record) {
	if prev == nil {
		_ = l.store.Delete(ctx, partition, key)
		return
	}
	_, _ = l.store.Put(ctx, prev)
}

func (l *Local) enqueue(ctx context.Context, change *record.Change) error {
	payload, err := change.Marshal()
	if err != nil {
		return fmt.Errorf("failed to build change payload: %w", err)
	}
	if _, err := l.queue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("failed to enqueue change for %s/%s: %w", change.Store, change.Key, err)
	}
	return nil
}

// Fold implements provider.LocalAccess. The remote change wins only
// with a strictly greater timestamp; a tie or an older remote keeps
// local state untouched.
func (l *Local) Fold(ctx context.Context, change *record.Change) (bool, error) {
	local, err := l.store.Get(ctx, change.Store, change.Key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	switch change.Op {
	case record.OpDelete:
		if local == nil || change.Timestamp <= local.Timestamp {
			return false, nil
		}
		if err := l.store.Delete(ctx, change.Store, change.Key); err != nil {
			return false, err
		}
		return true, nil
	case record.OpPut:
		remote := change.Record()
		if local != nil && record.Resolve(local, remote) != remote {
			return false, nil
		}
		if _, err := l.store.Put(ctx, remote); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown change op: %q", change.Op)
	}
}

// checkpoint is the persisted download cursor.
type checkpoint struct {
	Seq int64 `json:"seq"`
}

// Checkpoint implements provider.LocalAccess.
func (l *Local) Checkpoint(ctx context.Context) (int64, error) {
	s, err := l.store.GetSetting(ctx, checkpointKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var cp checkpoint
	if err := json.Unmarshal(s.Value, &cp); err != nil {
		return 0, fmt.Errorf("corrupt sync checkpoint: %w", err)
	}
	return cp.Seq, nil
}

// SetCheckpoint implements provider.LocalAccess.
func (l *Local) SetCheckpoint(ctx context.Context, seq int64) error {
	value, err := json.Marshal(checkpoint{Seq: seq})
	if err != nil {
		return err
	}
	return l.store.PutSetting(ctx, &record.Setting{
		Key:       checkpointKey,
		Value:     value,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

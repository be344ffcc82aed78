// Package orchestrator drives sync cycles: it decides when a cycle may
// run, pulls remote changes before pushing local ones, drains the
// pending-write queue strictly oldest-first, and publishes every state
// transition to the status bus.
//
// At most one cycle runs at a time. Triggers arriving mid-cycle
// coalesce into a single re-run after the current cycle completes; a
// persisted lease extends the guarantee across processes sharing a
// data directory.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satchel-sync/satchel/internal/bus"
	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/store"
)

const lockKey = "sync_lock"

// DefaultLockTTL bounds how long a crashed process can block other
// processes from syncing.
const DefaultLockTTL = 2 * time.Minute

// Orchestrator runs sync cycles against one provider adapter.
type Orchestrator struct {
	store   store.Store
	queue   queue.Queue
	adapter provider.Adapter
	bus     *bus.Bus
	logger  *log.Logger
	holder  string
	lockTTL time.Duration

	mu    sync.Mutex
	busy  bool
	rerun bool
}

// New creates an orchestrator.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st store.Store, q queue.Queue, adapter provider.Adapter, b *bus.Bus, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:   st,
		queue:   q,
		adapter: adapter,
		bus:     b,
		logger:  logger,
		holder:  uuid.NewString(),
		lockTTL: DefaultLockTTL,
	}
}

// TriggerSync runs a sync cycle, or coalesces into the running one.
// The call is synchronous; callers wanting background behavior run it
// in their own goroutine. Cycle failures are captured into the status
// bus, not returned.
func (o *Orchestrator) TriggerSync(ctx context.Context) {
	o.mu.Lock()
	if o.busy {
		o.rerun = true
		o.mu.Unlock()
		return
	}
	o.busy = true
	o.mu.Unlock()

	for {
		o.runCycle(ctx)

		// Releasing busy and deciding about a re-run happen under the
		// same lock, so a trigger arriving during the decision either
		// sets rerun before it (and the loop continues) or finds busy
		// already cleared and starts its own cycle.
		o.mu.Lock()
		if !o.rerun {
			o.busy = false
			o.mu.Unlock()
			return
		}
		o.rerun = false
		o.mu.Unlock()
	}
}

// RefreshStatus recomputes derived status fields and publishes them.
// Called on cross-consumer signals; it never starts a cycle.
func (o *Orchestrator) RefreshStatus(ctx context.Context) {
	o.publishPending(ctx)
}

// Recover reclaims queue rows left behind by a crash between the
// mark-synced and remove commits. Called once at startup.
func (o *Orchestrator) Recover(ctx context.Context, retention time.Duration) error {
	swept, err := o.queue.SweepSynced(ctx, retention)
	if err != nil {
		return fmt.Errorf("failed to sweep synced queue items: %w", err)
	}
	if swept > 0 {
		o.logger.Printf("reclaimed %d synced-but-unpruned queue items", swept)
	}
	o.publishPending(ctx)
	return nil
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	acquired, err := o.acquireLock(ctx)
	if err != nil {
		o.fail(ctx, "lock", err)
		return
	}
	if !acquired {
		o.logger.Printf("sync cycle skipped: another process holds the sync lock")
		return
	}
	defer o.releaseLock(ctx)

	o.bus.Notify(bus.Patch{SyncState: bus.StatePtr(bus.StateSyncing)})

	// Remote changes come down before local ones go up, so an upload
	// never clobbers a newer remote version unseen.
	result, err := o.adapter.DownloadChanges(ctx)
	if err != nil {
		o.fail(ctx, "download", err)
		return
	}

	items, err := o.queue.ListPending(ctx)
	if err != nil {
		o.fail(ctx, "queue", err)
		return
	}

	uploaded := 0
	for _, item := range items {
		if _, err := o.adapter.UploadPendingChange(ctx, item); err != nil {
			o.logger.Printf("WARNING: upload halted at item %d after %d uploads: %v", item.ID, uploaded, err)
			o.fail(ctx, "upload", err)
			return
		}
		if err := o.queue.MarkSynced(ctx, item.ID); err != nil {
			o.fail(ctx, "queue", err)
			return
		}
		if err := o.queue.Remove(ctx, item.ID); err != nil {
			o.fail(ctx, "queue", err)
			return
		}
		uploaded++
	}

	pending, err := o.queue.CountPending(ctx)
	if err != nil {
		o.fail(ctx, "queue", err)
		return
	}

	o.bus.Notify(bus.Patch{
		Online:    bus.BoolPtr(true),
		SyncState: bus.StatePtr(bus.StateSynced),
		Message:   bus.StringPtr(""),
		Pending:   bus.IntPtr(pending),
	})
	o.logger.Printf("sync cycle complete: downloaded=%d merged=%d uploaded=%d pending=%d",
		result.Downloaded, result.Merged, uploaded, pending)
}

// fail maps an adapter failure onto the externally visible state and
// publishes it. The cycle never returns errors to its trigger.
func (o *Orchestrator) fail(ctx context.Context, stage string, err error) {
	patch := bus.Patch{Message: bus.StringPtr(err.Error())}
	switch {
	case errors.Is(err, provider.ErrOffline):
		patch.SyncState = bus.StatePtr(bus.StateOffline)
		patch.Online = bus.BoolPtr(false)
	case errors.Is(err, provider.ErrAuthRequired), errors.Is(err, provider.ErrNotAuthenticated):
		patch.SyncState = bus.StatePtr(bus.StateAuthRequired)
		patch.Authenticated = bus.BoolPtr(false)
	case errors.Is(err, provider.ErrProviderDisabled):
		patch.SyncState = bus.StatePtr(bus.StateDisabled)
	default:
		patch.SyncState = bus.StatePtr(bus.StateError)
	}

	if pending, cerr := o.queue.CountPending(ctx); cerr == nil {
		patch.Pending = bus.IntPtr(pending)
	}

	o.logger.Printf("WARNING: sync %s failed: %v", stage, err)
	o.bus.Notify(patch)
}

func (o *Orchestrator) publishPending(ctx context.Context) {
	pending, err := o.queue.CountPending(ctx)
	if err != nil {
		o.logger.Printf("WARNING: failed to count pending writes: %v", err)
		return
	}
	o.bus.Notify(bus.Patch{Pending: bus.IntPtr(pending)})
}

// acquireLock takes the persisted sync lock through the store's atomic
// lease operation. A lease held by another live process blocks the
// cycle; an expired lease is taken over.
func (o *Orchestrator) acquireLock(ctx context.Context) (bool, error) {
	return o.store.AcquireLease(ctx, lockKey, o.holder, o.lockTTL)
}

func (o *Orchestrator) releaseLock(ctx context.Context) {
	if err := o.store.ReleaseLease(ctx, lockKey, o.holder); err != nil {
		o.logger.Printf("WARNING: failed to release sync lock: %v", err)
	}
}

// Package store provides the transactional local persistence layer.
//
// The store is a keyed, durable, transaction-scoped record container
// local to one device. Records live in named partitions whose set is
// fixed when the store is opened; partitions are created idempotently
// if absent. Every operation runs inside a single all-or-nothing
// transaction: a failed call leaves state untouched.
//
// The primary implementation is embedded SQLite with WAL mode. When
// the SQLite engine is unavailable the store degrades to an in-memory
// implementation with identical read/write semantics but no durability
// across restarts; callers must consult Durable() rather than assume
// durability.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/satchel-sync/satchel/internal/record"
)

// Common errors returned by store operations.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // key absent from the partition
//	}
var (
	// ErrNotFound is returned when a key is absent from a partition.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownPartition is returned when an operation names a
	// partition that was not declared at open time.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// Store is the transactional local persistence contract.
//
// Reads return independent copies; mutating a returned record has no
// effect on stored state. Failures are never swallowed: every mutating
// operation surfaces its error to the caller.
type Store interface {
	// Put inserts or overwrites a record in its partition and returns
	// the record as committed. Callers keeping caches must update them
	// only from the returned value, never in anticipation of success.
	Put(ctx context.Context, rec *record.Record) (*record.Record, error)

	// Get retrieves one record by partition and key.
	// Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, partition, key string) (*record.Record, error)

	// GetAll retrieves every record in a partition, ordered by key.
	GetAll(ctx context.Context, partition string) ([]*record.Record, error)

	// Delete removes a record by key. Deleting an absent key is a
	// no-op (idempotent).
	Delete(ctx context.Context, partition, key string) error

	// PutSetting overwrites a singleton configuration entry wholesale.
	PutSetting(ctx context.Context, s *record.Setting) error

	// GetSetting retrieves a setting by key.
	// Returns ErrNotFound if absent.
	GetSetting(ctx context.Context, key string) (*record.Setting, error)

	// DeleteSetting removes a setting. Idempotent.
	DeleteSetting(ctx context.Context, key string) error

	// AcquireLease atomically claims the named lease for holder until
	// now+ttl. The claim succeeds when the lease is free, expired, or
	// already held by the same holder (which extends it). The check and
	// the write are one commit, so two holders can never both succeed.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease frees the lease if holder still owns it. Releasing
	// a lease held by someone else, or no lease at all, is a no-op.
	ReleaseLease(ctx context.Context, name, holder string) error

	// Durable reports whether writes survive a restart. False for the
	// in-memory fallback.
	Durable() bool

	// Close releases the underlying engine.
	Close() error
}

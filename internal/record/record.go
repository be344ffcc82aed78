// Package record defines the data model shared by the local store, the
// pending-write queue and the sync providers: records, user settings,
// the provider-side sync manifest, and last-write-wins conflict
// resolution between two versions of the same logical record.
package record

import (
	"encoding/json"
	"fmt"
)

// Record is one keyed entry in a named partition of the local store.
// The value is an opaque serializable payload; the timestamp is set by
// the writer at mutation time and is the sole input to conflict
// resolution.
type Record struct {
	// Store is the named partition the record belongs to.
	Store string `json:"store"`

	// Key is unique within the partition.
	Key string `json:"key"`

	// Value is the opaque payload, kept as raw JSON so the core never
	// depends on its shape.
	Value json.RawMessage `json:"value"`

	// Timestamp is the writer-assigned mutation time in Unix
	// milliseconds. Larger timestamps win conflicts.
	Timestamp int64 `json:"timestamp"`
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if r.Store == "" {
		return fmt.Errorf("store is required")
	}
	if r.Key == "" {
		return fmt.Errorf("key is required")
	}
	if len(r.Value) == 0 {
		return fmt.Errorf("value is required")
	}
	return nil
}

// Clone returns a deep copy so callers can hand out snapshots without
// sharing the underlying value buffer.
func (r *Record) Clone() *Record {
	out := *r
	out.Value = append(json.RawMessage(nil), r.Value...)
	return &out
}

// Setting is a small singleton configuration entry (active provider,
// feature toggles). It is overwritten wholesale on each update; there
// are no merge semantics.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt string          `json:"updated_at"` // RFC 3339
}

// Resolve picks the winner between two versions of the same logical
// record using last-write-wins: the strictly greater timestamp wins,
// and ties keep local. Ties keeping local is arbitrary but is part of
// the contract, since it is the one place data loss happens silently.
//
// A missing or negative timestamp is treated as 0, so a version
// without a timestamp always loses to one that has any.
func Resolve(local, remote *Record) *Record {
	lt := normalizeTimestamp(local)
	rt := normalizeTimestamp(remote)
	if rt > lt {
		return remote
	}
	return local
}

func normalizeTimestamp(r *Record) int64 {
	if r == nil || r.Timestamp < 0 {
		return 0
	}
	return r.Timestamp
}

// Package bus carries sync status to in-process listeners and signals
// other same-machine consumers that their caches are stale.
//
// The status snapshot is the only read model the rest of the system
// exposes: counts and enums, never queue contents.
package bus

import (
	"log"
	"os"
	"sync"
)

// SyncState is the orchestrator's externally visible state.
type SyncState string

const (
	StateInit         SyncState = "init"
	StateOffline      SyncState = "offline"
	StateAuthRequired SyncState = "auth-required"
	StateDisabled     SyncState = "disabled"
	StateSyncing      SyncState = "syncing"
	StateSynced       SyncState = "synced"
	StateError        SyncState = "error"
)

// Status is the merged sync status snapshot. Held in memory only.
type Status struct {
	Online         bool      `json:"online"`
	SyncState      SyncState `json:"syncState"`
	Message        string    `json:"message,omitempty"`
	Authenticated  bool      `json:"authenticated"`
	UserID         *string   `json:"userId,omitempty"`
	ActiveProvider *string   `json:"activeProvider,omitempty"`
	Pending        int       `json:"pending"`
}

// Patch is a partial status update. Nil fields leave the current value
// untouched; ClearUser and ClearProvider reset their pointers.
type Patch struct {
	Online         *bool
	SyncState      *SyncState
	Message        *string
	Authenticated  *bool
	UserID         *string
	ClearUser      bool
	ActiveProvider *string
	ClearProvider  bool
	Pending        *int
}

// Listener receives status snapshots.
type Listener func(Status)

// Bus merges patches into the current status and fans snapshots out to
// subscribed listeners.
type Bus struct {
	mu        sync.Mutex
	status    Status
	listeners map[int]Listener
	nextID    int
	logger    *log.Logger
}

// New creates a bus. If logger is nil, a default logger writing to
// stderr is used.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}
	return &Bus{
		status:    Status{SyncState: StateInit},
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Status returns the current snapshot.
func (b *Bus) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Subscribe registers a listener and returns its unsubscribe function.
// The listener immediately receives the current snapshot.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	current := b.status
	b.mu.Unlock()

	b.deliver(fn, current)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Notify merges the patch into the current status and fans the new
// snapshot out. A panicking listener is recovered and logged; the
// remaining listeners still run.
func (b *Bus) Notify(p Patch) {
	b.mu.Lock()
	if p.Online != nil {
		b.status.Online = *p.Online
	}
	if p.SyncState != nil {
		b.status.SyncState = *p.SyncState
	}
	if p.Message != nil {
		b.status.Message = *p.Message
	}
	if p.Authenticated != nil {
		b.status.Authenticated = *p.Authenticated
	}
	if p.ClearUser {
		b.status.UserID = nil
	} else if p.UserID != nil {
		b.status.UserID = p.UserID
	}
	if p.ClearProvider {
		b.status.ActiveProvider = nil
	} else if p.ActiveProvider != nil {
		b.status.ActiveProvider = p.ActiveProvider
	}
	if p.Pending != nil {
		b.status.Pending = *p.Pending
	}

	snapshot := b.status
	fns := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(fn, snapshot)
	}
}

func (b *Bus) deliver(fn Listener, s Status) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("WARNING: status listener panicked: %v", r)
		}
	}()
	fn(s)
}

// Helpers for building patches inline.

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// StatePtr returns a pointer to s.
func StatePtr(s SyncState) *SyncState { return &s }

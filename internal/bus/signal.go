package bus

import "context"

// Message is a cross-consumer invalidation signal. It carries no
// payload beyond its type and timestamp: receivers refresh their own
// view from the store, they never trust signal content.
type Message struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"` // Unix milliseconds
}

// Signal message types.
const (
	// SignalRecordsChanged means local records changed and read caches
	// are stale.
	SignalRecordsChanged = "records-changed"

	// SignalStatusChanged means the sync status snapshot changed.
	SignalStatusChanged = "status-changed"
)

// Signal distributes invalidation messages between same-machine
// consumers (other processes, other windows) that share a data
// directory.
type Signal interface {
	// Publish sends a message to every other consumer.
	Publish(ctx context.Context, msg Message) error

	// Subscribe returns the channel of incoming messages. The channel
	// is closed by Close.
	Subscribe() <-chan Message

	// Close stops delivery and releases resources.
	Close() error
}

package record

import (
	"encoding/json"
	"fmt"
)

// Op names the kind of mutation a Change carries.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Change is the wire form of one outbound mutation. It is the payload
// stored in the pending-write queue and the unit backends exchange.
//
// Origin identifies the device that produced the change so backends
// can skip echoing a device's own writes back to it.
type Change struct {
	Op        Op              `json:"op"`
	Store     string          `json:"store"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// Validate checks the change is well formed.
func (c *Change) Validate() error {
	switch c.Op {
	case OpPut:
		if len(c.Value) == 0 {
			return fmt.Errorf("put change requires a value")
		}
	case OpDelete:
	default:
		return fmt.Errorf("unknown change op: %q", c.Op)
	}
	if c.Store == "" {
		return fmt.Errorf("change store is required")
	}
	if c.Key == "" {
		return fmt.Errorf("change key is required")
	}
	return nil
}

// Record returns the record form of a put change.
func (c *Change) Record() *Record {
	return &Record{
		Store:     c.Store,
		Key:       c.Key,
		Value:     append(json.RawMessage(nil), c.Value...),
		Timestamp: c.Timestamp,
	}
}

// Marshal serializes the change for the queue or the wire.
func (c *Change) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// ParseChange deserializes and validates a change payload.
func ParseChange(data []byte) (*Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse change payload: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/satchel-sync/satchel/internal/record"
)

// Memory is the in-memory fallback store used when the SQLite engine
// is unavailable. Read/write semantics match the SQLite store exactly;
// the only difference is durability, reported through Durable().
type Memory struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*record.Record
	settings   map[string]*record.Setting
	leases     map[string]lease
	closed     bool
}

type lease struct {
	holder  string
	expires time.Time
}

// NewMemory creates an in-memory store with the given fixed partition
// set.
func NewMemory(partitions []string) *Memory {
	m := &Memory{
		partitions: make(map[string]map[string]*record.Record, len(partitions)),
		settings:   make(map[string]*record.Setting),
		leases:     make(map[string]lease),
	}
	for _, p := range partitions {
		m.partitions[p] = make(map[string]*record.Record)
	}
	return m
}

// Durable reports false: nothing survives a restart.
func (m *Memory) Durable() bool {
	return false
}

// Close implements Store.Close.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) partitionLocked(name string) (map[string]*record.Record, error) {
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.partitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, name)
	}
	return p, nil
}

// Put implements Store.Put.
func (m *Memory) Put(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.partitionLocked(rec.Store)
	if err != nil {
		return nil, err
	}

	stored := rec.Clone()
	p[rec.Key] = stored
	return stored.Clone(), nil
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, partition, key string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, err := m.partitionLocked(partition)
	if err != nil {
		return nil, err
	}

	rec, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, partition, key)
	}
	return rec.Clone(), nil
}

// GetAll implements Store.GetAll.
func (m *Memory) GetAll(ctx context.Context, partition string) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, err := m.partitionLocked(partition)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	recs := make([]*record.Record, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, p[k].Clone())
	}
	return recs, nil
}

// Delete implements Store.Delete. Returns nil if the key doesn't exist.
func (m *Memory) Delete(ctx context.Context, partition, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.partitionLocked(partition)
	if err != nil {
		return err
	}

	delete(p, key)
	return nil
}

// PutSetting implements Store.PutSetting.
func (m *Memory) PutSetting(ctx context.Context, s *record.Setting) error {
	if s.Key == "" {
		return fmt.Errorf("setting key is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	stored := *s
	if stored.UpdatedAt == "" {
		stored.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	stored.Value = append([]byte(nil), s.Value...)
	m.settings[s.Key] = &stored
	return nil
}

// GetSetting implements Store.GetSetting.
func (m *Memory) GetSetting(ctx context.Context, key string) (*record.Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	s, ok := m.settings[key]
	if !ok {
		return nil, fmt.Errorf("%w: setting %s", ErrNotFound, key)
	}
	out := *s
	out.Value = append([]byte(nil), s.Value...)
	return &out, nil
}

// DeleteSetting implements Store.DeleteSetting.
func (m *Memory) DeleteSetting(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.settings, key)
	return nil
}

// AcquireLease implements Store.AcquireLease.
func (m *Memory) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	now := time.Now().UTC()
	if l, ok := m.leases[name]; ok && l.holder != holder && now.Before(l.expires) {
		return false, nil
	}
	m.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLease implements Store.ReleaseLease.
func (m *Memory) ReleaseLease(ctx context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if l, ok := m.leases[name]; ok && l.holder == holder {
		delete(m.leases, name)
	}
	return nil
}

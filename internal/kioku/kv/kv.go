// Package kv defines the key/value persistence contract the thread store is
// built on: opaque values under string keys, guarded by per-key versions.
package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict is returned by CompareAndSwap when the stored version does
	// not match the expected one.
	ErrConflict = errors.New("kv: version conflict")
)

// Entry is a value together with its version. Versions start at 1 and grow by
// one on every successful write.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Store is a key/value store with per-key compare-and-swap.
type Store interface {
	// Get returns the current entry for key or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)
	// CompareAndSwap writes value when the stored version equals expected and
	// returns the new version. expected == 0 means "create": the key must not
	// exist yet.
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error)
	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Delete removes key, returning ErrNotFound when it does not exist.
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, expected int64, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[key]
	if !ok && expected != 0 {
		return 0, ErrNotFound
	}
	if cur.Version != expected {
		return 0, ErrConflict
	}
	next := Entry{Key: key, Value: append([]byte(nil), value...), Version: expected + 1}
	m.entries[key] = next
	return next.Version, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) {
			e.Value = append([]byte(nil), e.Value...)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return ErrNotFound
	}
	delete(m.entries, key)
	return nil
}

var _ Store = (*Memory)(nil)

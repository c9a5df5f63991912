package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and the CLI's dry runs.
type Memory struct {
	mu    sync.RWMutex
	metas map[string]Metadata
	data  map[string][]byte
	opens map[string]int
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		metas: make(map[string]Metadata),
		data:  make(map[string][]byte),
		opens: make(map[string]int),
	}
}

var _ Store = (*Memory)(nil)

// Add registers a blob with the given id directly.
func (m *Memory) Add(md Metadata, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if md.Size == 0 {
		md.Size = int64(len(data))
	}
	m.metas[md.ID] = md
	m.data[md.ID] = append([]byte(nil), data...)
}

func (m *Memory) Put(_ context.Context, in PutInput) (Metadata, error) {
	mt, err := NormaliseType(in.MIMEType)
	if err != nil {
		return Metadata{}, err
	}
	data, err := readLimited(in.Body, in.MaxBytes)
	if err != nil {
		return Metadata{}, err
	}
	md := Metadata{
		ID:       contentID(in.OwnerID, data),
		OwnerID:  in.OwnerID,
		Name:     in.Name,
		MIMEType: mt,
		Size:     int64(len(data)),
		Created:  time.Now().UTC(),
	}
	if IsText(mt) {
		md.TokenEstimate = estimateTextTokens(data)
	}
	m.Add(md, data)
	return md, nil
}

func (m *Memory) Stat(_ context.Context, id string) (Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.metas[id]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return md, nil
}

func (m *Memory) Open(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.opens[id]++
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenCount returns how many times id has been opened.
func (m *Memory) OpenCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opens[id]
}

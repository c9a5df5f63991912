// Package threads persists thread documents on top of a kv.Store.
//
// A thread is one JSON document under "thread/<id>"; its kv version is the
// thread version, so every mutation is a single compare-and-swap. A small
// index entry under "user/<uid>/thread/<id>" lets a user's threads be listed
// without scanning every document.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/kv"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

var (
	// ErrThreadNotFound is returned when no thread exists with the given id.
	ErrThreadNotFound = errors.New("threads: thread not found")
	// ErrVersionConflict is returned when the stored version (or summary
	// high-water mark) differs from the caller's expectation.
	ErrVersionConflict = errors.New("threads: version conflict")
	// ErrThreadExists is returned by Create for a duplicate id.
	ErrThreadExists = errors.New("threads: thread already exists")
	// ErrSequenceGap is returned when an appended turn does not continue the
	// thread's sequence.
	ErrSequenceGap = errors.New("threads: turn sequence gap")
	// ErrInvalidSummary is returned when a summary's high-water mark would
	// move backwards or past the newest turn.
	ErrInvalidSummary = errors.New("threads: invalid summary high-water mark")
)

// Store is the thread persistence adapter.
type Store struct {
	kv     kv.Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Store over the given key/value backend.
func New(backend kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: backend, now: time.Now, logger: logger}
}

func threadKey(id string) string        { return "thread/" + id }
func userPrefix(userID string) string   { return "user/" + userID + "/thread/" }
func indexKey(userID, id string) string { return userPrefix(userID) + id }

// Create stores a new thread. The thread must have no turns yet.
func (s *Store) Create(ctx context.Context, t *thread.Thread) (*thread.Thread, error) {
	if t.ID == "" || t.UserID == "" {
		return nil, fmt.Errorf("threads: create: id and user id are required")
	}
	doc := t.Clone()
	now := s.now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Status == "" {
		doc.Status = thread.StatusActive
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("threads: encode %s: %w", doc.ID, err)
	}
	v, err := s.kv.CompareAndSwap(ctx, threadKey(doc.ID), 0, data)
	if errors.Is(err, kv.ErrConflict) {
		return nil, ErrThreadExists
	}
	if err != nil {
		return nil, fmt.Errorf("threads: create %s: %w", doc.ID, err)
	}
	doc.Version = v

	// The index is advisory: a missing entry only hides the thread from List.
	if _, err := s.kv.CompareAndSwap(ctx, indexKey(doc.UserID, doc.ID), 0, []byte(doc.ID)); err != nil && !errors.Is(err, kv.ErrConflict) {
		s.logger.Warn("threads: failed to write user index", "thread_id", doc.ID, "user_id", doc.UserID, "err", err)
	}
	return doc, nil
}

// Get loads a thread by id.
func (s *Store) Get(ctx context.Context, id string) (*thread.Thread, error) {
	e, err := s.kv.Get(ctx, threadKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threads: get %s: %w", id, err)
	}
	return decode(e)
}

// List returns the user's threads, most recently updated first.
func (s *Store) List(ctx context.Context, userID string) ([]*thread.Thread, error) {
	idx, err := s.kv.List(ctx, userPrefix(userID))
	if err != nil {
		return nil, fmt.Errorf("threads: list %s: %w", userID, err)
	}
	out := make([]*thread.Thread, 0, len(idx))
	for _, e := range idx {
		t, err := s.Get(ctx, string(e.Value))
		if errors.Is(err, ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// AppendTurn appends turn to the thread if its version still equals
// expectedVersion. The turn's Seq must be exactly one past the last turn.
func (s *Store) AppendTurn(ctx context.Context, id string, expectedVersion int64, turn thread.Turn) (int64, error) {
	return s.mutate(ctx, id, expectedVersion, func(t *thread.Thread) error {
		if want := t.LastSeq() + 1; turn.Seq != want {
			return fmt.Errorf("%w: got seq %d, want %d", ErrSequenceGap, turn.Seq, want)
		}
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = s.now().UTC()
		}
		t.Turns = append(t.Turns, turn)
		return nil
	})
}

// ReplaceSummary swaps in a new summary if the stored high-water mark equals
// expectedMark. The new mark may not be lower than the old one nor point past
// the newest turn.
func (s *Store) ReplaceSummary(ctx context.Context, id string, expectedMark int64, summary thread.Summary) (int64, error) {
	return s.mutate(ctx, id, -1, func(t *thread.Thread) error {
		if t.Summary.HighWaterMark != expectedMark {
			return fmt.Errorf("%w: high-water mark is %d, expected %d", ErrVersionConflict, t.Summary.HighWaterMark, expectedMark)
		}
		if summary.HighWaterMark < t.Summary.HighWaterMark || summary.HighWaterMark > t.LastSeq() {
			return fmt.Errorf("%w: %d (current %d, last seq %d)", ErrInvalidSummary, summary.HighWaterMark, t.Summary.HighWaterMark, t.LastSeq())
		}
		if summary.UpdatedAt.IsZero() {
			summary.UpdatedAt = s.now().UTC()
		}
		t.Summary = summary
		return nil
	})
}

// Metadata holds the user-editable thread fields. Nil fields are unchanged.
type Metadata struct {
	Title       *string
	Description *string
	Model       *string
}

// UpdateMetadata changes title, description or model.
func (s *Store) UpdateMetadata(ctx context.Context, id string, expectedVersion int64, md Metadata) (int64, error) {
	return s.mutate(ctx, id, expectedVersion, func(t *thread.Thread) error {
		if md.Title != nil {
			t.Title = *md.Title
		}
		if md.Description != nil {
			t.Description = *md.Description
		}
		if md.Model != nil {
			t.Model = *md.Model
		}
		return nil
	})
}

// SetStatus archives or reactivates a thread.
func (s *Store) SetStatus(ctx context.Context, id string, status thread.Status) (int64, error) {
	return s.mutate(ctx, id, -1, func(t *thread.Thread) error {
		t.Status = status
		return nil
	})
}

// mutate loads the thread, applies fn and writes it back with one CAS.
// expectedVersion < 0 means "whatever is current"; the CAS still protects
// against a concurrent writer between the read and the write.
func (s *Store) mutate(ctx context.Context, id string, expectedVersion int64, fn func(*thread.Thread) error) (int64, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if expectedVersion >= 0 && t.Version != expectedVersion {
		return 0, fmt.Errorf("%w: thread %s is at version %d, expected %d", ErrVersionConflict, id, t.Version, expectedVersion)
	}
	if err := fn(t); err != nil {
		return 0, err
	}
	t.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("threads: encode %s: %w", id, err)
	}
	v, err := s.kv.CompareAndSwap(ctx, threadKey(id), t.Version, data)
	switch {
	case errors.Is(err, kv.ErrConflict):
		return 0, fmt.Errorf("%w: thread %s changed concurrently", ErrVersionConflict, id)
	case errors.Is(err, kv.ErrNotFound):
		return 0, ErrThreadNotFound
	case err != nil:
		return 0, fmt.Errorf("threads: write %s: %w", id, err)
	}
	return v, nil
}

func decode(e kv.Entry) (*thread.Thread, error) {
	var t thread.Thread
	if err := json.Unmarshal(e.Value, &t); err != nil {
		return nil, fmt.Errorf("threads: decode %s: %w", e.Key, err)
	}
	t.Version = e.Version
	return &t, nil
}

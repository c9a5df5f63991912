// Package memories keeps free-form notes a user asks the engine to remember
// outside any thread: short tagged entries with string metadata.
//
// Each entry is one JSON document under "memory/<uid>/<id>". Ids are ULIDs,
// so key order under a user's prefix is creation order.
package memories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/Kioku/internal/kioku/kv"
)

const (
	// DefaultListLimit is the page size when List is called with limit 0.
	DefaultListLimit = 50
	// DefaultQueryLimit is the result cap when Query.Limit is 0.
	DefaultQueryLimit = 10
	// MaxLimit bounds both page sizes and query results.
	MaxLimit = 100
)

var (
	// ErrNotFound is returned for unknown ids and for entries owned by
	// another user.
	ErrNotFound = errors.New("memories: entry not found")
	// ErrEmptyContent is returned by Create when the content is blank.
	ErrEmptyContent = errors.New("memories: content is required")
	// ErrEmptyQuery is returned by Query when the search text is blank.
	ErrEmptyQuery = errors.New("memories: query text is required")
	// ErrInvalidLimit is returned for negative offsets and limits outside
	// 0..MaxLimit.
	ErrInvalidLimit = errors.New("memories: invalid limit or offset")
)

// Entry is one remembered note.
type Entry struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Content   string            `json:"content"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(e.Tags, t) {
			return true
		}
	}
	return false
}

// CreateInput describes a new entry.
type CreateInput struct {
	Content  string
	Tags     []string
	Metadata map[string]string
}

// Page is one slice of a user's entries, newest first.
type Page struct {
	Entries []*Entry `json:"entries"`
	// Total counts all of the user's entries, not just this page.
	Total int `json:"total"`
}

// Query selects entries whose content contains Text, ignoring case. When
// Tags is non-empty an entry must also carry at least one of them.
type Query struct {
	Text  string
	Tags  []string
	Limit int
}

// Store persists entries on a kv.Store.
type Store struct {
	kv     kv.Store
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates a Store over the given key/value backend.
func New(backend kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     backend,
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
		logger: logger,
	}
}

func userPrefix(userID string) string { return "memory/" + userID + "/" }
func entryKey(userID, id string) string { return userPrefix(userID) + id }

// Create stores a new entry for userID.
func (s *Store) Create(ctx context.Context, userID string, in CreateInput) (*Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("memories: create: user id is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, ErrEmptyContent
	}
	now := s.now().UTC()
	e := &Entry{
		ID:        s.newID(),
		UserID:    userID,
		Content:   in.Content,
		Tags:      normaliseTags(in.Tags),
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range in.Metadata {
		e.Metadata[k] = v
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("memories: encode %s: %w", e.ID, err)
	}
	if _, err := s.kv.CompareAndSwap(ctx, entryKey(userID, e.ID), 0, data); err != nil {
		return nil, fmt.Errorf("memories: create %s: %w", e.ID, err)
	}
	s.logger.Debug("memories: entry created", "user_id", userID, "memory_id", e.ID, "tags", len(e.Tags))
	return e, nil
}

// Get loads one of userID's entries.
func (s *Store) Get(ctx context.Context, userID, id string) (*Entry, error) {
	if id == "" || strings.Contains(id, "/") {
		return nil, ErrNotFound
	}
	kvEntry, err := s.kv.Get(ctx, entryKey(userID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memories: get %s: %w", id, err)
	}
	return decode(kvEntry)
}

// List returns a page of userID's entries, newest first. A zero limit means
// DefaultListLimit.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) (Page, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 0 || limit > MaxLimit || offset < 0 {
		return Page{}, ErrInvalidLimit
	}
	all, err := s.all(ctx, userID)
	if err != nil {
		return Page{}, err
	}
	p := Page{Entries: []*Entry{}, Total: len(all)}
	if offset < len(all) {
		p.Entries = all[offset:min(offset+limit, len(all))]
	}
	return p, nil
}

// Query returns matching entries, newest first, up to q.Limit.
func (s *Store) Query(ctx context.Context, userID string, q Query) ([]*Entry, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, ErrEmptyQuery
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit < 0 || limit > MaxLimit {
		return nil, ErrInvalidLimit
	}
	tags := normaliseTags(q.Tags)

	all, err := s.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := []*Entry{}
	for _, e := range all {
		if !strings.Contains(strings.ToLower(e.Content), text) {
			continue
		}
		if len(tags) > 0 && !e.HasAnyTag(tags) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Delete removes one of userID's entries.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if id == "" || strings.Contains(id, "/") {
		return ErrNotFound
	}
	err := s.kv.Delete(ctx, entryKey(userID, id))
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("memories: delete %s: %w", id, err)
	}
	return nil
}

// all loads every entry of userID, newest first.
func (s *Store) all(ctx context.Context, userID string) ([]*Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("memories: user id is required")
	}
	kvEntries, err := s.kv.List(ctx, userPrefix(userID))
	if err != nil {
		return nil, fmt.Errorf("memories: list %s: %w", userID, err)
	}
	out := make([]*Entry, 0, len(kvEntries))
	for i := len(kvEntries) - 1; i >= 0; i-- {
		e, err := decode(kvEntries[i])
		if err != nil {
			s.logger.Warn("memories: skipping unreadable entry", "key", kvEntries[i].Key, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func decode(e kv.Entry) (*Entry, error) {
	var m Entry
	if err := json.Unmarshal(e.Value, &m); err != nil {
		return nil, fmt.Errorf("memories: decode %s: %w", e.Key, err)
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	return &m, nil
}

// normaliseTags trims tags, drops blanks and removes duplicates, keeping the
// first occurrence order.
func normaliseTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

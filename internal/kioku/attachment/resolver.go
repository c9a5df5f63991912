// Package attachment validates client-supplied attachment ids against the
// blob store and hands back references that turns can carry.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kioku/internal/kioku/blob"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

var (
	// ErrNotFound is returned for ids that do not exist or that belong to
	// another user. The two cases are indistinguishable to the caller.
	ErrNotFound = errors.New("attachment: not found")
	// ErrTooLarge is returned when an attachment exceeds the size ceiling.
	ErrTooLarge = errors.New("attachment: too large")
)

// maxParallelLookups bounds concurrent metadata lookups per request.
const maxParallelLookups = 8

// Resolver creates request-scoped sessions over a blob store.
type Resolver struct {
	blobs    blob.Store
	maxBytes int64
	logger   *slog.Logger
}

// NewResolver returns a Resolver. maxBytes <= 0 disables the size ceiling.
func NewResolver(blobs blob.Store, maxBytes int64, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{blobs: blobs, maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the configured ceiling.
func (r *Resolver) MaxBytes() int64 { return r.maxBytes }

// Session is one request's view of the blob store. Metadata looked up during
// Resolve is cached for the session's lifetime only.
type Session struct {
	r       *Resolver
	ownerID string

	mu    sync.Mutex
	metas map[string]blob.Metadata
}

// Session starts a request scoped to ownerID.
func (r *Resolver) Session(ownerID string) *Session {
	return &Session{r: r, ownerID: ownerID, metas: make(map[string]blob.Metadata)}
}

// Resolve looks up every id and returns its reference. It fails on the first
// unknown, foreign or oversize attachment; no bytes are read.
func (s *Session) Resolve(ctx context.Context, ids []string) (map[string]thread.AttachmentRef, error) {
	out := make(map[string]thread.AttachmentRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLookups)
	for _, id := range dedupe(ids) {
		g.Go(func() error {
			md, err := s.stat(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = thread.AttachmentRef{ID: md.ID, MIMEType: md.MIMEType, Size: md.Size, Name: md.Name}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) stat(ctx context.Context, id string) (blob.Metadata, error) {
	s.mu.Lock()
	md, ok := s.metas[id]
	s.mu.Unlock()
	if ok {
		return md, nil
	}

	md, err := s.r.blobs.Stat(ctx, id)
	if errors.Is(err, blob.ErrNotFound) {
		return blob.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return blob.Metadata{}, fmt.Errorf("attachment: stat %s: %w", id, err)
	}
	if md.OwnerID != s.ownerID {
		s.r.logger.Warn("attachment: owner mismatch", "attachment_id", id, "user_id", s.ownerID)
		return blob.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.r.maxBytes > 0 && md.Size > s.r.maxBytes {
		return blob.Metadata{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, id, md.Size, s.r.maxBytes)
	}

	s.mu.Lock()
	s.metas[id] = md
	s.mu.Unlock()
	return md, nil
}

// Fetch reads an attachment's bytes. It is only valid for ids that passed
// Resolve in this session.
func (s *Session) Fetch(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	md, ok := s.metas[id]
	s.mu.Unlock()
	if !ok {
		var err error
		if md, err = s.stat(ctx, id); err != nil {
			return nil, err
		}
	}

	rc, err := s.r.blobs.Open(ctx, id)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("attachment: open %s: %w", id, err)
	}
	defer rc.Close()

	limit := md.Size
	if s.r.maxBytes > 0 && (limit <= 0 || limit > s.r.maxBytes) {
		limit = s.r.maxBytes
	}
	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("attachment: read %s: %w", id, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s grew past %d bytes", ErrTooLarge, id, limit)
	}
	return data, nil
}

// IDs collects the attachment ids referenced by parts, in order.
func IDs(parts []thread.Part) []string {
	var ids []string
	for _, p := range parts {
		if p.Kind == thread.PartAttachment && p.Attachment != nil {
			ids = append(ids, p.Attachment.ID)
		}
	}
	return ids
}

// Bind replaces the client-supplied attachment parts with resolved references.
func Bind(parts []thread.Part, refs map[string]thread.AttachmentRef) []thread.Part {
	out := make([]thread.Part, len(parts))
	for i, p := range parts {
		if p.Kind == thread.PartAttachment && p.Attachment != nil {
			if ref, ok := refs[p.Attachment.ID]; ok {
				p = thread.AttachmentPart(ref)
			}
		}
		out[i] = p
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

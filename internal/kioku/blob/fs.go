package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bdobrica/Kioku/common/crypto"
)

// FS stores blobs under a root directory, addressed by a BLAKE3 hash of owner
// and content. Each blob is two files: <id>.bin (optionally sealed) and
// <id>.json (metadata).
type FS struct {
	root   string
	sealer *crypto.Sealer
	logger *slog.Logger
	now    func() time.Time
}

// NewFS creates the root directory if needed. A nil sealer stores bytes in the
// clear.
func NewFS(root string, sealer *crypto.Sealer, logger *slog.Logger) (*FS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", root, err)
	}
	return &FS{root: root, sealer: sealer, logger: logger, now: time.Now}, nil
}

var _ Store = (*FS)(nil)

// contentID derives the blob id. Identical uploads by one owner share an id;
// the same bytes uploaded by two owners do not.
func contentID(owner string, data []byte) string {
	h := blake3.New()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (s *FS) path(id, ext string) (string, error) {
	if len(id) < 4 || filepath.Base(id) != id {
		return "", ErrNotFound
	}
	return filepath.Join(s.root, id[:2], id+ext), nil
}

func (s *FS) Put(ctx context.Context, in PutInput) (Metadata, error) {
	mt, err := NormaliseType(in.MIMEType)
	if err != nil {
		return Metadata{}, err
	}
	data, err := readLimited(in.Body, in.MaxBytes)
	if err != nil {
		return Metadata{}, err
	}
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	md := Metadata{
		ID:       contentID(in.OwnerID, data),
		OwnerID:  in.OwnerID,
		Name:     filepath.Base(in.Name),
		MIMEType: mt,
		Size:     int64(len(data)),
		Created:  s.now().UTC(),
	}
	if IsText(mt) {
		md.TokenEstimate = estimateTextTokens(data)
	}

	if existing, err := s.Stat(ctx, md.ID); err == nil {
		return existing, nil
	}

	payload := data
	if s.sealer != nil {
		if payload, err = s.sealer.Seal(md.ID, data); err != nil {
			return Metadata{}, fmt.Errorf("blob: seal %s: %w", md.ID, err)
		}
	}

	binPath, _ := s.path(md.ID, ".bin")
	if err := os.MkdirAll(filepath.Dir(binPath), 0o750); err != nil {
		return Metadata{}, fmt.Errorf("blob: mkdir: %w", err)
	}
	if err := writeFileAtomic(binPath, payload); err != nil {
		return Metadata{}, err
	}
	meta, err := json.Marshal(md)
	if err != nil {
		return Metadata{}, fmt.Errorf("blob: encode metadata: %w", err)
	}
	metaPath, _ := s.path(md.ID, ".json")
	if err := writeFileAtomic(metaPath, meta); err != nil {
		return Metadata{}, err
	}

	s.logger.Debug("blob stored", "blob_id", md.ID, "owner_id", md.OwnerID, "size", md.Size, "mime_type", md.MIMEType)
	return md, nil
}

func (s *FS) Stat(_ context.Context, id string) (Metadata, error) {
	p, err := s.path(id, ".json")
	if err != nil {
		return Metadata{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("blob: read metadata %s: %w", id, err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("blob: decode metadata %s: %w", id, err)
	}
	return md, nil
}

func (s *FS) Open(_ context.Context, id string) (io.ReadCloser, error) {
	p, err := s.path(id, ".bin")
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		f, err := os.Open(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("blob: open %s: %w", id, err)
		}
		return f, nil
	}

	// Sealed payloads must be authenticated whole before any byte is released.
	ct, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", id, err)
	}
	pt, err := s.sealer.Open(id, ct)
	if err != nil {
		return nil, fmt.Errorf("blob: open sealed %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(pt)), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("blob: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("blob: rename: %w", err)
	}
	return nil
}

// Package blob stores user-supplied attachment bytes and their metadata.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no blob exists with the given id.
	ErrNotFound = errors.New("blob: not found")
	// ErrUnsupportedType is returned by Put for MIME types the gateway cannot
	// hand to a model.
	ErrUnsupportedType = errors.New("blob: unsupported content type")
	// ErrTooLarge is returned by Put when the payload exceeds the limit.
	ErrTooLarge = errors.New("blob: payload too large")
)

// Metadata describes a stored blob.
type Metadata struct {
	ID       string    `json:"id"`
	OwnerID  string    `json:"owner_id"`
	Name     string    `json:"name"`
	MIMEType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created_at"`
	// TokenEstimate is set for text blobs so context budgets can account for
	// inlined content without reading it.
	TokenEstimate int `json:"token_estimate,omitempty"`
}

// Store is the blob storage contract consumed by the attachment resolver.
type Store interface {
	// Stat returns the metadata for id or ErrNotFound.
	Stat(ctx context.Context, id string) (Metadata, error)
	// Open returns the blob's bytes. The caller closes the reader.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Put stores r for owner and returns the new metadata.
	Put(ctx context.Context, in PutInput) (Metadata, error)
}

// PutInput describes an upload.
type PutInput struct {
	OwnerID  string
	Name     string
	MIMEType string
	Body     io.Reader
	// MaxBytes bounds the upload; zero means unlimited.
	MaxBytes int64
}

var supportedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"audio/wav":       true,
	"audio/mp3":       true,
	"audio/mpeg":      true,
	"video/mp4":       true,
	"video/mov":       true,
	"video/mpeg":      true,
	"video/webm":      true,
}

// NormaliseType strips parameters from a MIME type and checks it is one the
// gateway accepts. Every text/* type is accepted.
func NormaliseType(contentType string) (string, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	if strings.HasPrefix(mt, "text/") || supportedTypes[mt] {
		return mt, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mt)
}

// IsText reports whether a MIME type is textual.
func IsText(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/")
}

// readLimited reads all of r, failing with ErrTooLarge beyond max bytes.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return data, nil
}

// estimateTextTokens uses the same 4-characters-per-token heuristic as the
// context assembler.
func estimateTextTokens(data []byte) int {
	return len(data) / 4
}

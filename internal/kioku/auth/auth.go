// Package auth maps client API keys to the user they act for.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bdobrica/Kioku/common/redact"
)

// ErrUnauthorized is returned for unknown, malformed or revoked keys.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrKeyNotFound is returned by Revoke for an unknown key prefix.
var ErrKeyNotFound = errors.New("auth: key not found")

// KeyPrefix marks every issued key.
const KeyPrefix = "kk_"

// prefixLen is how much of a key is stored in clear to identify it.
const prefixLen = len(KeyPrefix) + 8

// Principal is the identity a token resolves to.
type Principal struct {
	UserID string
	// KeyID is the clear prefix of the key, safe to log.
	KeyID string
}

// Authorizer resolves tokens.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (Principal, error)
}

// Key describes an issued key. The secret itself is never stored.
type Key struct {
	Prefix    string     `json:"prefix"`
	UserID    string     `json:"user_id"`
	Label     string     `json:"label,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Keys manages api_keys rows in SQLite. Keys are stored as keyed BLAKE3
// hashes; pepper is the 32-byte hashing key.
type Keys struct {
	db     *sql.DB
	pepper []byte
	logger *slog.Logger
}

// NewKeys creates a key store. pepper must be 32 bytes or empty; empty uses
// unkeyed BLAKE3.
func NewKeys(db *sql.DB, pepper []byte, logger *slog.Logger) (*Keys, error) {
	if len(pepper) != 0 && len(pepper) != 32 {
		return nil, fmt.Errorf("auth: pepper must be 32 bytes, got %d", len(pepper))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keys{db: db, pepper: pepper, logger: logger}, nil
}

func (k *Keys) hash(token string) string {
	if len(k.pepper) == 0 {
		sum := blake3.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	h, err := blake3.NewKeyed(k.pepper)
	if err != nil {
		// Length is checked in NewKeys.
		panic(err)
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// Issue creates a key for userID and returns the raw key. It is shown once.
func (k *Keys) Issue(ctx context.Context, userID, label string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate key entropy: %w", err)
	}
	token := KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	_, err := k.db.ExecContext(ctx, `
INSERT INTO api_keys (hash, prefix, user_id, label, created_at)
VALUES (?, ?, ?, ?, ?)
`, k.hash(token), token[:prefixLen], userID, label, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("auth: insert key: %w", err)
	}

	k.logger.Info("api key issued", "user_id", userID, "key", redact.Token(token))
	return token, nil
}

// Authorize resolves token to its user.
func (k *Keys) Authorize(ctx context.Context, token string) (Principal, error) {
	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= prefixLen {
		return Principal{}, ErrUnauthorized
	}

	var userID, prefix string
	var revoked sql.NullString
	err := k.db.QueryRowContext(ctx, `
SELECT user_id, prefix, revoked_at FROM api_keys WHERE hash = ?
`, k.hash(token)).Scan(&userID, &prefix, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		k.logger.Debug("auth: unknown key", "key", redact.Token(token))
		return Principal{}, ErrUnauthorized
	}
	if err != nil {
		return Principal{}, fmt.Errorf("auth: query key: %w", err)
	}
	if revoked.Valid {
		k.logger.Debug("auth: revoked key", "key", redact.Token(token))
		return Principal{}, ErrUnauthorized
	}
	return Principal{UserID: userID, KeyID: prefix}, nil
}

// Revoke disables the key identified by its clear prefix.
func (k *Keys) Revoke(ctx context.Context, prefix string) error {
	res, err := k.db.ExecContext(ctx, `
UPDATE api_keys SET revoked_at = ? WHERE prefix = ? AND revoked_at IS NULL
`, time.Now().UTC().Format(time.RFC3339), prefix)
	if err != nil {
		return fmt.Errorf("auth: revoke key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrKeyNotFound
	}
	k.logger.Info("api key revoked", "key", prefix)
	return nil
}

// List returns userID's keys, newest first. An empty userID lists all keys.
func (k *Keys) List(ctx context.Context, userID string) ([]Key, error) {
	q := `SELECT prefix, user_id, label, created_at, revoked_at FROM api_keys`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, prefix`

	rows, err := k.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("auth: list keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var key Key
		var created string
		var revoked sql.NullString
		if err := rows.Scan(&key.Prefix, &key.UserID, &key.Label, &created, &revoked); err != nil {
			return nil, fmt.Errorf("auth: scan key: %w", err)
		}
		key.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if revoked.Valid {
			t, _ := time.Parse(time.RFC3339, revoked.String)
			key.RevokedAt = &t
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// Static authorizes a fixed token-to-user table. Used for tests and the
// local chat command.
type Static map[string]string

// Authorize looks token up in the table.
func (s Static) Authorize(_ context.Context, token string) (Principal, error) {
	for tok, user := range s {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			return Principal{UserID: user, KeyID: redact.Token(tok)}, nil
		}
	}
	return Principal{}, ErrUnauthorized
}

var (
	_ Authorizer = (*Keys)(nil)
	_ Authorizer = Static(nil)
)

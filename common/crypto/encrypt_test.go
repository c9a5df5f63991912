package crypto_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/common/crypto"
)

func makeSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealOpen_Roundtrip(t *testing.T) {
	s := makeSealer(t)
	plaintext := []byte("quarterly-report.pdf contents")

	ct, err := s.Seal("blob-1", plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Fatal("ciphertext should not contain plaintext")
	}
	if len(ct) != len(plaintext)+s.Overhead() {
		t.Errorf("ciphertext length %d, want %d", len(ct), len(plaintext)+s.Overhead())
	}

	got, err := s.Open("blob-1", ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("recovered %q, want %q", got, plaintext)
	}
}

func TestOpen_RejectsOtherID(t *testing.T) {
	s := makeSealer(t)
	ct, err := s.Seal("blob-1", []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Open("blob-2", ct); err == nil {
		t.Fatal("expected Open to fail for a different id")
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	s := makeSealer(t)
	c1, _ := s.Seal("id", []byte("same"))
	c2, _ := s.Seal("id", []byte("same"))
	if bytes.Equal(c1, c2) {
		t.Error("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestOpen_TooShort(t *testing.T) {
	s := makeSealer(t)
	if _, err := s.Open("id", []byte{1, 2, 3}); !errors.Is(err, crypto.ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestNewSealer_InvalidKey(t *testing.T) {
	if _, err := crypto.NewSealer([]byte("short")); !errors.Is(err, crypto.ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestSealerFromHex(t *testing.T) {
	s, err := crypto.SealerFromHex("")
	if err != nil || s != nil {
		t.Fatalf("empty key: got %v, %v; want nil, nil", s, err)
	}

	if _, err := crypto.SealerFromHex("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}

	s, err = crypto.SealerFromHex(strings.Repeat("ab", crypto.KeySize))
	if err != nil || s == nil {
		t.Fatalf("valid key: got %v, %v", s, err)
	}
}

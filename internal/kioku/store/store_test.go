package store_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/bdobrica/Kioku/internal/kioku/kv"
	"github.com/bdobrica/Kioku/internal/kioku/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kioku-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_AppliesMigrations(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("schema version = %d, want 2", v)
	}
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	path := t.TempDir() + "/kioku.db"
	s1, err := store.New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := store.New(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if v, _ := s2.SchemaVersion(); v != 2 {
		t.Errorf("schema version after reopen = %d", v)
	}
}

func TestKV_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	k := newTestStore(t).KV()

	if _, err := k.Get(ctx, "thread/1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	v, err := k.CompareAndSwap(ctx, "thread/1", 0, []byte(`{"a":1}`))
	if err != nil || v != 1 {
		t.Fatalf("create: v=%d err=%v", v, err)
	}
	if _, err := k.CompareAndSwap(ctx, "thread/1", 0, []byte(`{}`)); !errors.Is(err, kv.ErrConflict) {
		t.Fatalf("duplicate create: expected ErrConflict, got %v", err)
	}
	if _, err := k.CompareAndSwap(ctx, "thread/1", 7, []byte(`{}`)); !errors.Is(err, kv.ErrConflict) {
		t.Fatalf("stale update: expected ErrConflict, got %v", err)
	}
	if _, err := k.CompareAndSwap(ctx, "thread/missing", 1, []byte(`{}`)); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("update of missing key: expected ErrNotFound, got %v", err)
	}

	v, err = k.CompareAndSwap(ctx, "thread/1", 1, []byte(`{"a":2}`))
	if err != nil || v != 2 {
		t.Fatalf("update: v=%d err=%v", v, err)
	}
	e, err := k.Get(ctx, "thread/1")
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Value) != `{"a":2}` || e.Version != 2 {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestKV_List(t *testing.T) {
	ctx := context.Background()
	k := newTestStore(t).KV()
	for _, key := range []string{"user/alice/thread/2", "user/alice/thread/1", "user/alicia/thread/9", "user/bob/thread/3"} {
		if _, err := k.CompareAndSwap(ctx, key, 0, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	got, err := k.List(ctx, "user/alice/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Key != "user/alice/thread/1" || got[1].Key != "user/alice/thread/2" {
		t.Fatalf("unexpected list %+v", got)
	}

	all, err := k.List(ctx, "")
	if err != nil || len(all) != 4 {
		t.Fatalf("list all: %d entries, %v", len(all), err)
	}
}

func TestKV_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	k := newTestStore(t).KV()
	k.CompareAndSwap(ctx, "k", 0, []byte("v1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := k.CompareAndSwap(ctx, "k", 1, []byte("v2")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestKV_Delete(t *testing.T) {
	ctx := context.Background()
	k := newTestStore(t).KV()

	if _, err := k.CompareAndSwap(ctx, "memory/alice/1", 0, []byte("x")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := k.Delete(ctx, "memory/alice/1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := k.Get(ctx, "memory/alice/1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get after delete: err = %v", err)
	}
	if err := k.Delete(ctx, "memory/alice/1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("second Delete: err = %v, want kv.ErrNotFound", err)
	}
}

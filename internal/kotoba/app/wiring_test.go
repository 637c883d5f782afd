package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/bdobrica/kotoba/internal/kotoba/cache"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "kotoba.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewMemoryStore_SQLitePersistsAcrossRestarts(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()
	cfg.Memory.Backend = config.MemorySQLite

	first := NewMemoryStore(cfg, st)
	first.Add("@alice:example.org", "Hello", "Hi Alice!")

	second := NewMemoryStore(cfg, st)
	if got := second.Stats()["@alice:example.org"]; got != 1 {
		t.Errorf("reloaded entries = %d, want 1", got)
	}
}

func TestNewMemoryStore_JSONFile(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()
	cfg.Memory.Backend = config.MemoryJSON
	cfg.Memory.File = filepath.Join(t.TempDir(), "memories.json")

	NewMemoryStore(cfg, st).Add("bob", "ping", "pong")
	if got := NewMemoryStore(cfg, st).Stats()["bob"]; got != 1 {
		t.Errorf("reloaded entries = %d, want 1", got)
	}
}

func TestNewMemoryStore_NoneDoesNotPersist(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()
	cfg.Memory.Backend = config.MemoryNone

	NewMemoryStore(cfg, st).Add("carol", "hi", "hello")
	if got := NewMemoryStore(cfg, st).Stats()["carol"]; got != 0 {
		t.Errorf("entries = %d, want 0", got)
	}
}

func TestNewCache_Backends(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	c, closeFn, err := newCache(ctx, cfg)
	if err != nil {
		t.Fatalf("memory cache: %v", err)
	}
	if _, ok := c.(*cache.Memory); !ok {
		t.Errorf("expected *cache.Memory, got %T", c)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close memory cache: %v", err)
	}

	mr := miniredis.RunT(t)
	cfg.Cache.Backend = config.CacheRedis
	cfg.Cache.RedisURL = "redis://" + mr.Addr() + "/0"
	c, closeFn, err = newCache(ctx, cfg)
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	defer closeFn()
	if _, ok := c.(*cache.Redis); !ok {
		t.Errorf("expected *cache.Redis, got %T", c)
	}
	c.Put(ctx, "alice", "Hello", "Hi Alice!")
	if got, ok := c.Get(ctx, "alice", "hello"); !ok || got != "Hi Alice!" {
		t.Errorf("Get = (%q, %v)", got, ok)
	}
}

func TestNewCache_RedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Backend = config.CacheRedis
	cfg.Cache.RedisURL = "redis://127.0.0.1:1/0"
	if _, _, err := newCache(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/kotoba/internal/kotoba/memory"
	"github.com/bdobrica/kotoba/internal/kotoba/pipeline"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kotoba-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("schema version = %d, want 3", v)
	}
}

func TestMigrationsIdempotentOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := store.New(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := store.New(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	if v, _ := s2.SchemaVersion(); v != 3 {
		t.Errorf("schema version after reopen = %d, want 3", v)
	}
}

// --- Memory snapshots ---

func TestMemorySnapshots_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := s.MemorySnapshots()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	want := map[string][]memory.Entry{
		"@alice:example.org": {
			{CreatedAt: t0, UserMessage: "Hello", AssistantResponse: "Hi Alice!"},
			{CreatedAt: t0.Add(time.Minute), UserMessage: "How are you?", AssistantResponse: "Great."},
		},
		"@bob:example.org": {
			{CreatedAt: t0.Add(2 * time.Minute), UserMessage: "Yo", AssistantResponse: "Hey Bob"},
		},
	}
	if err := snap.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := snap.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || len(got["@alice:example.org"]) != 2 || len(got["@bob:example.org"]) != 1 {
		t.Fatalf("unexpected snapshot shape: %+v", got)
	}
	a := got["@alice:example.org"]
	if a[0].UserMessage != "Hello" || a[1].UserMessage != "How are you?" {
		t.Errorf("order not preserved: %+v", a)
	}
	if !a[0].CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", a[0].CreatedAt, t0)
	}
}

func TestMemorySnapshots_SaveReplaces(t *testing.T) {
	s := newTestStore(t)
	snap := s.MemorySnapshots()

	now := time.Now()
	_ = snap.Save(map[string][]memory.Entry{"alice": {{CreatedAt: now, UserMessage: "a", AssistantResponse: "b"}}})
	if err := snap.Save(map[string][]memory.Entry{}); err != nil {
		t.Fatalf("Save empty: %v", err)
	}
	got, err := snap.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty snapshot, got %+v", got)
	}
}

func TestMemorySnapshots_BackMemoryStore(t *testing.T) {
	s := newTestStore(t)

	cfg := memory.DefaultConfig()
	cfg.Persister = s.MemorySnapshots()
	m1 := memory.NewStore(cfg)
	m1.Add("alice", "I like tea", "Noted!")
	m1.Add("bob", "Hi", "Hello")
	m1.Clear("bob")

	m2 := memory.NewStore(cfg)
	stats := m2.Stats()
	if stats["alice"] != 1 {
		t.Errorf("alice entries after reload = %d, want 1", stats["alice"])
	}
	if _, ok := stats["bob"]; ok {
		t.Error("cleared user should not be reloaded")
	}
}

// --- Turns ---

func TestRecordAndListTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	turns := []pipeline.Turn{
		{TraceID: "t_1", Sender: "alice", Message: "Hello", Response: "Hi Alice!", Outcome: pipeline.OutcomeGenerated, Latency: 1500 * time.Millisecond, CreatedAt: base},
		{TraceID: "t_2", Sender: "alice", Message: "Hello", Response: "Hi Alice!", Outcome: pipeline.OutcomeCached, CreatedAt: base.Add(time.Second)},
		{TraceID: "t_3", Sender: "bob", Message: "Story?", Response: "Too slow", Outcome: pipeline.OutcomeTimeout, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, tr := range turns {
		if err := s.RecordTurn(ctx, tr); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}

	all, err := s.RecentTurns(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(all) != 3 || all[0].TraceID != "t_3" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[2].LatencyMS != 1500 || all[2].ID == "" {
		t.Errorf("unexpected oldest record %+v", all[2])
	}

	alice, err := s.RecentTurns(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("RecentTurns(alice): %v", err)
	}
	if len(alice) != 2 {
		t.Errorf("alice turns = %d, want 2", len(alice))
	}

	counts, err := s.OutcomeCounts(ctx)
	if err != nil {
		t.Fatalf("OutcomeCounts: %v", err)
	}
	if counts["generated"] != 1 || counts["cached"] != 1 || counts["timeout"] != 1 {
		t.Errorf("OutcomeCounts = %v", counts)
	}

	n, err := s.PruneTurns(ctx, base.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatalf("PruneTurns: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d turns, want 2", n)
	}
}

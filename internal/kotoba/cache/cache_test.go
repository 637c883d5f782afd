package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// fakeClock is advanced manually by tests.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestKey_Normalization(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"case", "Hello", "hello", true},
		{"whitespace", "  hello \n", "hello", true},
		{"different text", "hello", "goodbye", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key("alice", tt.a) == Key("alice", tt.b); got != tt.same {
				t.Errorf("Key(%q) == Key(%q) = %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
	if Key("alice", "hello") == Key("bob", "hello") {
		t.Error("keys for different users must differ")
	}
}

func TestMemory_PutGetWithinTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(5*time.Minute, 10)
	c.now = clock.now
	ctx := context.Background()

	c.Put(ctx, "alice", "Hello", "Hi Alice!")
	clock.advance(4 * time.Minute)

	got, ok := c.Get(ctx, "alice", "  hello ")
	if !ok || got != "Hi Alice!" {
		t.Fatalf("Get = (%q, %v), want (%q, true)", got, ok, "Hi Alice!")
	}
}

func TestMemory_ExpiredEntryNotServed(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(5*time.Minute, 10)
	c.now = clock.now
	ctx := context.Background()

	c.Put(ctx, "alice", "Hello", "Hi Alice!")
	clock.advance(5 * time.Minute)

	if _, ok := c.Get(ctx, "alice", "Hello"); ok {
		t.Fatal("expected a miss once the TTL has elapsed")
	}
	// Not yet swept, but still never served.
	if c.Len(ctx) != 1 {
		t.Errorf("expected the expired entry to linger until swept, Len=%d", c.Len(ctx))
	}
	if removed := c.Sweep(ctx); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
}

func TestMemory_CapacityEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	const capacity = 5
	c := NewMemory(time.Hour, capacity)
	c.now = clock.now
	ctx := context.Background()

	for i := 0; i <= capacity; i++ {
		c.Put(ctx, "alice", fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
		clock.advance(time.Second)
	}

	if got := c.Len(ctx); got != capacity {
		t.Fatalf("Len = %d, want %d", got, capacity)
	}
	if _, ok := c.Get(ctx, "alice", "question 0"); ok {
		t.Error("expected the oldest entry to be evicted")
	}
	for i := 1; i <= capacity; i++ {
		if _, ok := c.Get(ctx, "alice", fmt.Sprintf("question %d", i)); !ok {
			t.Errorf("expected question %d to remain cached", i)
		}
	}
}

func TestMemory_CapacityEvictsInInsertionOrderOnEqualTimestamps(t *testing.T) {
	clock := newFakeClock() // never advanced
	const capacity = 3
	c := NewMemory(time.Hour, capacity)
	c.now = clock.now
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		c.Put(ctx, "alice", fmt.Sprintf("question %d", i), "answer")
		if _, ok := c.Get(ctx, "alice", fmt.Sprintf("question %d", i)); !ok {
			t.Fatalf("entry %d was evicted by its own insertion", i)
		}
	}
	for i := 17; i < 20; i++ {
		if _, ok := c.Get(ctx, "alice", fmt.Sprintf("question %d", i)); !ok {
			t.Errorf("expected question %d to remain cached", i)
		}
	}
	if got := c.Len(ctx); got != capacity {
		t.Errorf("Len = %d, want %d", got, capacity)
	}
}

func TestMemory_PutDropsExpiredFirst(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(time.Minute, 2)
	c.now = clock.now
	ctx := context.Background()

	c.Put(ctx, "alice", "a", "1")
	c.Put(ctx, "alice", "b", "2")
	clock.advance(2 * time.Minute)
	c.Put(ctx, "alice", "c", "3")

	if got := c.Len(ctx); got != 1 {
		t.Errorf("Len = %d, want 1 (expired entries dropped on put)", got)
	}
}

func TestMemory_OverwriteRefreshesTimestamp(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(time.Minute, 10)
	c.now = clock.now
	ctx := context.Background()

	c.Put(ctx, "alice", "q", "old")
	clock.advance(50 * time.Second)
	c.Put(ctx, "alice", "q", "new")
	clock.advance(50 * time.Second)

	got, ok := c.Get(ctx, "alice", "q")
	if !ok || got != "new" {
		t.Errorf("Get = (%q, %v), want (new, true)", got, ok)
	}
}

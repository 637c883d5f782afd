package relay

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 3; i++ {
		q.Push(Message{Text: fmt.Sprint(i)})
	}
	for i := 0; i < 3; i++ {
		m, ok := q.Pop(context.Background(), time.Millisecond)
		if !ok || m.Text != fmt.Sprint(i) {
			t.Fatalf("Pop #%d = %q, %v", i, m.Text, ok)
		}
	}
}

func TestQueue_OverflowDropsExactlyTheOldest(t *testing.T) {
	const capacity = 5
	q := NewQueue(capacity)
	for i := 0; i < capacity; i++ {
		if _, dropped := q.Push(Message{Text: fmt.Sprint(i)}); dropped {
			t.Fatalf("push %d dropped below capacity", i)
		}
	}

	evicted, dropped := q.Push(Message{Text: "new"})
	if !dropped || evicted.Text != "0" {
		t.Fatalf("overflow evicted %q (dropped=%v), want 0", evicted.Text, dropped)
	}
	if q.Len() != capacity {
		t.Fatalf("Len = %d, want %d", q.Len(), capacity)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}

	want := []string{"1", "2", "3", "4", "new"}
	for _, w := range want {
		m, _ := q.tryPop()
		if m.Text != w {
			t.Errorf("got %q, want %q", m.Text, w)
		}
	}
}

func TestQueue_PopTimesOut(t *testing.T) {
	q := NewQueue(1)
	start := time.Now()
	if _, ok := q.Pop(context.Background(), 20*time.Millisecond); ok {
		t.Fatal("Pop on empty queue should time out")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Pop returned before the timeout")
	}
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	q := NewQueue(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(Message{Text: "hello"})
	}()
	m, ok := q.Pop(context.Background(), time.Second)
	if !ok || m.Text != "hello" {
		t.Fatalf("Pop = %q, %v", m.Text, ok)
	}
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Pop(ctx, time.Hour); ok {
		t.Fatal("Pop with cancelled context should fail")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue(4)
	q.Push(Message{Text: "a"})
	q.Push(Message{Text: "b"})
	if n := q.Drain(); n != 2 {
		t.Errorf("Drain = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Error("queue not empty after Drain")
	}
}

package queue

import (
	"context"
	"testing"
	"time"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("want %d got %d", i, v)
		}
	}
}

func TestPushBlocksUntilRoom(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	if err := q.Push(ctx, 1); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = q.Push(ctx, 2)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("push should have blocked with no room")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after room freed")
	}
}

func TestPopRespectsCancellation(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

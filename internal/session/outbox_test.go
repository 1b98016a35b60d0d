package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestOutbox_FIFO(t *testing.T) {
	o := NewOutbox()
	for _, s := range []string{"a", "b", "c"} {
		if err := o.Push([]byte(s)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if o.Len() != 3 {
		t.Errorf("Len() = %d, want 3", o.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		b, err := o.Next(t.Context())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if string(b) != want {
			t.Errorf("Next = %q, want %q", b, want)
		}
	}
}

func TestOutbox_DeliversQueuedAfterClose(t *testing.T) {
	o := NewOutbox()
	_ = o.Push([]byte("last"))
	o.Close()
	o.Close()

	if err := o.Push([]byte("late")); !errors.Is(err, ErrOutboxClosed) {
		t.Errorf("Push after Close err = %v, want ErrOutboxClosed", err)
	}
	b, err := o.Next(t.Context())
	if err != nil || string(b) != "last" {
		t.Fatalf("Next = %q, %v; want queued event", b, err)
	}
	if _, err := o.Next(t.Context()); !errors.Is(err, io.EOF) {
		t.Errorf("Next on drained outbox err = %v, want io.EOF", err)
	}
}

func TestOutbox_NextBlocksUntilPush(t *testing.T) {
	o := NewOutbox()
	got := make(chan string, 1)
	go func() {
		b, _ := o.Next(context.Background())
		got <- string(b)
	}()

	select {
	case <-got:
		t.Fatal("Next returned before Push")
	case <-time.After(20 * time.Millisecond):
	}
	_ = o.Push([]byte("wake"))
	select {
	case s := <-got:
		if s != "wake" {
			t.Errorf("Next = %q, want wake", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake on Push")
	}
}

func TestOutbox_NextHonoursContext(t *testing.T) {
	o := NewOutbox()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := o.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next err = %v, want context.Canceled", err)
	}
}

package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// ErrOutboxClosed is returned by [Outbox.Push] after [Outbox.Close].
var ErrOutboxClosed = errors.New("session: outbox closed")

var _ s2s.EventSource = (*Outbox)(nil)

// Outbox is the per-session queue of encoded outbound events. It is an
// unbounded FIFO with a single waiting consumer: Push never blocks, and Next
// blocks until an event is queued or the outbox is closed. Events queued
// before Close are still delivered.
type Outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}
}

// NewOutbox returns an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{wake: make(chan struct{}, 1)}
}

// Push appends b. It returns [ErrOutboxClosed] once the outbox is closed.
func (o *Outbox) Push(b []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	o.queue = append(o.queue, b)
	o.mu.Unlock()
	o.signal()
	return nil
}

// Next implements [s2s.EventSource]. It returns io.EOF once the outbox is
// closed and empty.
func (o *Outbox) Next(ctx context.Context) ([]byte, error) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			b := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return b, nil
		}
		if o.closed {
			o.mu.Unlock()
			return nil, io.EOF
		}
		o.mu.Unlock()

		select {
		case <-o.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the end of the sequence. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

// Len reports the number of queued events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

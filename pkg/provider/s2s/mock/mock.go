// Package mock provides test doubles for the s2s package interfaces.
//
// Use Transport to capture the outbound envelopes a session writes and Stream
// to feed inbound envelopes back to it.
//
// Example:
//
//	stream := mock.NewStream(16)
//	tr := &mock.Transport{Stream: stream}
//	// ... start a session with tr ...
//	stream.Push(s2s.Envelope{Bytes: []byte(`{"event":{"textOutput":{"content":"hi"}}}`)})
//	sent := tr.Sent()
package mock

import (
	"context"
	"sync"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// ─── Credentials ──────────────────────────────────────────────────────────────

// Credentials is a mock [s2s.CredentialsProvider].
type Credentials struct {
	mu sync.Mutex

	// Result is returned when Err is nil.
	Result s2s.Credentials

	// Err is returned when non-nil.
	Err error

	// CallCount records how many times Credentials was called.
	CallCount int
}

// Credentials implements [s2s.CredentialsProvider].
func (c *Credentials) Credentials(_ context.Context) (s2s.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCount++
	if c.Err != nil {
		return s2s.Credentials{}, c.Err
	}
	return c.Result, nil
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [s2s.Stream] whose inbound side is fed by the test.
type Stream struct {
	events    chan s2s.Envelope
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	closed    bool

	// CloseCount records how many times Close was called.
	CloseCount int
}

// NewStream returns a Stream with an inbound buffer of size n.
func NewStream(n int) *Stream {
	return &Stream{events: make(chan s2s.Envelope, n)}
}

// Events implements [s2s.Stream].
func (s *Stream) Events() <-chan s2s.Envelope { return s.events }

// Err implements [s2s.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [s2s.Stream]. Closes the inbound channel once.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount > 0
}

// Push delivers one inbound envelope. It is a no-op after the stream ends.
func (s *Stream) Push(env s2s.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- env
}

// Fail ends the stream with err, as a network failure would.
func (s *Stream) Fail(err error) {
	s.finish(err)
}

func (s *Stream) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.err = err
		s.closed = true
		close(s.events)
	})
}

// ─── Transport ────────────────────────────────────────────────────────────────

// Transport is a mock [s2s.Transport]. It drains the request's EventSource in
// a background goroutine and records every envelope.
type Transport struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh Stream.
	Stream s2s.Stream

	// OpenErr is returned by Open when non-nil. The outbound source is not
	// drained in that case.
	OpenErr error

	// Requests records every OpenRequest.
	Requests []s2s.OpenRequest

	sent    [][]byte
	streams []s2s.Stream
	drained chan struct{}
}

// Open implements [s2s.Transport].
func (t *Transport) Open(ctx context.Context, req s2s.OpenRequest) (s2s.Stream, error) {
	t.mu.Lock()
	t.Requests = append(t.Requests, req)
	if t.OpenErr != nil {
		err := t.OpenErr
		t.mu.Unlock()
		return nil, err
	}
	st := t.Stream
	if st == nil {
		st = NewStream(64)
	}
	t.streams = append(t.streams, st)
	drained := make(chan struct{})
	t.drained = drained
	t.mu.Unlock()

	go t.drain(context.WithoutCancel(ctx), req.Outbound, drained)
	return st, nil
}

func (t *Transport) drain(ctx context.Context, src s2s.EventSource, done chan struct{}) {
	defer close(done)
	if src == nil {
		return
	}
	for {
		b, err := src.Next(ctx)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.sent = append(t.sent, b)
		t.mu.Unlock()
	}
}

// Sent returns a copy of every outbound envelope drained so far, across all
// opened streams, in order.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// Drained returns a channel that is closed once the most recently opened
// stream's outbound source is exhausted. Returns nil before the first Open.
func (t *Transport) Drained() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drained
}

// StreamAt returns the stream returned by the i-th successful Open.
func (t *Transport) StreamAt(i int) s2s.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[i]
}

// OpenCount returns how many times Open was called.
func (t *Transport) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Requests)
}

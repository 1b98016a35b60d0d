package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// errSuperseded ends a cursor whose open attempt has been replaced by a later
// one.
var errSuperseded = errors.New("resilience: open attempt superseded")

// replay lets several open attempts read the same outbound source. Until
// commit, every envelope taken from src is logged and each new cursor starts
// from the beginning of the log. After commit only the live cursor reads, and
// the log holds envelopes that superseded cursors fetched too late to use.
type replay struct {
	src   s2s.EventSource
	fetch chan struct{} // one caller in src.Next at a time

	mu        sync.Mutex
	log       [][]byte
	recording bool
	gen       int
}

func newReplay(src s2s.EventSource) *replay {
	return &replay{src: src, fetch: make(chan struct{}, 1), recording: true}
}

// cursor returns the source for the next open attempt and invalidates every
// earlier cursor.
func (r *replay) cursor() s2s.EventSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	return &cursor{r: r, gen: r.gen}
}

// commit stops recording. Envelopes the live cursor has not read yet stay
// queued for it.
func (r *replay) commit(c s2s.EventSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	if cur, ok := c.(*cursor); ok {
		r.log = r.log[min(cur.pos, len(r.log)):]
		cur.pos = 0
	}
}

type cursor struct {
	r   *replay
	gen int
	pos int // guarded by r.mu
}

func (c *cursor) Next(ctx context.Context) ([]byte, error) {
	r := c.r
	if b, ok, err := c.buffered(); ok || err != nil {
		return b, err
	}
	select {
	case r.fetch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.fetch }()

	// Another cursor may have fetched while this one waited.
	if b, ok, err := c.buffered(); ok || err != nil {
		return b, err
	}
	b, err := r.src.Next(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.gen != r.gen {
		r.log = append(r.log, b)
		return nil, errSuperseded
	}
	if r.recording {
		r.log = append(r.log, b)
		c.pos = len(r.log)
	}
	return b, nil
}

// buffered returns the next logged envelope for c, if any.
func (c *cursor) buffered() ([]byte, bool, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.gen != r.gen {
		return nil, false, errSuperseded
	}
	if c.pos >= len(r.log) {
		return nil, false, nil
	}
	b := r.log[c.pos]
	if r.recording {
		c.pos++
	} else {
		r.log = r.log[1:]
	}
	return b, true, nil
}

// Package playback plays the model's streamed speech in strict arrival order
// with an immediate full stop for barge-in.
//
// A [Player] decodes base64 PCM16 payloads into 24 kHz [audio.AudioFrame]s,
// queues them and hands them one at a time to a platform [Sink]. Exactly one
// drain goroutine is active at any time and exactly one frame is ever inside
// [Sink.Play].
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dadfix/homefix/pkg/audio"
)

// Sink plays one frame to completion.
type Sink interface {
	// Play blocks until the platform reports that f has finished playing, or
	// until ctx is cancelled, in which case output must halt immediately and
	// ctx.Err() is returned.
	Play(ctx context.Context, f audio.AudioFrame) error
}

// DecodeError reports a malformed audio payload. The frame is skipped and the
// rest of the queue is unaffected.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("playback: decode frame: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Option is a functional option for [NewPlayer].
type Option func(*Player)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// WithHooks registers counters invoked for each frame handed to the sink and
// each payload that failed to decode. Either may be nil.
func WithHooks(played, decodeFailed func()) Option {
	return func(p *Player) {
		p.onPlayed = played
		p.onDecodeFailed = decodeFailed
	}
}

// Player serialises playback of decoded frames. It is safe for concurrent use.
type Player struct {
	sink           Sink
	log            *slog.Logger
	onPlayed       func()
	onDecodeFailed func()

	mu       sync.Mutex
	queue    []audio.AudioFrame
	draining bool
	gen      uint64
	cancel   context.CancelFunc // in-flight frame; nil when idle
	lastDone chan struct{}      // closed when the most recent drain goroutine exits
	onState  func(playing bool)
}

// NewPlayer returns a Player that plays through sink.
func NewPlayer(sink Sink, opts ...Option) *Player {
	p := &Player{sink: sink, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnStateChange registers fn to be called whenever playback starts or goes
// idle. Passing nil clears the callback. fn must not block.
func (p *Player) OnStateChange(fn func(playing bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// Enqueue decodes a base64 PCM16 payload and appends it to the queue,
// starting a drain goroutine if none is active. A malformed payload is
// logged, counted and returned as a [*DecodeError]; nothing is queued.
func (p *Player) Enqueue(payload string) error {
	frame, err := audio.DecodeFrame(payload)
	if err != nil {
		de := &DecodeError{Err: err}
		p.log.Warn("playback: skipping malformed frame", "err", err)
		if p.onDecodeFailed != nil {
			p.onDecodeFailed()
		}
		return de
	}

	p.mu.Lock()
	p.queue = append(p.queue, frame)
	started := false
	if !p.draining {
		p.startDrainLocked()
		started = true
	}
	notify := p.onState
	p.mu.Unlock()

	if started && notify != nil {
		notify(true)
	}
	return nil
}

// PlayImmediately discards every queued frame and then enqueues payload.
// The in-flight frame, if any, finishes normally; use [Player.Stop] first for
// a hard cut.
func (p *Player) PlayImmediately(payload string) error {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	return p.Enqueue(payload)
}

// Stop clears the queue and halts the in-flight frame. It is idempotent and
// safe to call when nothing is playing. A Stop always takes effect before any
// further queued frame begins.
func (p *Player) Stop() {
	p.mu.Lock()
	wasDraining := p.draining
	p.gen++
	p.queue = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.draining = false
	notify := p.onState
	p.mu.Unlock()

	if wasDraining && notify != nil {
		notify(false)
	}
}

// Playing reports whether a frame is playing or queued.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// startDrainLocked launches a drain goroutine for the current generation.
// The new goroutine waits for the previous one to exit so that two frames are
// never inside the sink at once. Caller must hold p.mu.
func (p *Player) startDrainLocked() {
	p.draining = true
	gen := p.gen
	prev := p.lastDone
	done := make(chan struct{})
	p.lastDone = done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		p.drain(gen)
	}()
}

func (p *Player) drain(gen uint64) {
	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.draining = false
			notify := p.onState
			p.mu.Unlock()
			if notify != nil {
				notify(false)
			}
			return
		}
		frame := p.queue[0]
		p.queue[0] = audio.AudioFrame{}
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.mu.Unlock()

		err := p.sink.Play(ctx, frame)
		if p.onPlayed != nil {
			p.onPlayed()
		}

		p.mu.Lock()
		if p.gen == gen {
			p.cancel = nil
		}
		p.mu.Unlock()
		cancel()

		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("playback: sink failed", "err", err)
		}
	}
}

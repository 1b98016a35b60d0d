// Package mock provides in-memory implementations of the capture
// [capture.Device] and [capture.Input] interfaces and the playback
// [playback.Sink] interface for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and ordering, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.Input{Rate: 48000}
//	dev := &mock.Device{AcquireResult: in}
//	rec := capture.NewRecorder(dev, func(b64 string) { ... })
//	_ = rec.Start(ctx)
//	in.Emit(make([]float32, 2048))
package mock

import (
	"context"
	"sync"

	"github.com/dadfix/homefix/pkg/audio"
	"github.com/dadfix/homefix/pkg/audio/capture"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [capture.Input].
// Set the exported fields before use; inspect Calls after.
type Input struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 48000 if zero.
	Rate int

	// ConnectError is returned by Connect.
	ConnectError error

	// CloseError is returned by Close.
	CloseError error

	// Calls records the name of every lifecycle method in invocation order.
	Calls []string

	process func([]float32)
}

// SampleRate implements [capture.Input].
func (i *Input) SampleRate() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Rate == 0 {
		return 48000
	}
	return i.Rate
}

// Connect implements [capture.Input]. On success the callback is retained so
// that [Input.Emit] can drive it.
func (i *Input) Connect(process func([]float32)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Calls = append(i.Calls, "Connect")
	if i.ConnectError != nil {
		return i.ConnectError
	}
	i.process = process
	return nil
}

// DisconnectProcessor implements [capture.Input]. After it returns Emit is a no-op.
func (i *Input) DisconnectProcessor() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Calls = append(i.Calls, "DisconnectProcessor")
	i.process = nil
}

// DisconnectSource implements [capture.Input].
func (i *Input) DisconnectSource() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Calls = append(i.Calls, "DisconnectSource")
}

// StopTracks implements [capture.Input].
func (i *Input) StopTracks() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Calls = append(i.Calls, "StopTracks")
}

// Close implements [capture.Input]. Returns CloseError.
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Calls = append(i.Calls, "Close")
	return i.CloseError
}

// Emit simulates the real-time callback delivering samples. The callback is
// invoked while holding the mock's lock, so Emit and DisconnectProcessor are
// serialised the way a real audio graph serialises them.
func (i *Input) Emit(samples []float32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.process != nil {
		i.process(samples)
	}
}

// CallsSnapshot returns a copy of Calls.
func (i *Input) CallsSnapshot() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.Calls...)
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [capture.Device].
type Device struct {
	mu sync.Mutex

	// AcquireResult is the input returned by Acquire.
	AcquireResult capture.Input

	// AcquireError is returned by Acquire when non-nil.
	AcquireError error

	// AcquireCalls records the constraints of every Acquire invocation.
	AcquireCalls []capture.Constraints
}

// Acquire implements [capture.Device].
func (d *Device) Acquire(_ context.Context, c capture.Constraints) (capture.Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AcquireCalls = append(d.AcquireCalls, c)
	if d.AcquireError != nil {
		return nil, d.AcquireError
	}
	return d.AcquireResult, nil
}

// CallCount returns how many times Acquire was called.
func (d *Device) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.AcquireCalls)
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [playback.Sink].
//
// By default Play returns immediately. When Hold is true, each Play blocks
// until the test calls [Sink.Finish] or the context is cancelled, which lets
// tests observe an in-flight buffer.
type Sink struct {
	mu sync.Mutex

	// Hold makes Play block until Finish or cancellation.
	Hold bool

	// PlayError is returned by Play for every frame.
	PlayError error

	// Played records frames whose Play returned without cancellation, in order.
	Played []audio.AudioFrame

	// Cancelled records frames whose Play was cut short by cancellation.
	Cancelled []audio.AudioFrame

	// Started receives every frame as Play begins. Optional; sends are
	// non-blocking so an unbuffered or full channel never stalls playback.
	Started chan audio.AudioFrame

	release chan struct{}
	active  int
	maxSeen int
}

// Play implements [playback.Sink].
func (s *Sink) Play(ctx context.Context, f audio.AudioFrame) error {
	s.mu.Lock()
	s.active++
	s.maxSeen = max(s.maxSeen, s.active)
	if s.release == nil {
		s.release = make(chan struct{})
	}
	release := s.release
	hold := s.Hold
	started := s.Started
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- f:
		default:
		}
	}

	var err error
	if hold {
		select {
		case <-release:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if err != nil {
		s.Cancelled = append(s.Cancelled, f)
		return err
	}
	s.Played = append(s.Played, f)
	return s.PlayError
}

// Finish releases the currently held Play call. It is a no-op when nothing
// is held.
func (s *Sink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release != nil {
		close(s.release)
		s.release = nil
	}
}

// PlayedSnapshot returns a copy of Played.
func (s *Sink) PlayedSnapshot() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Played...)
}

// CancelledSnapshot returns a copy of Cancelled.
func (s *Sink) CancelledSnapshot() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Cancelled...)
}

// MaxConcurrent reports the largest number of Play calls that were ever in
// flight at once.
func (s *Sink) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

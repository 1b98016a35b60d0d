package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dadfix/homefix/pkg/audio"
)

// frameBacklog is the number of frames that may wait between the
// real-time callback and the control goroutine before frames are dropped.
// At 48 kHz one frame is ~43 ms, so the default covers ~1.4 s of stall.
const frameBacklog = 32

// Option is a functional option for [NewRecorder].
type Option func(*Recorder)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithFrameSize overrides the accumulation buffer size. Non-positive values
// keep the default.
func WithFrameSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.frameSize = n
		}
	}
}

// WithFrameHooks registers callbacks invoked on the control goroutine for
// each frame delivered and for each frame the real-time side dropped. Either
// may be nil.
func WithFrameHooks(sent func(), dropped func(n int64)) Option {
	return func(r *Recorder) {
		r.onSent = sent
		r.onDropped = dropped
	}
}

// Recorder drives one microphone capture at a time. It is safe for
// concurrent use.
type Recorder struct {
	device      Device
	onAudio     func(base64PCM string)
	log         *slog.Logger
	frameSize int
	onSent    func()
	onDropped func(n int64)

	mu        sync.Mutex
	input     Input
	stop      chan struct{}
	done      chan struct{}
	recording bool
	err       error
}

// NewRecorder creates a Recorder that reads from device and delivers each
// encoded 16 kHz packet to onAudio. onAudio runs on the recorder's control
// goroutine, one packet at a time and in capture order.
func NewRecorder(device Device, onAudio func(base64PCM string), opts ...Option) *Recorder {
	r := &Recorder{
		device:    device,
		onAudio:   onAudio,
		log:       slog.Default(),
		frameSize: audio.CaptureFrameSize,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start acquires the microphone and begins delivering packets. Calling Start
// while already recording is a no-op.
//
// Failures are returned as a [*DeviceError] and also recorded for [Recorder.Err].
// A failed Start leaves nothing acquired.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}

	in, err := r.device.Acquire(ctx, DefaultConstraints())
	if err != nil {
		de := Classify(err)
		r.err = de
		r.log.Warn("capture: acquire microphone failed", "kind", de.Kind, "err", err)
		return de
	}

	frames := make(chan []float32, frameBacklog)
	framer := NewFramer(r.frameSize, frames)
	if err := in.Connect(framer.Process); err != nil {
		in.DisconnectSource()
		in.StopTracks()
		if cerr := in.Close(); cerr != nil {
			r.log.Debug("capture: close after failed connect", "err", cerr)
		}
		de := Classify(fmt.Errorf("load processor: %w", err))
		r.err = de
		r.log.Warn("capture: connect processor failed", "err", err)
		return de
	}

	r.input = in
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.recording = true
	r.err = nil

	go r.forward(in.SampleRate(), framer, frames, r.stop, r.done)

	r.log.Debug("capture: recording started", "sample_rate", in.SampleRate(), "frame_size", r.frameSize)
	return nil
}

// forward is the control half of the pipeline.
func (r *Recorder) forward(rate int, framer *Framer, frames <-chan []float32, stop, done chan struct{}) {
	defer close(done)
	var reported int64
	for {
		select {
		case <-stop:
			return
		case frame := <-frames:
			if n := framer.Dropped(); n > reported {
				r.log.Debug("capture: frames dropped", "count", n-reported)
				if r.onDropped != nil {
					r.onDropped(n - reported)
				}
				reported = n
			}
			r.onAudio(audio.EncodeFrame(frame, rate))
			if r.onSent != nil {
				r.onSent()
			}
		}
	}
}

// Stop releases the microphone. The processor is disconnected first, then
// the source, then the device tracks, and finally the processing context is
// closed and the control goroutine joined. Stop is idempotent.
//
// Stop must not be called from within the onAudio callback.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	in := r.input

	in.DisconnectProcessor()
	in.DisconnectSource()
	in.StopTracks()
	if err := in.Close(); err != nil {
		r.log.Debug("capture: close processing context", "err", err)
	}

	close(r.stop)
	<-r.done

	r.input = nil
	r.stop = nil
	r.done = nil
	r.recording = false
	r.log.Debug("capture: recording stopped")
}

// Recording reports whether the microphone is currently held.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Err returns the error from the last failed [Recorder.Start], or nil once a
// start succeeds.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

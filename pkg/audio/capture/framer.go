package capture

import (
	"sync/atomic"

	"github.com/dadfix/homefix/pkg/audio"
)

// Framer accumulates samples from the real-time callback into fixed-size
// frames. It is the only code that runs on the real-time context: it copies
// samples and performs a non-blocking channel send, nothing else.
//
// A Framer is used by exactly one callback goroutine. Frames sent on the
// output channel are never touched again by the Framer.
type Framer struct {
	buf     []float32
	idx     int
	out     chan<- []float32
	dropped atomic.Int64
}

// NewFramer returns a Framer that emits frames of size samples on out. A
// non-positive size selects [audio.CaptureFrameSize].
func NewFramer(size int, out chan<- []float32) *Framer {
	if size <= 0 {
		size = audio.CaptureFrameSize
	}
	return &Framer{buf: make([]float32, size), out: out}
}

// Process appends samples to the accumulation buffer, handing off a copy each
// time it fills. If the consumer is not keeping up the frame is dropped.
func (f *Framer) Process(samples []float32) {
	for _, s := range samples {
		f.buf[f.idx] = s
		f.idx++
		if f.idx == len(f.buf) {
			frame := make([]float32, len(f.buf))
			copy(frame, f.buf)
			select {
			case f.out <- frame:
			default:
				f.dropped.Add(1)
			}
			f.idx = 0
		}
	}
}

// Dropped reports how many full frames were discarded because the hand-off
// channel was full.
func (f *Framer) Dropped() int64 {
	return f.dropped.Load()
}

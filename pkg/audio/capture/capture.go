// Package capture turns a live microphone into a stream of base64-encoded
// 16 kHz PCM16 packets.
//
// The pipeline has two halves separated by a channel. The real-time half runs
// inside the device's processing callback and only fills a fixed-size buffer
// ([Framer]); each full buffer is handed off as a disjoint copy. The control
// half runs on its own goroutine and does the expensive work: resampling from
// the device's native rate, PCM16 encoding, base64 encoding and invoking the
// output callback.
//
// Platform backends implement [Device] and [Input]. See package
// [github.com/dadfix/homefix/pkg/audio/local] for the ffmpeg backend and
// internal/gateway for the browser backend.
package capture

import "context"

// Constraints are the acquisition hints passed to a [Device]. Backends apply
// the ones they support and ignore the rest.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool

	// ChannelCount is the number of channels requested. The pipeline is mono.
	ChannelCount int

	// IdealSampleRate is a preference only. The pipeline works at whatever rate
	// [Input.SampleRate] reports.
	IdealSampleRate int
}

// DefaultConstraints returns the constraints the [Recorder] requests.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		ChannelCount:     1,
	}
}

// Device acquires microphone input streams.
type Device interface {
	// Acquire opens the microphone. Failures should wrap [ErrNoDevice],
	// [ErrPermissionDenied] or [ErrDeviceBusy] when the cause is known, so the
	// recorder can classify them.
	Acquire(ctx context.Context, c Constraints) (Input, error)
}

// Input is an acquired microphone stream together with its processing
// context. Teardown is split into steps so callers can release resources in
// a fixed order.
//
// Implementations must guarantee that once DisconnectProcessor returns the
// process callback is not invoked again.
type Input interface {
	// SampleRate reports the native rate of the samples delivered to the
	// process callback.
	SampleRate() int

	// Connect loads the processor and starts delivering mono samples to
	// process on the real-time context. process must not block.
	Connect(process func(samples []float32)) error

	// DisconnectProcessor detaches the processing node.
	DisconnectProcessor()

	// DisconnectSource detaches the source node from the processing graph.
	DisconnectSource()

	// StopTracks stops all device tracks, releasing the microphone.
	StopTracks()

	// Close shuts down the processing context.
	Close() error
}

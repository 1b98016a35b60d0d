package gateway

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/dadfix/homefix/pkg/audio/capture"
)

// browserDevice is a [capture.Device] whose samples arrive as binary
// WebSocket frames. Acquiring it asks the browser to start streaming; closing
// the input asks it to stop.
type browserDevice struct {
	notify func(micMessage)

	mu      sync.Mutex
	mic     string
	rate    int
	current *browserInput
}

var _ capture.Device = (*browserDevice)(nil)

func newBrowserDevice(notify func(micMessage)) *browserDevice {
	return &browserDevice{notify: notify, mic: micGranted, rate: 48000}
}

// configure records the browser's microphone report from hello.
func (d *browserDevice) configure(mic string, rate int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mic != "" {
		d.mic = mic
	}
	if rate > 0 {
		d.rate = rate
	}
}

// Acquire implements [capture.Device].
func (d *browserDevice) Acquire(_ context.Context, _ capture.Constraints) (capture.Input, error) {
	d.mu.Lock()
	switch d.mic {
	case micDenied:
		d.mu.Unlock()
		return nil, capture.ErrPermissionDenied
	case micNone:
		d.mu.Unlock()
		return nil, capture.ErrNoDevice
	case micBusy:
		d.mu.Unlock()
		return nil, capture.ErrDeviceBusy
	}
	if d.current != nil {
		d.mu.Unlock()
		return nil, capture.ErrDeviceBusy
	}
	in := &browserInput{dev: d, rate: d.rate}
	d.current = in
	d.mu.Unlock()

	d.notify(micMessage{Type: msgMic, State: "on"})
	return in, nil
}

// feed delivers one binary frame to the acquired input. Frames arriving
// while nothing is acquired are discarded.
func (d *browserDevice) feed(frame []byte) {
	d.mu.Lock()
	in := d.current
	d.mu.Unlock()
	if in == nil {
		return
	}
	in.feed(decodeFloat32(frame))
}

func (d *browserDevice) release(in *browserInput) {
	d.mu.Lock()
	if d.current == in {
		d.current = nil
	}
	d.mu.Unlock()
}

// browserInput is one acquisition of a browserDevice.
type browserInput struct {
	dev  *browserDevice
	rate int

	mu      sync.Mutex
	process func([]float32)
	stopped bool
}

func (in *browserInput) SampleRate() int { return in.rate }

func (in *browserInput) Connect(process func([]float32)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.process = process
	return nil
}

func (in *browserInput) DisconnectProcessor() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.process = nil
}

func (in *browserInput) DisconnectSource() {}

func (in *browserInput) StopTracks() {
	in.mu.Lock()
	already := in.stopped
	in.stopped = true
	in.mu.Unlock()
	if !already {
		in.dev.notify(micMessage{Type: msgMic, State: "off"})
	}
}

func (in *browserInput) Close() error {
	in.dev.release(in)
	return nil
}

func (in *browserInput) feed(samples []float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.process != nil {
		in.process(samples)
	}
}

// decodeFloat32 converts little-endian float32 bytes to samples. A trailing
// partial sample is ignored.
func decodeFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

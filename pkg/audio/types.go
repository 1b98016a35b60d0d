package audio

import "time"

// Fixed pipeline formats. The voice model accepts 16 kHz mono PCM16 input and
// produces 24 kHz mono PCM16 output; capture runs at the device's native rate
// and is framed in blocks of CaptureFrameSize samples.
const (
	CaptureFrameSize = 2048
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// AudioFrame is one block of single-channel floating-point samples in the range
// [-1, 1]. Frames are the hand-off unit between the real-time capture callback
// and the control goroutine, and between the playback queue and its sink.
//
// A frame is consumed once. Producers must hand over a slice they no longer
// write to; consumers may keep it.
type AudioFrame struct {
	// Samples holds mono float32 samples.
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for a typical microphone, 24000 for model output).
	SampleRate int
}

// Duration returns the playback length of the frame. Zero when SampleRate is unset.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

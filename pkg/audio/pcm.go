package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToPCM16 converts float32 samples to 16-bit signed little-endian PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, truncating toward zero.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		// NaN compares false against both bounds; map it to silence.
		if s != s {
			s = 0
		}
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat converts 16-bit signed little-endian PCM to float32 samples.
// Negative samples divide by 32768 and non-negative ones by 32767. A trailing
// odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// Resample converts samples from srcRate to dstRate using linear
// interpolation. If the rates are equal (or either is not positive) the input
// slice is returned as-is.
//
// This is a plain two-tap interpolator with no anti-aliasing filter. It is good
// enough for speech sent to the voice model and is kept deliberately simple;
// it is not suitable for music.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if len(samples) == 0 {
		return []float32{}
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1

	for i := range n {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := min(lo+1, last)
		t := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-t) + samples[hi]*t
	}
	return out
}

// EncodeBase64 encodes b with the standard base64 alphabet. The encoder works
// on the whole buffer at once, so there is no size limit beyond memory.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a standard base64 string.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// EncodeFrame resamples samples from srcRate to [InputSampleRate], encodes them
// as PCM16 and returns the base64 text expected by the model's audio input.
func EncodeFrame(samples []float32, srcRate int) string {
	return EncodeBase64(FloatToPCM16(Resample(samples, srcRate, InputSampleRate)))
}

// DecodeFrame turns a base64 PCM16 payload produced by the model into a
// playable [AudioFrame] at [OutputSampleRate].
func DecodeFrame(payload string) (AudioFrame, error) {
	pcm, err := DecodeBase64(payload)
	if err != nil {
		return AudioFrame{}, err
	}
	if len(pcm)%2 != 0 {
		return AudioFrame{}, fmt.Errorf("audio: odd PCM16 byte count %d", len(pcm))
	}
	return AudioFrame{Samples: PCM16ToFloat(pcm), SampleRate: OutputSampleRate}, nil
}

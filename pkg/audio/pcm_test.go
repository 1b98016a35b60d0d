package audio_test

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/dadfix/homefix/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFloatToPCM16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half positive truncates", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clamp high", 2.5, 32767},
		{"clamp low", -7, -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.FloatToPCM16([]float32{tt.in}))
			if len(got) != 1 {
				t.Fatalf("got %d samples, want 1", len(got))
			}
			if got[0] != tt.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tt.in, got[0], tt.want)
			}
		})
	}
}

func TestFloatToPCM16_NaNIsSilence(t *testing.T) {
	got := bytesToSamples(audio.FloatToPCM16([]float32{float32(math.NaN())}))
	if got[0] != 0 {
		t.Errorf("NaN encoded as %d, want 0", got[0])
	}
}

func TestPCM16ToFloat(t *testing.T) {
	pcm := []byte{0xff, 0x7f, 0x00, 0x80, 0x00, 0x00, 0x42} // 32767, -32768, 0, trailing odd byte
	got := audio.PCM16ToFloat(pcm)
	want := []float32{1, -1, 0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	in := make([]float32, 4096)
	for i := range in {
		in[i] = float32(rng.Float64()*3 - 1.5)
	}

	out := audio.PCM16ToFloat(audio.FloatToPCM16(in))
	if len(out) != len(in) {
		t.Fatalf("sample count changed: got %d, want %d", len(out), len(in))
	}

	// One quantization step plus float32 rounding slack.
	const tolerance = 1.0/32767 + 1e-6
	for i, x := range in {
		clamped := math.Max(-1, math.Min(1, float64(x)))
		if d := math.Abs(float64(out[i]) - clamped); d > tolerance {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds one step", i, out[i], clamped, d)
		}
	}
}

func TestResample_SameRateReturnsInput(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	for _, rate := range []int{8000, 16000, 24000, 44100, 48000} {
		out := audio.Resample(in, rate, rate)
		if len(out) != len(in) || &out[0] != &in[0] {
			t.Errorf("rate %d: expected the input slice back unchanged", rate)
		}
	}
}

func TestResample_Length(t *testing.T) {
	tests := []struct {
		src, dst, n int
	}{
		{48000, 16000, 2048},
		{44100, 16000, 2048},
		{16000, 24000, 1000},
		{24000, 16000, 7},
		{8000, 48000, 333},
		{22050, 16000, 1},
	}
	for _, tt := range tests {
		out := audio.Resample(make([]float32, tt.n), tt.src, tt.dst)
		want := int(math.Round(float64(tt.n) * float64(tt.dst) / float64(tt.src)))
		if d := len(out) - want; d < -1 || d > 1 {
			t.Errorf("Resample(%d samples, %d→%d) length = %d, want %d±1", tt.n, tt.src, tt.dst, len(out), want)
		}
	}
}

func TestResample_LinearInterpolation(t *testing.T) {
	out := audio.Resample([]float32{0, 1, 2, 3}, 2, 4)
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	if len(out) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResample_Downsample(t *testing.T) {
	out := audio.Resample([]float32{0, 1, 2, 3, 4, 5}, 48000, 16000)
	want := []float32{0, 3}
	if len(out) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResample_Empty(t *testing.T) {
	if out := audio.Resample(nil, 48000, 16000); len(out) != 0 {
		t.Errorf("got %d samples, want 0", len(out))
	}
}

func TestBase64(t *testing.T) {
	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = byte(i)
	}
	enc := audio.EncodeBase64(big)
	dec, err := audio.DecodeBase64(enc)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if len(dec) != len(big) {
		t.Fatalf("length mismatch: got %d, want %d", len(dec), len(big))
	}
	for i := range big {
		if dec[i] != big[i] {
			t.Fatalf("byte %d: got %d, want %d", i, dec[i], big[i])
		}
	}

	if _, err := audio.DecodeBase64("not base64!"); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestEncodeFrame(t *testing.T) {
	samples := make([]float32, audio.CaptureFrameSize)
	enc := audio.EncodeFrame(samples, 48000)
	pcm, err := audio.DecodeBase64(enc)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	// 2048 samples at 48 kHz → 683 samples at 16 kHz → 1366 bytes.
	if len(pcm) != 1366 {
		t.Errorf("got %d bytes, want 1366", len(pcm))
	}
}

func TestDecodeFrame(t *testing.T) {
	frame, err := audio.DecodeFrame(audio.EncodeBase64([]byte{0xff, 0x7f, 0x00, 0x80}))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.SampleRate != audio.OutputSampleRate {
		t.Errorf("SampleRate = %d, want %d", frame.SampleRate, audio.OutputSampleRate)
	}
	if len(frame.Samples) != 2 || frame.Samples[0] != 1 || frame.Samples[1] != -1 {
		t.Errorf("Samples = %v, want [1 -1]", frame.Samples)
	}

	if _, err := audio.DecodeFrame(audio.EncodeBase64([]byte{1, 2, 3})); err == nil {
		t.Error("expected error for odd byte count")
	}
	if _, err := audio.DecodeFrame("%%%"); err == nil {
		t.Error("expected error for malformed base64")
	}
}

func TestAudioFrameDuration(t *testing.T) {
	f := audio.AudioFrame{Samples: make([]float32, 24000), SampleRate: 24000}
	if got := f.Duration().Seconds(); got != 1 {
		t.Errorf("Duration = %vs, want 1s", got)
	}
	if got := (audio.AudioFrame{Samples: make([]float32, 10)}).Duration(); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
}

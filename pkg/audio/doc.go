// Package audio holds the PCM codec and resampler shared by the capture and
// playback pipelines.
//
// Everything in this package is a pure function over sample slices: converting
// float32 samples to 16-bit little-endian PCM and back, resampling between
// arbitrary rates, and base64 transcoding for the JSON wire protocol. None of
// the functions retain their arguments.
//
// Sub-packages build the stateful parts on top:
//
//   - capture: microphone acquisition, real-time framing, 16 kHz encoding.
//   - playback: ordered, interruptible playback of 24 kHz model output.
//   - local: ffmpeg/ffplay backed devices for the terminal client.
package audio

package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dadfix/homefix/pkg/audio"
	"github.com/dadfix/homefix/pkg/audio/capture"
)

// Defaults for [Device].
const (
	DefaultSampleRate   = 48000
	DefaultProbeTimeout = 3 * time.Second

	// readChunk is the number of bytes read from ffmpeg per callback.
	readChunk = 1024 * 2
)

// Device captures the microphone with an ffmpeg subprocess.
type Device struct {
	// FFmpegPath is the ffmpeg binary. Empty means "ffmpeg" from PATH.
	FFmpegPath string

	// Format and Source select the ffmpeg input, e.g. "alsa" and "default".
	// Empty values use [DefaultInput].
	Format string
	Source string

	// SampleRate is the rate ffmpeg resamples the microphone to. Zero means
	// [DefaultSampleRate].
	SampleRate int

	// ProbeTimeout bounds how long Acquire waits for the first samples.
	ProbeTimeout time.Duration

	// Command builds the subprocess. Nil means [exec.CommandContext].
	Command CommandFunc

	// Logger receives subprocess diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

var _ capture.Device = (*Device)(nil)

// Args returns the ffmpeg arguments used for capture.
func (d *Device) Args() []string {
	format, source := DefaultInput()
	if d.Format != "" {
		format = d.Format
	}
	if d.Source != "" {
		source = d.Source
	}
	return []string{
		"-f", format,
		"-i", source,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-vn",
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(d.rate()),
		"pipe:1",
	}
}

func (d *Device) rate() int {
	if d.SampleRate > 0 {
		return d.SampleRate
	}
	return DefaultSampleRate
}

// Acquire implements [capture.Device]. It starts ffmpeg and waits until the
// first samples arrive, so device failures surface here rather than later.
// The subprocess is not bound to ctx; it runs until the input is stopped.
func (d *Device) Acquire(ctx context.Context, _ capture.Constraints) (capture.Input, error) {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	bin := d.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	if d.Command == nil {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("local: %w: ffmpeg not found: %v", capture.ErrNoDevice, err)
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := newCommand(procCtx, d.Command, bin, d.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("local: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("local: start ffmpeg: %w", err)
	}

	in := &input{
		cmd:    cmd,
		cancel: cancel,
		r:      bufio.NewReaderSize(stdout, readChunk*4),
		rate:   d.rate(),
		stderr: stderr,
		log:    log,
		done:   make(chan struct{}),
	}
	if err := in.probe(ctx, d.probeTimeout()); err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, classify(err, stderr.lastLine())
	}
	log.Debug("local: microphone acquired", "format", d.Args()[1], "rate", in.rate)
	return in, nil
}

func (d *Device) probeTimeout() time.Duration {
	if d.ProbeTimeout > 0 {
		return d.ProbeTimeout
	}
	return DefaultProbeTimeout
}

// classify maps ffmpeg's diagnostics onto the capture sentinels.
func classify(err error, detail string) error {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not authorized"):
		return fmt.Errorf("local: %w: %s", capture.ErrPermissionDenied, detail)
	case strings.Contains(lower, "device or resource busy"):
		return fmt.Errorf("local: %w: %s", capture.ErrDeviceBusy, detail)
	case strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open audio device"),
		strings.Contains(lower, "input/output error"):
		return fmt.Errorf("local: %w: %s", capture.ErrNoDevice, detail)
	}
	if detail != "" {
		return fmt.Errorf("local: ffmpeg: %s: %w", detail, err)
	}
	return fmt.Errorf("local: ffmpeg: %w", err)
}

// input is one running ffmpeg capture.
type input struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	r      *bufio.Reader
	rate   int
	stderr *tailBuffer
	log    *slog.Logger

	mu      sync.Mutex
	process func([]float32)

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// probe waits for the first bytes of audio, the process exiting, or timeout.
func (in *input) probe(ctx context.Context, timeout time.Duration) error {
	ready := make(chan error, 1)
	go func() {
		_, err := in.r.Peek(2)
		ready <- err
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-ready:
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("exited before producing audio")
			}
			return err
		}
		return nil
	case <-t.C:
		return errors.New("timed out waiting for audio")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *input) SampleRate() int { return in.rate }

// Connect starts the reader goroutine.
func (in *input) Connect(process func([]float32)) error {
	in.mu.Lock()
	in.process = process
	in.mu.Unlock()
	in.startOnce.Do(func() { go in.read() })
	return nil
}

func (in *input) read() {
	defer close(in.done)
	buf := make([]byte, readChunk)
	var carry []byte
	for {
		n, err := in.r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			whole := len(chunk) &^ 1
			samples := audio.PCM16ToFloat(chunk[:whole])
			carry = append(carry[:0:0], chunk[whole:]...)
			in.mu.Lock()
			if in.process != nil {
				in.process(samples)
			}
			in.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				in.log.Debug("local: capture read", "err", err)
			}
			return
		}
	}
}

func (in *input) DisconnectProcessor() {
	in.mu.Lock()
	in.process = nil
	in.mu.Unlock()
}

func (in *input) DisconnectSource() {}

// StopTracks interrupts ffmpeg, releasing the microphone.
func (in *input) StopTracks() {
	in.stopOnce.Do(in.cancel)
}

// Close waits for the reader to drain and ffmpeg to exit.
func (in *input) Close() error {
	in.StopTracks()
	in.startOnce.Do(func() { close(in.done) })
	<-in.done
	err := in.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("local: wait ffmpeg: %w", err)
	}
	return nil
}

package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dadfix/homefix/pkg/audio"
	"github.com/dadfix/homefix/pkg/audio/playback"
)

// Sink plays frames through a long-lived ffplay subprocess. Play writes the
// frame and then waits for its duration so callers observe real playback
// progress. Cancelling a Play interrupts ffplay to silence whatever it has
// buffered; the next Play starts a fresh process.
type Sink struct {
	// FFplayPath is the ffplay binary. Empty means "ffplay" from PATH.
	FFplayPath string

	// SampleRate is the rate of the frames passed to Play. Zero means
	// [audio.OutputSampleRate].
	SampleRate int

	// Command builds the subprocess. Nil means [exec.CommandContext].
	Command CommandFunc

	// Logger receives subprocess diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	mu     sync.Mutex
	proc   *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	// ahead is when audio already written to ffplay finishes playing.
	ahead time.Time
}

var _ playback.Sink = (*Sink)(nil)

// Args returns the ffplay arguments.
func (s *Sink) Args() []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(s.rate()),
		"-ac", "1",
		"-nodisp",
		"-autoexit",
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
	}
}

func (s *Sink) rate() int {
	if s.SampleRate > 0 {
		return s.SampleRate
	}
	return audio.OutputSampleRate
}

// Play implements [playback.Sink].
func (s *Sink) Play(ctx context.Context, f audio.AudioFrame) error {
	if f.SampleRate > 0 && f.SampleRate != s.rate() {
		f.Samples = audio.Resample(f.Samples, f.SampleRate, s.rate())
		f.SampleRate = s.rate()
	}
	pcm := audio.FloatToPCM16(f.Samples)

	s.mu.Lock()
	if err := s.ensureLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		s.stopLocked()
		s.mu.Unlock()
		return fmt.Errorf("local: write ffplay: %w", err)
	}
	now := time.Now()
	if s.ahead.Before(now) {
		s.ahead = now
	}
	s.ahead = s.ahead.Add(f.Duration())
	wait := time.Until(s.ahead)
	s.mu.Unlock()

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.stopLocked()
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Close stops ffplay.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Sink) ensureLocked() error {
	if s.proc != nil {
		return nil
	}
	bin := s.FFplayPath
	if bin == "" {
		bin = "ffplay"
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := newCommand(ctx, s.Command, bin, s.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("local: stdin pipe: %w", err)
	}
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("local: start ffplay: %w", err)
	}
	s.proc, s.stdin, s.cancel = cmd, stdin, cancel
	s.ahead = time.Time{}

	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			log.Debug("local: ffplay exited", "err", err)
		} else if line := stderr.lastLine(); line != "" {
			log.Debug("local: ffplay exited", "stderr", line)
		}
	}()
	return nil
}

// stopLocked interrupts the current process, dropping audio ffplay has
// already buffered.
func (s *Sink) stopLocked() {
	if s.proc == nil {
		return
	}
	_ = s.stdin.Close()
	s.cancel()
	s.proc, s.stdin, s.cancel = nil, nil, nil
	s.ahead = time.Time{}
}

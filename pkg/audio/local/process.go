// Package local provides a [capture.Device] and a [playback.Sink] backed by
// ffmpeg and ffplay subprocesses, for running a voice chat from a terminal.
//
// Both sides exchange raw mono s16le over stdio. The microphone is opened by
// ffmpeg using the platform's input format (alsa, avfoundation or dshow);
// playback pipes the model's 24 kHz output into ffplay.
package local

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ShutdownTimeout bounds how long a subprocess may take to exit after an
// interrupt before it is killed.
const ShutdownTimeout = 2 * time.Second

// CommandFunc builds a subprocess. It matches [exec.CommandContext] and exists
// so tests can substitute a helper process.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// DefaultInput returns ffmpeg's input format and device for the current OS.
func DefaultInput() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// newCommand prepares cmd for a graceful stop: cancelling its context sends
// an interrupt and kills it after ShutdownTimeout.
func newCommand(ctx context.Context, build CommandFunc, name string, args ...string) *exec.Cmd {
	if build == nil {
		build = exec.CommandContext
	}
	cmd := build(ctx, name, args...)
	cmd.Cancel = func() error {
		if runtime.GOOS == "windows" {
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = ShutdownTimeout
	return cmd
}

// tailBuffer keeps the last few KiB written to it. Used for stderr capture.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const tailLimit = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - tailLimit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

// lastLine returns the last non-empty line written.
func (t *tailBuffer) lastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(t.buf.String()), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Package voicechat composes the capture pipeline, the model session and the
// playback pipeline into the single-button voice chat interaction.
//
// Microphone frames flow Recorder → Session.SendAudio; model audio flows
// Session → Player.Enqueue. A single [Controller.Toggle] drives everything:
// stop talking, reconnect, or barge in and start talking, depending on the
// current state. [Controller.Status] derives the one-line status shown to
// the user.
package voicechat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dadfix/homefix/internal/observe"
	"github.com/dadfix/homefix/internal/session"
	"github.com/dadfix/homefix/pkg/audio/capture"
	"github.com/dadfix/homefix/pkg/audio/playback"
)

// Status texts.
const (
	StatusIdle       = "Click mic to start talking"
	StatusConnecting = "Connecting..."
	StatusError      = "Connection error. Click mic to reconnect."
	StatusListening  = "🎤 Listening... (click mic to send)"
	StatusSpeaking   = "🔊 Assistant speaking..."

	micErrorPrefix = "Microphone error: "
)

// Session is the subset of [*session.Client] the controller drives.
type Session interface {
	Start(ctx context.Context) error
	End(ctx context.Context)
	SendAudio(base64PCM string)
	StopAudioInput()
	State() session.State
}

// compile-time assertion.
var _ Session = (*session.Client)(nil)

// SessionFactory builds the controller's session with the given handlers
// installed. It is called exactly once by [New].
type SessionFactory func(h session.Handlers) Session

// Observer receives UI-facing notifications. Any field may be nil.
type Observer struct {
	// OnStatus is called with the new status text whenever it changes.
	OnStatus func(status string)

	// OnState mirrors session state changes.
	OnState func(session.State)

	// OnTranscript mirrors transcript updates.
	OnTranscript func(session.TranscriptUpdate)

	// OnError receives user-visible session errors.
	OnError func(error)
}

// Option is a functional option for [New].
type Option func(*options)

type options struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	observer Observer
	recOpts  []capture.Option
}

// WithLogger sets the logger for the controller and its pipelines.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics wires the audio-path counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver installs UI notifications.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithRecorderOptions passes extra options to the capture recorder.
func WithRecorderOptions(opts ...capture.Option) Option {
	return func(o *options) { o.recOpts = append(o.recOpts, opts...) }
}

// Controller is the voice chat interaction. It is safe for concurrent use.
type Controller struct {
	log    *slog.Logger
	obs    Observer
	sess   Session
	rec    *capture.Recorder
	player *playback.Player

	// toggleMu serialises Toggle, Mount and Unmount.
	toggleMu sync.Mutex

	mu         sync.Mutex
	started    bool
	lastStatus string
}

// New wires a controller around a microphone device and an output sink.
func New(newSession SessionFactory, device capture.Device, sink playback.Sink, opts ...Option) *Controller {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	m := o.metrics
	ctx := context.Background()

	c := &Controller{log: o.log, obs: o.observer, lastStatus: StatusIdle}

	c.player = playback.NewPlayer(sink,
		playback.WithLogger(o.log),
		playback.WithHooks(
			func() { m.PlaybackBuffers.Add(ctx, 1) },
			func() { m.PlaybackDecodeErrors.Add(ctx, 1) },
		),
	)
	c.player.OnStateChange(func(bool) { c.notify() })

	c.sess = newSession(session.Handlers{
		OnStateChange: c.onState,
		OnTranscript:  c.onTranscript,
		OnAudioOutput: c.onAudio,
		OnError:       c.onError,
		OnInterrupted: c.player.Stop,
	})

	recOpts := append([]capture.Option{
		capture.WithLogger(o.log),
		capture.WithFrameHooks(
			func() { m.AudioFramesSent.Add(ctx, 1) },
			func(n int64) { m.AudioFramesDropped.Add(ctx, n) },
		),
	}, o.recOpts...)
	c.rec = capture.NewRecorder(device, c.sess.SendAudio, recOpts...)
	return c
}

// Mount auto-starts the session once. A second Mount before [Unmount] is a
// no-op.
func (c *Controller) Mount(ctx context.Context) error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.log.Debug("voicechat: skipping duplicate session start")
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.sess.Start(ctx); err != nil {
		c.log.Warn("voicechat: start session", "err", err)
		return err
	}
	return nil
}

// Unmount releases the microphone, stops playback and ends the session. The
// next Mount starts a fresh session.
func (c *Controller) Unmount(ctx context.Context) {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	c.rec.Stop()
	c.player.Stop()
	c.sess.End(ctx)

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	c.notify()
}

// Toggle is the single mic action:
//   - recording: stop capture and close the current audio input;
//   - disconnected or error: start a new session;
//   - connecting: nothing;
//   - connected: cut any assistant playback and start capture.
func (c *Controller) Toggle(ctx context.Context) error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	defer c.notify()

	if c.rec.Recording() {
		c.log.Debug("voicechat: stop recording")
		c.rec.Stop()
		c.sess.StopAudioInput()
		return nil
	}

	switch c.sess.State() {
	case session.StateConnected:
	case session.StateConnecting:
		return nil
	default:
		c.log.Info("voicechat: reconnecting")
		return c.sess.Start(ctx)
	}

	c.log.Debug("voicechat: start recording")
	c.player.Stop()
	if err := c.rec.Start(ctx); err != nil {
		c.log.Warn("voicechat: start recording", "err", err)
		return err
	}
	return nil
}

// Status derives the status text. Precedence: microphone error, connecting,
// connection error, recording, playing, connected, idle.
func (c *Controller) Status() string {
	if err := c.rec.Err(); err != nil {
		return micErrorPrefix + micMessage(err)
	}
	state := c.sess.State()
	switch {
	case state == session.StateConnecting:
		return StatusConnecting
	case state == session.StateError:
		return StatusError
	case c.rec.Recording():
		return StatusListening
	case c.player.Playing():
		return StatusSpeaking
	default:
		return StatusIdle
	}
}

// Recording reports whether the microphone is live.
func (c *Controller) Recording() bool { return c.rec.Recording() }

// Playing reports whether assistant audio is playing or queued.
func (c *Controller) Playing() bool { return c.player.Playing() }

// State returns the session state.
func (c *Controller) State() session.State { return c.sess.State() }

// ── session handlers ───────────────────────────────────────────────────────────

func (c *Controller) onState(s session.State) {
	if s == session.StateError {
		// The session is gone; release the microphone and drop queued audio.
		c.rec.Stop()
		c.player.Stop()
	}
	if c.obs.OnState != nil {
		c.obs.OnState(s)
	}
	c.notify()
}

func (c *Controller) onTranscript(u session.TranscriptUpdate) {
	if c.obs.OnTranscript != nil {
		c.obs.OnTranscript(u)
	}
}

func (c *Controller) onAudio(b64 string) {
	// Decode failures are logged and counted by the player.
	_ = c.player.Enqueue(b64)
}

func (c *Controller) onError(err error) {
	if c.obs.OnError != nil {
		c.obs.OnError(err)
	}
}

// notify publishes the status if it changed.
func (c *Controller) notify() {
	status := c.Status()
	c.mu.Lock()
	if status == c.lastStatus {
		c.mu.Unlock()
		return
	}
	c.lastStatus = status
	c.mu.Unlock()
	if c.obs.OnStatus != nil {
		c.obs.OnStatus(status)
	}
}

func micMessage(err error) string {
	var de *capture.DeviceError
	if errors.As(err, &de) {
		return de.Message()
	}
	return err.Error()
}

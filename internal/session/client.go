// Package session owns the bidirectional stream to the speech-to-speech
// model: session lifecycle, outbound event sequencing and inbound event
// interpretation.
//
// A [Client] runs at most one [Session] at a time. Every asynchronous effect
// of a session (inbound events, keepalive ticks, stream failures) first checks
// that the session is still the active one and is dropped otherwise, so rapid
// stop/start cycles never leak transcripts or audio from a superseded session.
//
// State machine:
//
//	disconnected → connecting → connected
//	connecting   → error        (no credentials, open failed)
//	connected    → error        (stream failure)
//	error        → connecting   (explicit restart, always a new session)
//	any          → disconnected (End)
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dadfix/homefix/internal/observe"
	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// ErrSuperseded is returned by [Client.Start] when the session was ended or
// replaced before its stream opened.
var ErrSuperseded = errors.New("session: superseded before connect")

// Defaults applied by [NewClient] for zero [Config] fields.
const (
	DefaultVoiceID           = "matthew"
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultTeardownPause     = 100 * time.Millisecond
	DefaultCloseGrace        = 5 * time.Second
)

// State is the lifecycle state of a [Client].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds the per-deployment session parameters.
type Config struct {
	// ModelID and Region are passed through to the transport.
	ModelID string
	Region  string

	// VoiceID names the output voice. Default: "matthew".
	VoiceID string

	// Inference is sent with sessionStart. Zero selects [DefaultInference].
	Inference InferenceConfig

	// SystemPrompt overrides [DefaultSystemPrompt].
	SystemPrompt string

	// KeepaliveInterval is how long the audio input may stay idle before
	// half a second of silence is sent. Negative disables the keepalive.
	KeepaliveInterval time.Duration

	// TeardownPause is inserted between the closing events of End.
	TeardownPause time.Duration

	// CloseGrace bounds how long an ended session's stream is left open for
	// the remote side to finish.
	CloseGrace time.Duration
}

// TranscriptUpdate describes a change to a session's transcript.
type TranscriptUpdate struct {
	SessionID string

	// Index is the position of the affected turn in the session's log.
	Index int

	// Turn is the turn after the fragment was merged.
	Turn Turn

	// Fragment is the text received from the model.
	Fragment string

	// Stage is the model's generation stage (SPECULATIVE or FINAL) when
	// reported.
	Stage string
}

// Handlers are the callbacks a [Client] invokes. Any may be nil. Audio,
// transcript and interrupt callbacks run on the session's receive goroutine
// and must not block for long. They must not call Start or End
// synchronously: ending a session waits for its running callback.
type Handlers struct {
	OnStateChange func(State)
	OnTranscript  func(TranscriptUpdate)
	OnAudioOutput func(base64PCM string)
	OnError       func(error)
	OnInterrupted func()
}

// Option is a functional option for [NewClient].
type Option func(*Client)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHandlers sets the callbacks.
func WithHandlers(h Handlers) Option {
	return func(c *Client) { c.h = h }
}

// WithAnalysis sets the analysis text injected into the system prompt.
func WithAnalysis(text string) Option {
	return func(c *Client) { c.analysis = text }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithIDGenerator replaces the UUID generator. Used by tests.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// Client drives voice sessions against one transport. It is safe for
// concurrent use.
type Client struct {
	cfg       Config
	creds     s2s.CredentialsProvider
	transport s2s.Transport
	log       *slog.Logger
	h         Handlers
	metrics   *observe.Metrics
	analysis  string
	newID     func() string

	mu      sync.Mutex
	state   State
	active  *Session
	lastErr error
}

// NewClient creates a Client. creds is consulted on every Start.
func NewClient(cfg Config, creds s2s.CredentialsProvider, transport s2s.Transport, opts ...Option) *Client {
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.Inference == (InferenceConfig{}) {
		cfg.Inference = DefaultInference()
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.TeardownPause <= 0 {
		cfg.TeardownPause = DefaultTeardownPause
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	c := &Client{
		cfg:       cfg,
		creds:     creds,
		transport: transport,
		log:       slog.Default(),
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one logical connection to the model. Its mutable fields are
// guarded by the owning Client's mutex.
type Session struct {
	// ID is a short opaque token used for staleness checks and logging.
	ID string

	// PromptName identifies the prompt for the session's lifetime.
	PromptName string

	contentName string
	role        Role
	stage       string
	transcript  Transcript
	lastAudio   time.Time
	connected   bool

	outbox *Outbox
	log    *slog.Logger

	streamMu  sync.Mutex
	stream    s2s.Stream
	closeOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once

	// retired is set once the session stops being active. Callbacks run
	// under a read lock on deliverMu.
	deliverMu sync.RWMutex
	retired   bool
}

func (c *Client) newSession() *Session {
	id := c.newID()
	if len(id) > 8 {
		id = id[:8]
	}
	return &Session{
		ID:          id,
		PromptName:  c.newID(),
		contentName: c.newID(),
		role:        RoleUser,
		outbox:      NewOutbox(),
		log:         c.log.With("session_id", id),
		stop:        make(chan struct{}),
	}
}

// push encodes ev and queues it. Caller must hold the Client's mutex or own
// the session exclusively.
func (s *Session) push(ev outEvent) error {
	b, err := ev.encode()
	if err != nil {
		return err
	}
	if ev.name != EventAudioInput {
		s.log.Debug("session: push event", "event", ev.name)
	}
	return s.outbox.Push(b)
}

func (s *Session) setStream(st s2s.Stream) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.stream = st
}

func (s *Session) closeStream() {
	s.streamMu.Lock()
	st := s.stream
	s.streamMu.Unlock()
	if st == nil {
		return
	}
	s.closeOnce.Do(func() {
		if err := st.Close(); err != nil {
			s.log.Debug("session: close stream", "err", err)
		}
	})
}

// retire blocks further callbacks and waits for a running one to return.
func (s *Session) retire() {
	s.deliverMu.Lock()
	s.retired = true
	s.deliverMu.Unlock()
}

// halt stops background goroutines and closes the outbound queue.
func (s *Session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.outbox.Close()
}

// ── lifecycle ──────────────────────────────────────────────────────────────────

// Start begins a new session: fresh identifiers, credentials, the
// initialisation events, then the transport. Any previous session is
// superseded. The client is connected only once the transport has returned a
// stream.
func (c *Client) Start(ctx context.Context) error {
	sess := c.newSession()

	c.mu.Lock()
	prev := c.active
	prevConnected := prev != nil && prev.connected
	c.active = sess
	c.state = StateConnecting
	c.lastErr = nil
	c.mu.Unlock()

	if prev != nil {
		prev.log.Info("session: superseded")
		prev.retire()
		prev.halt()
		prev.closeStream()
		if prevConnected {
			c.metrics.RecordSessionEnd(ctx)
		}
	}
	c.emitState(StateConnecting)

	ctx, span := observe.StartSessionSpan(ctx, "start", sess.ID)
	defer span.End()
	log := observe.LoggerFrom(ctx, sess.log)
	started := time.Now()
	log.Info("session: starting", "model", c.cfg.ModelID, "region", c.cfg.Region)

	creds, err := c.creds.Credentials(ctx)
	if err == nil && !creds.Valid() {
		err = ErrNoCredentials
	}
	if err != nil {
		cerr := &CredentialError{Err: err}
		c.fail(ctx, sess, cerr, "credentials")
		return cerr
	}

	// Queue the initialisation sequence before the transport opens; it drains
	// as soon as the stream is live.
	c.mu.Lock()
	if !c.isCurrentLocked(sess) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	for _, ev := range c.initEvents(sess) {
		if err := sess.push(ev); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("session: queue init: %w", err)
		}
	}
	c.mu.Unlock()

	stream, err := c.transport.Open(ctx, s2s.OpenRequest{
		ModelID:     c.cfg.ModelID,
		Region:      c.cfg.Region,
		Credentials: creds,
		Outbound:    sess.outbox,
	})
	if err != nil {
		terr := &TransportError{Op: "open", Err: err}
		c.fail(ctx, sess, terr, "transport")
		return terr
	}
	sess.setStream(stream)

	c.mu.Lock()
	if !c.isCurrentLocked(sess) {
		c.mu.Unlock()
		log.Info("session: ended before stream opened")
		sess.closeStream()
		return ErrSuperseded
	}
	sess.connected = true
	sess.lastAudio = time.Now()
	c.state = StateConnected
	c.mu.Unlock()

	c.metrics.RecordSessionStart(ctx, time.Since(started).Seconds())
	log.Info("session: connected", "elapsed", time.Since(started))
	c.emitState(StateConnected)

	go c.receive(sess, stream)
	if c.cfg.KeepaliveInterval > 0 {
		go c.keepalive(sess)
	}
	return nil
}

// initEvents builds the session initialisation sequence.
func (c *Client) initEvents(sess *Session) []outEvent {
	systemContent := c.newID()
	return []outEvent{
		sessionStartEvent(c.cfg.Inference),
		promptStartEvent(sess.PromptName, c.cfg.VoiceID),
		textContentStartEvent(sess.PromptName, systemContent, roleSystem),
		textInputEvent(sess.PromptName, systemContent, BuildSystemPrompt(c.cfg.SystemPrompt, c.analysis)),
		contentEndEvent(sess.PromptName, systemContent),
		audioContentStartEvent(sess.PromptName, sess.contentName),
	}
}

// End closes the active session: it is marked inactive first, then the
// closing events are queued with a short pause between them and the outbound
// queue is closed. The client ends disconnected even if queueing fails,
// unless a new session was started in the meantime.
func (c *Client) End(ctx context.Context) {
	c.mu.Lock()
	sess := c.active
	c.active = nil
	wasConnected := sess != nil && sess.connected
	if sess == nil {
		changed := c.state != StateDisconnected
		c.state = StateDisconnected
		c.mu.Unlock()
		if changed {
			c.emitState(StateDisconnected)
		}
		return
	}
	content := sess.contentName
	c.mu.Unlock()

	sess.retire()
	sess.log.Info("session: ending")
	steps := []outEvent{
		contentEndEvent(sess.PromptName, content),
		promptEndEvent(sess.PromptName),
		sessionEndEvent(),
	}
	for _, ev := range steps {
		if err := sess.push(ev); err != nil {
			sess.log.Debug("session: queue teardown event", "event", ev.name, "err", err)
		}
		pause(ctx, c.cfg.TeardownPause)
	}
	sess.halt()
	time.AfterFunc(c.cfg.CloseGrace, sess.closeStream)

	if wasConnected {
		c.metrics.RecordSessionEnd(ctx)
	}

	c.mu.Lock()
	changed := c.active == nil && c.state != StateDisconnected
	if c.active == nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if changed {
		c.emitState(StateDisconnected)
	}
}

// fail moves the client to the error state if sess is still active.
func (c *Client) fail(ctx context.Context, sess *Session, err error, kind string) {
	c.mu.Lock()
	if !c.isCurrentLocked(sess) {
		c.mu.Unlock()
		sess.retire()
		sess.halt()
		sess.closeStream()
		return
	}
	wasConnected := sess.connected
	c.active = nil
	c.state = StateError
	c.lastErr = err
	c.mu.Unlock()

	sess.retire()
	sess.halt()
	sess.closeStream()
	if wasConnected {
		c.metrics.RecordSessionEnd(ctx)
	}
	c.metrics.RecordSessionError(ctx, kind)
	sess.log.Warn("session: failed", "kind", kind, "err", err)

	c.emitState(StateError)
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
}

// ── input ──────────────────────────────────────────────────────────────────────

// SendAudio queues one base64 PCM16 16 kHz frame under the current audio
// content. It is a no-op unless connected.
func (c *Client) SendAudio(base64PCM string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.active
	if sess == nil || c.state != StateConnected {
		return
	}
	if err := sess.push(audioInputEvent(sess.PromptName, sess.contentName, base64PCM)); err != nil {
		sess.log.Debug("session: drop audio", "err", err)
		return
	}
	sess.lastAudio = time.Now()
}

// StopAudioInput closes the current audio content and immediately opens a
// new one, so the next utterance has a target. The session stays connected.
// It is a no-op unless connected.
func (c *Client) StopAudioInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.active
	if sess == nil || c.state != StateConnected {
		return
	}
	sess.log.Debug("session: audio input released")
	if err := sess.push(contentEndEvent(sess.PromptName, sess.contentName)); err != nil {
		sess.log.Debug("session: stop audio input", "err", err)
		return
	}
	sess.contentName = c.newID()
	if err := sess.push(audioContentStartEvent(sess.PromptName, sess.contentName)); err != nil {
		sess.log.Debug("session: reopen audio input", "err", err)
	}
}

// SendText sends a typed user turn as its own text content block.
func (c *Client) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.active
	if sess == nil || c.state != StateConnected {
		return ErrNotConnected
	}
	content := c.newID()
	for _, ev := range []outEvent{
		textContentStartEvent(sess.PromptName, content, roleUser),
		textInputEvent(sess.PromptName, content, text),
		contentEndEvent(sess.PromptName, content),
	} {
		if err := sess.push(ev); err != nil {
			return fmt.Errorf("session: send text: %w", err)
		}
	}
	return nil
}

// ── inbound ────────────────────────────────────────────────────────────────────

// receive interprets inbound envelopes until the stream ends or the session
// goes stale.
func (c *Client) receive(sess *Session, stream s2s.Stream) {
	defer sess.closeStream()
	ctx := context.Background()
	count := 0
	for env := range stream.Events() {
		if !c.isCurrent(sess) {
			sess.log.Debug("session: no longer active, stopping receive", "events", count)
			return
		}
		count++
		c.handle(ctx, sess, env)
	}
	if !c.isCurrent(sess) {
		return
	}
	err := stream.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	c.fail(ctx, sess, &TransportError{Op: "receive", Err: err}, "transport")
}

func (c *Client) handle(ctx context.Context, sess *Session, env s2s.Envelope) {
	ev, err := decodeEnvelope(env)
	if err != nil {
		sess.log.Warn("session: unrecognized envelope", "err", err, "bytes", len(env.Bytes))
		c.metrics.ProtocolUnrecognized.Add(ctx, 1)
		return
	}

	in := interpret(ev)
	switch in.kind {
	case kindContentStart:
		c.mu.Lock()
		if c.isCurrentLocked(sess) {
			if in.role != "" {
				sess.role = in.role
			}
			sess.stage = in.stage
		}
		c.mu.Unlock()
		sess.log.Debug("session: content start", "role", in.role, "stage", in.stage)

	case kindTextOutput:
		if in.text == "" {
			return
		}
		if isInterrupt(in.text) {
			c.interrupted(sess)
			return
		}
		c.mu.Lock()
		if !c.isCurrentLocked(sess) {
			c.mu.Unlock()
			return
		}
		idx, changed := sess.transcript.Append(sess.role, in.text)
		upd := TranscriptUpdate{
			SessionID: sess.ID,
			Index:     idx,
			Turn:      sess.transcript.Turn(idx),
			Fragment:  in.text,
			Stage:     sess.stage,
		}
		c.mu.Unlock()
		if changed && c.h.OnTranscript != nil {
			c.deliver(sess, func() { c.h.OnTranscript(upd) })
		}

	case kindAudioOutput:
		if in.text == "" || c.h.OnAudioOutput == nil {
			return
		}
		c.deliver(sess, func() { c.h.OnAudioOutput(in.text) })

	case kindContentEnd:
		if in.stop == "INTERRUPTED" {
			c.interrupted(sess)
		}

	default:
		sess.log.Debug("session: ignoring event", "event", in.name)
	}
}

func (c *Client) interrupted(sess *Session) {
	c.deliver(sess, func() {
		sess.log.Debug("session: assistant interrupted")
		if c.h.OnInterrupted != nil {
			c.h.OnInterrupted()
		}
	})
}

// deliver runs fn if sess is still active. A session is retired before the
// call that replaced it returns, so a superseded session's callback either
// finished earlier or never starts.
func (c *Client) deliver(sess *Session, fn func()) {
	sess.deliverMu.RLock()
	defer sess.deliverMu.RUnlock()
	if sess.retired || !c.isCurrent(sess) {
		return
	}
	fn()
}

// keepalive sends silence whenever the audio input has been idle for the
// configured interval.
func (c *Client) keepalive(sess *Session) {
	interval := c.cfg.KeepaliveInterval
	tick := time.NewTicker(max(interval/5, time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-sess.stop:
			return
		case <-tick.C:
		}
		c.mu.Lock()
		if !c.isCurrentLocked(sess) {
			c.mu.Unlock()
			return
		}
		if c.state == StateConnected && time.Since(sess.lastAudio) >= interval {
			if err := sess.push(audioInputEvent(sess.PromptName, sess.contentName, silence)); err == nil {
				sess.lastAudio = time.Now()
				sess.log.Debug("session: keepalive sent")
			}
		}
		c.mu.Unlock()
	}
}

// ── accessors ──────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the client to [StateError], or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SessionID returns the active session's id, or "" when none is active.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.ID
}

// Transcript returns a copy of the active session's transcript.
func (c *Client) Transcript() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.transcript.Turns()
}

func (c *Client) isCurrent(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCurrentLocked(sess)
}

func (c *Client) isCurrentLocked(sess *Session) bool {
	return c.active != nil && c.active.ID == sess.ID
}

func (c *Client) emitState(s State) {
	if c.h.OnStateChange != nil {
		c.h.OnStateChange(s)
	}
}

// pause sleeps for d or until ctx ends.
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Package gateway bridges browser WebSocket clients to voice chat sessions.
//
// Each connection gets its own [voicechat.Controller]: microphone frames
// arrive as binary messages and feed a browser-backed capture device,
// assistant audio leaves as binary PCM16, and everything else is a small JSON
// vocabulary (see messages.go). An optional record id in the query string
// grounds the session on that record's analysis text.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dadfix/homefix/internal/observe"
	"github.com/dadfix/homefix/internal/records"
	"github.com/dadfix/homefix/internal/session"
	"github.com/dadfix/homefix/internal/voicechat"
	"github.com/dadfix/homefix/pkg/audio/capture"
	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// Default limits.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 1 << 20
	endTimeout          = 5 * time.Second
)

// AnalysisSource returns the analysis text for a record.
type AnalysisSource interface {
	Analysis(ctx context.Context, recordID string) (string, error)
}

// TurnArchive persists transcript turns. Save must not block.
type TurnArchive interface {
	Save(t records.Turn)
}

// Config holds gateway settings.
type Config struct {
	// Session is the per-connection session configuration.
	Session session.Config

	// AllowedOrigins are host patterns accepted for cross-origin upgrades.
	// Empty allows same-origin only.
	AllowedOrigins []string

	// WriteTimeout bounds each outbound message.
	WriteTimeout time.Duration

	// CaptureFrameSize overrides the recorder's frame size when positive.
	CaptureFrameSize int
}

// Option is a functional option for [New].
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAnalysisSource enables record grounding.
func WithAnalysisSource(src AnalysisSource) Option {
	return func(h *Handler) { h.analysis = src }
}

// WithTurnArchive enables transcript persistence.
func WithTurnArchive(a TurnArchive) Option {
	return func(h *Handler) { h.archive = a }
}

// Handler upgrades requests to WebSocket voice chat connections.
type Handler struct {
	mu        sync.RWMutex
	cfg       Config
	creds     s2s.CredentialsProvider
	transport s2s.Transport
	log       *slog.Logger
	metrics   *observe.Metrics
	analysis  AnalysisSource
	archive   TurnArchive
}

var _ http.Handler = (*Handler)(nil)

// New creates a Handler.
func New(cfg Config, creds s2s.CredentialsProvider, transport s2s.Transport, opts ...Option) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	h := &Handler{
		cfg:       cfg,
		creds:     creds,
		transport: transport,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Reconfigure replaces the session settings and allowed origins. Open
// connections keep the settings they started with.
func (h *Handler) Reconfigure(sess session.Config, origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.Session = sess
	h.cfg.AllowedOrigins = origins
}

func (h *Handler) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.AllowedOrigins,
	})
	if err != nil {
		observe.LoggerFrom(r.Context(), h.log).Warn("gateway: accept", "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(DefaultReadLimit)

	c := &conn{
		h:        h,
		cfg:      cfg,
		ws:       ws,
		recordID: r.URL.Query().Get("record"),
		log:      observe.LoggerFrom(r.Context(), h.log),
	}
	if c.recordID != "" {
		c.log = c.log.With("record_id", c.recordID)
	}
	c.serve(r.Context())
}

// conn is one browser connection.
type conn struct {
	h        *Handler
	cfg      Config
	ws       *websocket.Conn
	recordID string
	log      *slog.Logger

	client *session.Client
	ctrl   *voicechat.Controller
	dev    *browserDevice
}

func (c *conn) serve(ctx context.Context) {
	c.log.Info("gateway: connection opened")
	defer c.log.Info("gateway: connection closed")

	analysis, ok := c.loadAnalysis(ctx)
	if !ok {
		c.ws.Close(websocket.StatusPolicyViolation, "record unavailable")
		return
	}

	c.dev = newBrowserDevice(func(m micMessage) { c.sendJSON(m) })
	sink := &wsSink{send: c.sendBinary}
	c.ctrl = voicechat.New(
		func(hd session.Handlers) voicechat.Session {
			c.client = session.NewClient(c.cfg.Session, c.h.creds, c.h.transport,
				session.WithHandlers(hd),
				session.WithLogger(c.log),
				session.WithMetrics(c.h.metrics),
				session.WithAnalysis(analysis),
			)
			return c.client
		},
		c.dev, sink,
		voicechat.WithLogger(c.log),
		voicechat.WithMetrics(c.h.metrics),
		voicechat.WithRecorderOptions(capture.WithFrameSize(c.cfg.CaptureFrameSize)),
		voicechat.WithObserver(voicechat.Observer{
			OnStatus:     c.onStatus,
			OnState:      c.onState,
			OnTranscript: c.onTranscript,
			OnError:      c.onError,
		}),
	)
	defer func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
		defer cancel()
		c.ctrl.Unmount(endCtx)
	}()

	c.sendJSON(readyMessage{Type: msgReady, RecordID: c.recordID})

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.log.Debug("gateway: read", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			c.dev.feed(data)
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendJSON(errorMessage{Type: msgError, Message: "Malformed message."})
			continue
		}
		if !c.handle(ctx, msg) {
			return
		}
	}
}

// handle dispatches one text message. It returns false when the connection
// should close.
func (c *conn) handle(ctx context.Context, msg clientMessage) bool {
	switch msg.Type {
	case msgHello:
		c.dev.configure(msg.Mic, msg.SampleRate)
		// Start failures reach the client through OnError.
		_ = c.ctrl.Mount(ctx)
	case msgToggle:
		_ = c.ctrl.Toggle(ctx)
	case msgStartAudio:
		if !c.ctrl.Recording() {
			_ = c.ctrl.Toggle(ctx)
		}
	case msgEndAudio:
		if c.ctrl.Recording() {
			_ = c.ctrl.Toggle(ctx)
		}
	case msgText:
		if err := c.client.SendText(msg.Content); err != nil {
			c.sendJSON(errorMessage{Type: msgError, Message: "Not connected. Click mic to reconnect."})
		}
	case msgPing:
		c.sendJSON(pongMessage{Type: msgPong})
	case msgStop:
		c.ctrl.Unmount(ctx)
		c.ws.Close(websocket.StatusNormalClosure, "stopped")
		return false
	default:
		c.sendJSON(errorMessage{Type: msgError, Message: "Unknown message type: " + msg.Type})
	}
	return true
}

// loadAnalysis fetches the record's analysis text. It reports false after
// telling the client when the record cannot be used.
func (c *conn) loadAnalysis(ctx context.Context) (string, bool) {
	if c.recordID == "" || c.h.analysis == nil {
		return "", true
	}
	text, err := c.h.analysis.Analysis(ctx, c.recordID)
	if err != nil {
		c.log.Warn("gateway: load analysis", "err", err)
		msg := "Could not load the item analysis."
		if errors.Is(err, records.ErrNotFound) {
			msg = "Image analysis not found."
		}
		c.sendJSON(errorMessage{Type: msgError, Message: msg})
		return "", false
	}
	return text, true
}

// ── controller notifications ───────────────────────────────────────────────────

func (c *conn) onStatus(s string) {
	c.sendJSON(statusMessage{Type: msgStatus, Status: s})
}

func (c *conn) onState(s session.State) {
	c.sendJSON(stateMessage{Type: msgState, State: s.String(), SessionID: c.client.SessionID()})
}

func (c *conn) onTranscript(u session.TranscriptUpdate) {
	c.sendJSON(transcriptMessage{
		Type:      msgTranscript,
		SessionID: u.SessionID,
		Index:     u.Index,
		Role:      string(u.Turn.Role),
		Text:      u.Turn.Text,
		Stage:     u.Stage,
	})
	if c.h.archive != nil {
		c.h.archive.Save(records.Turn{
			SessionID: u.SessionID,
			RecordID:  c.recordID,
			Index:     u.Index,
			Role:      string(u.Turn.Role),
			Text:      u.Turn.Text,
		})
	}
}

func (c *conn) onError(err error) {
	c.sendJSON(errorMessage{Type: msgError, Message: session.UserMessage(err)})
}

// ── writes ─────────────────────────────────────────────────────────────────────

// sendJSON writes v as a text message. Failures are logged; the read loop
// notices a dead connection on its own.
func (c *conn) sendJSON(v any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		c.log.Debug("gateway: write", "err", err)
	}
}

func (c *conn) sendBinary(ctx context.Context, pcm []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, pcm)
}

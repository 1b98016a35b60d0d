package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dadfix/homefix/pkg/provider/s2s"
	"github.com/dadfix/homefix/pkg/provider/s2s/mock"
)

// ── helpers ────────────────────────────────────────────────────────────────────

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%04d-0000-0000", n.Add(1)) }
}

func validCreds() *mock.Credentials {
	return &mock.Credentials{Result: s2s.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "secret"}}
}

// observer records every handler invocation.
type observer struct {
	mu         sync.Mutex
	states     []State
	updates    []TranscriptUpdate
	audio      []string
	errs       []error
	interrupts int
}

func (o *observer) handlers() Handlers {
	return Handlers{
		OnStateChange: func(s State) { o.mu.Lock(); o.states = append(o.states, s); o.mu.Unlock() },
		OnTranscript:  func(u TranscriptUpdate) { o.mu.Lock(); o.updates = append(o.updates, u); o.mu.Unlock() },
		OnAudioOutput: func(b string) { o.mu.Lock(); o.audio = append(o.audio, b); o.mu.Unlock() },
		OnError:       func(err error) { o.mu.Lock(); o.errs = append(o.errs, err); o.mu.Unlock() },
		OnInterrupted: func() { o.mu.Lock(); o.interrupts++; o.mu.Unlock() },
	}
}

func (o *observer) snapshot() observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return observer{
		states:     slices.Clone(o.states),
		updates:    slices.Clone(o.updates),
		audio:      slices.Clone(o.audio),
		errs:       slices.Clone(o.errs),
		interrupts: o.interrupts,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type sentEvent struct {
	name string
	body map[string]any
}

func (e sentEvent) str(key string) string {
	s, _ := e.body[key].(string)
	return s
}

func decodeSent(t *testing.T, raw [][]byte) []sentEvent {
	t.Helper()
	out := make([]sentEvent, 0, len(raw))
	for _, b := range raw {
		var w struct {
			Event map[string]map[string]any `json:"event"`
		}
		if err := json.Unmarshal(b, &w); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		if len(w.Event) != 1 {
			t.Fatalf("envelope %s has %d events, want 1", b, len(w.Event))
		}
		for name, body := range w.Event {
			out = append(out, sentEvent{name: name, body: body})
		}
	}
	return out
}

func waitSent(t *testing.T, tr *mock.Transport, n int) []sentEvent {
	t.Helper()
	eventually(t, fmt.Sprintf("%d outbound events", n), func() bool { return len(tr.Sent()) >= n })
	return decodeSent(t, tr.Sent())
}

func names(evs []sentEvent) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.name
	}
	return out
}

func envelope(name string, payload any) s2s.Envelope {
	b, _ := json.Marshal(map[string]any{"event": map[string]any{name: payload}})
	return s2s.Envelope{Bytes: b}
}

func newTestClient(t *testing.T, creds s2s.CredentialsProvider, tr s2s.Transport, obs *observer, opts ...Option) *Client {
	t.Helper()
	cfg := Config{
		ModelID:           "amazon.nova-2-sonic-v1:0",
		Region:            "us-east-1",
		KeepaliveInterval: -1,
		TeardownPause:     time.Millisecond,
		CloseGrace:        10 * time.Millisecond,
	}
	base := []Option{WithIDGenerator(seqIDs()), WithHandlers(obs.handlers())}
	return NewClient(cfg, creds, tr, append(base, opts...)...)
}

// ── lifecycle ──────────────────────────────────────────────────────────────────

func TestClient_StartSendsInitSequence(t *testing.T) {
	tr := &mock.Transport{}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs, WithAnalysis("A leaking kitchen tap."))

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("State() = %v, want connected", got)
	}
	if got := obs.snapshot().states; !slices.Equal(got, []State{StateConnecting, StateConnected}) {
		t.Errorf("states = %v, want [connecting connected]", got)
	}

	req := tr.Requests[0]
	if req.ModelID != "amazon.nova-2-sonic-v1:0" || req.Region != "us-east-1" {
		t.Errorf("request = %q/%q", req.ModelID, req.Region)
	}
	if req.Credentials.AccessKeyID != "AKIA" {
		t.Errorf("credentials not forwarded: %+v", req.Credentials)
	}

	evs := waitSent(t, tr, 6)
	want := []string{EventSessionStart, EventPromptStart, EventContentStart, EventTextInput, EventContentEnd, EventContentStart}
	if got := names(evs); !slices.Equal(got, want) {
		t.Fatalf("init sequence = %v, want %v", got, want)
	}

	inf := evs[0].body["inferenceConfiguration"].(map[string]any)
	if inf["maxTokens"] != float64(1024) || inf["topP"] != 0.9 || inf["temperature"] != 0.7 {
		t.Errorf("inferenceConfiguration = %v", inf)
	}

	out := evs[1].body["audioOutputConfiguration"].(map[string]any)
	if out["sampleRateHertz"] != float64(24000) || out["voiceId"] != "matthew" {
		t.Errorf("audioOutputConfiguration = %v", out)
	}

	prompt := evs[1].str("promptName")
	for i, e := range evs[1:] {
		if e.str("promptName") != prompt {
			t.Errorf("event %d promptName = %q, want %q", i+1, e.str("promptName"), prompt)
		}
	}

	if evs[2].str("role") != "SYSTEM" || evs[2].str("type") != "TEXT" {
		t.Errorf("system content start = %v", evs[2].body)
	}
	if text := evs[3].str("content"); !strings.Contains(text, "homeFix") || !strings.HasSuffix(strings.TrimSpace(text), "A leaking kitchen tap.") {
		t.Errorf("system prompt = %q", text)
	}
	if evs[2].str("contentName") != evs[4].str("contentName") {
		t.Error("system text content not closed by its own contentEnd")
	}

	audio := evs[5]
	if audio.str("role") != "USER" || audio.str("type") != "AUDIO" {
		t.Errorf("audio content start = %v", audio.body)
	}
	in := audio.body["audioInputConfiguration"].(map[string]any)
	if in["sampleRateHertz"] != float64(16000) || in["encoding"] != "base64" {
		t.Errorf("audioInputConfiguration = %v", in)
	}
}

func TestClient_StartWithoutCredentials(t *testing.T) {
	tr := &mock.Transport{}
	obs := &observer{}
	c := newTestClient(t, &mock.Credentials{}, tr, obs)

	err := c.Start(t.Context())
	var ce *CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("Start err = %v, want *CredentialError", err)
	}
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("errors.Is(err, ErrNoCredentials) = false for %v", err)
	}
	if tr.OpenCount() != 0 {
		t.Error("transport opened without credentials")
	}

	snap := obs.snapshot()
	if !slices.Equal(snap.states, []State{StateConnecting, StateError}) {
		t.Errorf("states = %v, want [connecting error]", snap.states)
	}
	if len(snap.errs) != 1 {
		t.Errorf("OnError called %d times, want 1", len(snap.errs))
	}
	if c.Err() == nil {
		t.Error("Err() = nil in error state")
	}
	if msg := UserMessage(c.Err()); !strings.Contains(msg, "credentials") {
		t.Errorf("UserMessage = %q", msg)
	}
}

func TestClient_StartCredentialProviderError(t *testing.T) {
	creds := &mock.Credentials{Err: errors.New("sso token expired")}
	c := newTestClient(t, creds, &mock.Transport{}, &observer{})

	err := c.Start(t.Context())
	var ce *CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("Start err = %v, want *CredentialError", err)
	}
	if c.State() != StateError {
		t.Errorf("State() = %v, want error", c.State())
	}
}

func TestClient_StartOpenFailure(t *testing.T) {
	tr := &mock.Transport{OpenErr: fmt.Errorf("dial: %w", s2s.ErrUnavailable)}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs)

	err := c.Start(t.Context())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "open" {
		t.Fatalf("Start err = %v, want open TransportError", err)
	}
	if !errors.Is(err, s2s.ErrUnavailable) {
		t.Error("cause not preserved")
	}
	if got := obs.snapshot().states; !slices.Equal(got, []State{StateConnecting, StateError}) {
		t.Errorf("states = %v, want [connecting error]", got)
	}
	if msg := UserMessage(err); msg != "The voice service is unavailable right now." {
		t.Errorf("UserMessage = %q", msg)
	}
}

func TestClient_RestartAfterError(t *testing.T) {
	creds := &mock.Credentials{Err: errors.New("expired")}
	tr := &mock.Transport{}
	c := newTestClient(t, creds, tr, &observer{})

	_ = c.Start(t.Context())
	if c.State() != StateError {
		t.Fatalf("State() = %v, want error", c.State())
	}

	creds.Err = nil
	creds.Result = s2s.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "secret"}
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v after successful restart", c.Err())
	}
	if creds.CallCount != 2 {
		t.Errorf("credentials fetched %d times, want 2", creds.CallCount)
	}
}

func TestClient_End(t *testing.T) {
	tr := &mock.Transport{}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initEvs := waitSent(t, tr, 6)
	audioContent := initEvs[5].str("contentName")

	c.End(t.Context())

	select {
	case <-tr.Drained():
	case <-time.After(2 * time.Second):
		t.Fatal("outbound queue not closed after End")
	}
	evs := decodeSent(t, tr.Sent())
	tail := names(evs[len(evs)-3:])
	if !slices.Equal(tail, []string{EventContentEnd, EventPromptEnd, EventSessionEnd}) {
		t.Fatalf("teardown = %v", tail)
	}
	if got := evs[len(evs)-3].str("contentName"); got != audioContent {
		t.Errorf("contentEnd contentName = %q, want %q", got, audioContent)
	}

	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if c.SessionID() != "" {
		t.Error("SessionID() not cleared")
	}
	states := obs.snapshot().states
	if states[len(states)-1] != StateDisconnected {
		t.Errorf("last state = %v, want disconnected", states[len(states)-1])
	}

	// The stream is closed once the grace period elapses.
	st := tr.StreamAt(0).(*mock.Stream)
	eventually(t, "stream close", st.Closed)

	before := len(obs.snapshot().states)
	c.End(t.Context())
	if after := len(obs.snapshot().states); after != before {
		t.Error("second End emitted a state change")
	}
}

func TestClient_EndFromError(t *testing.T) {
	c := newTestClient(t, &mock.Credentials{}, &mock.Transport{}, &observer{})
	_ = c.Start(t.Context())

	c.End(t.Context())
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}

func TestClient_EndDuringConnect(t *testing.T) {
	gate := make(chan struct{})
	inner := &mock.Transport{}
	tr := s2s.TransportFunc(func(ctx context.Context, req s2s.OpenRequest) (s2s.Stream, error) {
		<-gate
		return inner.Open(ctx, req)
	})
	c := newTestClient(t, validCreds(), tr, &observer{})

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	eventually(t, "connecting", func() bool { return c.State() == StateConnecting })

	c.End(t.Context())
	close(gate)

	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Start err = %v, want ErrSuperseded", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}

// ── input ──────────────────────────────────────────────────────────────────────

func TestClient_SendAudioRequiresConnection(t *testing.T) {
	tr := &mock.Transport{}
	c := newTestClient(t, validCreds(), tr, &observer{})

	c.SendAudio("AAAA")
	c.StopAudioInput()
	if err := c.SendText("hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText err = %v, want ErrNotConnected", err)
	}
	if tr.OpenCount() != 0 || len(tr.Sent()) != 0 {
		t.Error("events sent while disconnected")
	}
}

func TestClient_StopAudioInputRotatesContent(t *testing.T) {
	tr := &mock.Transport{}
	c := newTestClient(t, validCreds(), tr, &observer{})
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := waitSent(t, tr, 6)[5].str("contentName")

	for _, frame := range []string{"AAAA", "AAAB", "AAAC"} {
		c.SendAudio(frame)
	}
	c.StopAudioInput()
	c.SendAudio("BBBB")

	evs := waitSent(t, tr, 12)[6:]
	want := []string{EventAudioInput, EventAudioInput, EventAudioInput, EventContentEnd, EventContentStart, EventAudioInput}
	if got := names(evs); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	var ends, starts int
	for _, ev := range evs {
		switch ev.name {
		case EventContentEnd:
			ends++
		case EventContentStart:
			starts++
		}
	}
	if ends != 1 || starts != 1 {
		t.Errorf("contentEnd/contentStart = %d/%d, want 1/1", ends, starts)
	}
	for i, frame := range []string{"AAAA", "AAAB", "AAAC"} {
		if evs[i].str("contentName") != first || evs[i].str("content") != frame {
			t.Errorf("audio %d = %v", i, evs[i].body)
		}
	}
	if evs[3].str("contentName") != first {
		t.Errorf("contentEnd closed %q, want %q", evs[3].str("contentName"), first)
	}
	second := evs[4].str("contentName")
	if second == first || second == "" {
		t.Errorf("new content name = %q, want fresh id", second)
	}
	if evs[4].str("type") != "AUDIO" {
		t.Errorf("new content type = %q, want AUDIO", evs[4].str("type"))
	}
	if evs[5].str("contentName") != second || evs[5].str("content") != "BBBB" {
		t.Errorf("second audio = %v", evs[5].body)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
}

func TestClient_StopAudioInputWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	creds := s2s.CredentialsFunc(func(ctx context.Context) (s2s.Credentials, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return s2s.Credentials{}, ctx.Err()
		}
		return validCreds().Result, nil
	})
	tr := &mock.Transport{}
	c := newTestClient(t, creds, tr, &observer{})

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	eventually(t, "connecting", func() bool { return c.State() == StateConnecting })

	c.StopAudioInput()
	close(gate)
	if err := <-errc; err != nil {
		t.Fatalf("Start: %v", err)
	}

	evs := waitSent(t, tr, 6)
	want := []string{EventSessionStart, EventPromptStart, EventContentStart, EventTextInput, EventContentEnd, EventContentStart}
	if got := names(evs); !slices.Equal(got, want) {
		t.Fatalf("init events = %v, want %v", got, want)
	}

	// The audio content opened by the init sequence is still the target.
	c.SendAudio("AAAA")
	evs = waitSent(t, tr, 7)
	if len(evs) != 7 || evs[6].name != EventAudioInput {
		t.Fatalf("events after init = %v", names(evs[6:]))
	}
	if got, want := evs[6].str("contentName"), evs[5].str("contentName"); got != want {
		t.Errorf("audio targets %q, want init content %q", got, want)
	}
}

func TestClient_SendText(t *testing.T) {
	tr := &mock.Transport{}
	c := newTestClient(t, validCreds(), tr, &observer{})
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SendText("my tap drips"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	evs := waitSent(t, tr, 9)[6:]
	if got := names(evs); !slices.Equal(got, []string{EventContentStart, EventTextInput, EventContentEnd}) {
		t.Fatalf("events = %v", got)
	}
	if evs[0].str("role") != "USER" || evs[0].str("type") != "TEXT" {
		t.Errorf("content start = %v", evs[0].body)
	}
	if evs[1].str("content") != "my tap drips" {
		t.Errorf("text = %q", evs[1].str("content"))
	}
	name := evs[0].str("contentName")
	if evs[1].str("contentName") != name || evs[2].str("contentName") != name {
		t.Error("text content block uses mixed content names")
	}
}

func TestClient_Keepalive(t *testing.T) {
	tr := &mock.Transport{}
	obs := &observer{}
	cfg := Config{KeepaliveInterval: 20 * time.Millisecond, TeardownPause: time.Millisecond}
	c := NewClient(cfg, validCreds(), tr, WithIDGenerator(seqIDs()), WithHandlers(obs.handlers()))
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.End(context.Background())

	eventually(t, "keepalive silence", func() bool {
		for _, e := range decodeSent(t, tr.Sent()) {
			if e.name == EventAudioInput && e.str("content") == silence {
				return true
			}
		}
		return false
	})
}

// ── inbound ────────────────────────────────────────────────────────────────────

func TestClient_TranscriptAndAudio(t *testing.T) {
	st := mock.NewStream(16)
	tr := &mock.Transport{Stream: st}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st.Push(envelope(EventContentStart, map[string]any{
		"role":                  "ASSISTANT",
		"type":                  "TEXT",
		"additionalModelFields": `{"generationStage":"SPECULATIVE"}`,
	}))
	st.Push(envelope(EventTextOutput, map[string]any{"content": "Hello"}))
	st.Push(envelope(EventTextOutput, map[string]any{"content": "Hello"}))
	st.Push(envelope(EventTextOutput, map[string]any{"content": " there"}))
	st.Push(envelope(EventAudioOutput, map[string]any{"content": "UklGRg=="}))
	st.Push(envelope(EventContentStart, map[string]any{"role": "USER", "type": "TEXT"}))
	st.Push(envelope(EventTextOutput, map[string]any{"content": "hi"}))

	eventually(t, "transcript updates", func() bool { return len(obs.snapshot().updates) == 3 })
	snap := obs.snapshot()

	if u := snap.updates[1]; u.Index != 0 || u.Turn.Text != "Hello there" || u.Turn.Role != RoleAssistant {
		t.Errorf("assistant update = %+v", u)
	}
	if snap.updates[0].Stage != "SPECULATIVE" {
		t.Errorf("stage = %q, want SPECULATIVE", snap.updates[0].Stage)
	}
	if snap.updates[0].SessionID != c.SessionID() {
		t.Errorf("update session = %q, want %q", snap.updates[0].SessionID, c.SessionID())
	}
	if u := snap.updates[2]; u.Index != 1 || u.Turn.Role != RoleUser || u.Turn.Text != "hi" {
		t.Errorf("user update = %+v", u)
	}
	if !slices.Equal(snap.audio, []string{"UklGRg=="}) {
		t.Errorf("audio = %v", snap.audio)
	}
	if got := c.Transcript(); len(got) != 2 {
		t.Errorf("Transcript() has %d turns, want 2", len(got))
	}
}

func TestClient_Interrupted(t *testing.T) {
	st := mock.NewStream(16)
	tr := &mock.Transport{Stream: st}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st.Push(envelope(EventContentStart, map[string]any{"role": "ASSISTANT"}))
	st.Push(envelope(EventTextOutput, map[string]any{"content": `{ "interrupted" : true }`}))
	st.Push(envelope(EventContentEnd, map[string]any{"stopReason": "INTERRUPTED"}))
	st.Push(envelope(EventContentEnd, map[string]any{"stopReason": "END_TURN"}))

	eventually(t, "interrupts", func() bool { return obs.snapshot().interrupts == 2 })
	if n := len(obs.snapshot().updates); n != 0 {
		t.Errorf("interrupt marker produced %d transcript updates", n)
	}
}

func TestClient_UnrecognizedEnvelopeIgnored(t *testing.T) {
	st := mock.NewStream(16)
	tr := &mock.Transport{Stream: st}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st.Push(s2s.Envelope{Bytes: []byte("not json")})
	st.Push(s2s.Envelope{})
	st.Push(s2s.Envelope{Output: map[string]json.RawMessage{
		EventTextOutput: json.RawMessage(`{"content":"still here"}`),
	}})

	eventually(t, "transcript update", func() bool { return len(obs.snapshot().updates) == 1 })
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
}

func TestClient_StreamFailure(t *testing.T) {
	st := mock.NewStream(4)
	tr := &mock.Transport{Stream: st}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st.Fail(fmt.Errorf("reset: %w", s2s.ErrTimeout))

	eventually(t, "error state", func() bool { return c.State() == StateError })
	var te *TransportError
	if err := c.Err(); !errors.As(err, &te) || te.Op != "receive" || !errors.Is(err, s2s.ErrTimeout) {
		t.Errorf("Err() = %v, want receive TransportError wrapping ErrTimeout", err)
	}
	if snap := obs.snapshot(); len(snap.errs) != 1 {
		t.Errorf("OnError called %d times, want 1", len(snap.errs))
	}
}

func TestClient_RemoteCloseWhileActive(t *testing.T) {
	st := mock.NewStream(4)
	tr := &mock.Transport{Stream: st}
	c := newTestClient(t, validCreds(), tr, &observer{})
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st.Fail(nil)

	eventually(t, "error state", func() bool { return c.State() == StateError })
	if !errors.Is(c.Err(), io.ErrUnexpectedEOF) {
		t.Errorf("Err() = %v, want unexpected EOF", c.Err())
	}
}

// activeSession returns the client's current session.
func activeSession(c *Client) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func TestClient_StaleSessionIgnored(t *testing.T) {
	tr := &mock.Transport{}
	obs := &observer{}
	c := newTestClient(t, validCreds(), tr, obs)

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start A: %v", err)
	}
	a := tr.StreamAt(0).(*mock.Stream)
	sessA := activeSession(c)

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start B: %v", err)
	}
	b := tr.StreamAt(1).(*mock.Stream)
	idB := c.SessionID()
	if sessA.ID == idB {
		t.Fatalf("session ids not unique: %q", idB)
	}

	// Superseding A closed its stream, so feed A's events to the handler
	// directly, as a receive goroutine that had already read them would.
	ctx := t.Context()
	c.handle(ctx, sessA, envelope(EventContentStart, map[string]any{"role": "ASSISTANT"}))
	c.handle(ctx, sessA, envelope(EventTextOutput, map[string]any{"content": "old"}))
	c.handle(ctx, sessA, envelope(EventAudioOutput, map[string]any{"content": "UklGRg=="}))
	c.handle(ctx, sessA, envelope(EventTextOutput, map[string]any{"content": `{ "interrupted" : true }`}))
	c.handle(ctx, sessA, envelope(EventContentEnd, map[string]any{"stopReason": "INTERRUPTED"}))
	if snap := obs.snapshot(); len(snap.updates) != 0 || len(snap.audio) != 0 || snap.interrupts != 0 {
		t.Fatalf("stale session delivered updates=%d audio=%d interrupts=%d",
			len(snap.updates), len(snap.audio), snap.interrupts)
	}

	// A late failure of A must not touch B.
	a.Fail(errors.New("late failure"))

	b.Push(envelope(EventTextOutput, map[string]any{"content": "new"}))
	eventually(t, "B transcript", func() bool { return len(obs.snapshot().updates) == 1 })

	snap := obs.snapshot()
	if u := snap.updates[0]; u.SessionID != idB || u.Turn.Text != "new" {
		t.Errorf("update = %+v, want B's text", u)
	}
	if len(snap.errs) != 0 {
		t.Errorf("stale session reported errors: %v", snap.errs)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
}

func TestClient_SupersedeWaitsForRunningCallback(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		audio []string
		once  sync.Once
	)
	h := Handlers{OnAudioOutput: func(b string) {
		once.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		audio = append(audio, b)
		mu.Unlock()
	}}
	tr := &mock.Transport{}
	c := newTestClient(t, validCreds(), tr, &observer{}, WithHandlers(h))

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start A: %v", err)
	}
	sessA := activeSession(c)
	tr.StreamAt(0).(*mock.Stream).Push(envelope(EventAudioOutput, map[string]any{"content": "old"}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("audio callback never ran")
	}

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	select {
	case err := <-started:
		t.Fatalf("Start B returned (%v) while A's callback was running", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start B: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start B blocked after A's callback returned")
	}

	c.handle(t.Context(), sessA, envelope(EventAudioOutput, map[string]any{"content": "late"}))
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(audio, []string{"old"}) {
		t.Errorf("audio = %v, want only the callback that was already running", audio)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

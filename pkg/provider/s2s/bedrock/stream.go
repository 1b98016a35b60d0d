package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// Event-stream header names and values.
const (
	hdrMessageType    = ":message-type"
	hdrEventType      = ":event-type"
	hdrContentType    = ":content-type"
	hdrExceptionType  = ":exception-type"
	hdrErrorCode      = ":error-code"
	hdrErrorMessage   = ":error-message"
	hdrDate           = ":date"
	hdrChunkSignature = ":chunk-signature"

	messageTypeEvent     = "event"
	messageTypeException = "exception"
	messageTypeError     = "error"

	eventTypeChunk = "chunk"
)

// chunkPayload is the JSON body of a chunk event in either direction. Bytes
// holds the UTF-8 JSON of one {"event": {...}} envelope and travels base64
// encoded.
type chunkPayload struct {
	Bytes []byte `json:"bytes"`
}

// ── outbound framing ───────────────────────────────────────────────────────────

// frameWriter wraps each outbound envelope in a chunk event and that event in
// a signed frame whose signature chains from the previous one.
type frameWriter struct {
	w      io.Writer
	signer *v4.StreamSigner
	enc    *eventstream.Encoder
	now    func() time.Time
	inner  bytes.Buffer
}

func newFrameWriter(w io.Writer, signer *v4.StreamSigner, now func() time.Time) *frameWriter {
	return &frameWriter{w: w, signer: signer, enc: eventstream.NewEncoder(), now: now}
}

// writeChunk sends one envelope.
func (f *frameWriter) writeChunk(ctx context.Context, envelope []byte) error {
	payload, err := json.Marshal(chunkPayload{Bytes: envelope})
	if err != nil {
		return err
	}
	msg := eventstream.Message{Payload: payload}
	msg.Headers.Set(hdrEventType, eventstream.StringValue(eventTypeChunk))
	msg.Headers.Set(hdrContentType, eventstream.StringValue("application/json"))
	msg.Headers.Set(hdrMessageType, eventstream.StringValue(messageTypeEvent))

	f.inner.Reset()
	if err := f.enc.Encode(&f.inner, msg); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return f.writeSigned(ctx, f.inner.Bytes())
}

// writeEnd sends the empty signed frame that terminates the request body.
func (f *frameWriter) writeEnd(ctx context.Context) error {
	return f.writeSigned(ctx, nil)
}

func (f *frameWriter) writeSigned(ctx context.Context, payload []byte) error {
	now := f.now().UTC()
	msg := eventstream.Message{Payload: payload}
	msg.Headers.Set(hdrDate, eventstream.TimestampValue(now))

	var headers bytes.Buffer
	if err := eventstream.EncodeHeaders(&headers, msg.Headers); err != nil {
		return fmt.Errorf("encode frame headers: %w", err)
	}
	sig, err := f.signer.GetSignature(ctx, headers.Bytes(), payload, now)
	if err != nil {
		return fmt.Errorf("sign frame: %w", err)
	}
	msg.Headers.Set(hdrChunkSignature, eventstream.BytesValue(sig))
	return f.enc.Encode(f.w, msg)
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	events chan s2s.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	pw     *io.PipeWriter
	frames *frameWriter
	body   io.ReadCloser // set before receiveLoop starts
	log    *slog.Logger

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *stream) Events() <-chan s2s.Envelope { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close cancels the request, which ends both loops. Safe to call more than
// once.
func (s *stream) Close() error {
	s.abort(nil)
	return nil
}

func (s *stream) abort(cause error) {
	s.closeOnce.Do(func() {
		s.cancel()
		if cause == nil {
			cause = io.ErrClosedPipe
		}
		_ = s.pw.CloseWithError(cause)
	})
}

// sendLoop drains the outbound source into the request body. Once the source
// is exhausted it writes the end frame and closes the body.
func (s *stream) sendLoop(src s2s.EventSource) {
	for {
		b, err := src.Next(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if err := s.frames.writeEnd(s.ctx); err != nil {
					s.log.Debug("bedrock: write end frame", "err", err)
				}
				_ = s.pw.Close()
			}
			return
		}
		if err := s.frames.writeChunk(s.ctx, b); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("bedrock: send: %w", err))
			s.log.Warn("bedrock: send failed", "err", err)
			s.abort(err)
			return
		}
	}
}

// receiveLoop owns s.events and s.body and closes both on exit.
func (s *stream) receiveLoop() {
	defer close(s.events)
	defer s.body.Close()

	dec := eventstream.NewDecoder()
	for {
		msg, err := dec.Decode(s.body, nil)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.setErr(fmt.Errorf("bedrock: receive: %w", err))
			return
		}
		env, err := toEnvelope(msg)
		if err != nil {
			s.setErr(fmt.Errorf("bedrock: receive: %w", classify(err)))
			return
		}
		select {
		case s.events <- env:
		case <-s.ctx.Done():
			return
		}
	}
}

// toEnvelope converts one response message. Event types other than chunk are
// returned as an empty envelope so the consumer can report them as
// unrecognised; exception and error messages become API errors.
func toEnvelope(msg eventstream.Message) (s2s.Envelope, error) {
	switch header(msg, hdrMessageType) {
	case messageTypeEvent:
		if header(msg, hdrEventType) != eventTypeChunk {
			return s2s.Envelope{}, nil
		}
		var p chunkPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return s2s.Envelope{}, fmt.Errorf("decode chunk: %w", err)
		}
		return s2s.Envelope{Bytes: p.Bytes}, nil
	case messageTypeException:
		return s2s.Envelope{}, exceptionError(header(msg, hdrExceptionType), msg.Payload)
	case messageTypeError:
		return s2s.Envelope{}, apiError(header(msg, hdrErrorCode), header(msg, hdrErrorMessage))
	default:
		return s2s.Envelope{}, fmt.Errorf("unexpected message type %q", header(msg, hdrMessageType))
	}
}

func header(msg eventstream.Message, name string) string {
	v := msg.Headers.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}

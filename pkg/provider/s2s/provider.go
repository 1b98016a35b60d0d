// Package s2s defines the transport boundary for bidirectional
// speech-to-speech model streams.
//
// A speech-to-speech model accepts a stream of JSON event envelopes
// ({"event": {"<name>": {...}}}) and answers with a stream of envelopes of the
// same shape carrying transcripts, synthesised audio and control events. The
// session state machine in internal/session produces and interprets those
// events; a [Transport] only moves bytes. Keeping the boundary that narrow lets
// tests drive the whole session with an in-memory transport (see the mock
// sub-package) and keeps the AWS SDK confined to the bedrock sub-package.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNoCredentials is returned by a [CredentialsProvider] when the caller is
// not signed in or no credential source is configured.
var ErrNoCredentials = errors.New("s2s: no credentials available")

// Credentials are short-lived cloud credentials for opening a stream.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Valid reports whether both key halves are present.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// CredentialsProvider resolves credentials for one session start.
type CredentialsProvider interface {
	// Credentials returns the current credentials, or an error wrapping
	// [ErrNoCredentials] when none are available.
	Credentials(ctx context.Context) (Credentials, error)
}

// CredentialsFunc adapts a plain function to [CredentialsProvider].
type CredentialsFunc func(ctx context.Context) (Credentials, error)

// Credentials implements [CredentialsProvider].
func (f CredentialsFunc) Credentials(ctx context.Context) (Credentials, error) { return f(ctx) }

// EventSource is the outbound half of a stream: a lazily produced, possibly
// infinite sequence of encoded envelopes.
type EventSource interface {
	// Next blocks until the next envelope is available. It returns io.EOF once
	// the source has been closed and drained, or ctx.Err() if ctx ends first.
	Next(ctx context.Context) ([]byte, error)
}

// OpenRequest carries everything a [Transport] needs to open a stream.
type OpenRequest struct {
	// ModelID names the remote model, e.g. "amazon.nova-sonic-v1:0".
	ModelID string

	// Region is the cloud region hosting the model.
	Region string

	// Credentials authenticate the request.
	Credentials Credentials

	// Outbound is drained by the transport for the lifetime of the stream.
	Outbound EventSource
}

// Transport opens bidirectional model streams.
type Transport interface {
	// Open establishes a stream and starts draining req.Outbound into it.
	// It returns once the remote side has confirmed a response body is
	// available. The caller owns the returned Stream and must Close it.
	Open(ctx context.Context, req OpenRequest) (Stream, error)
}

// TransportFunc adapts a plain function to [Transport].
type TransportFunc func(ctx context.Context, req OpenRequest) (Stream, error)

// Open implements [Transport].
func (f TransportFunc) Open(ctx context.Context, req OpenRequest) (Stream, error) { return f(ctx, req) }

// Stream is an open bidirectional stream.
type Stream interface {
	// Events returns the inbound envelopes. The channel is closed when the
	// stream ends; call Err afterwards to distinguish a clean end.
	Events() <-chan Envelope

	// Err returns the error that ended the stream, or nil.
	Err() error

	// Close terminates the stream. Calling Close more than once is safe.
	Close() error
}

// Envelope is one inbound item. Transports fill whichever representation they
// have: raw encoded bytes, an already-decoded "output" object, or the event
// map itself. Consumers try them in that order.
type Envelope struct {
	// Bytes is the raw UTF-8 JSON of {"event": {...}}.
	Bytes []byte

	// Output holds the event map when the transport delivered it wrapped in an
	// "output" member.
	Output map[string]json.RawMessage

	// Event holds the event map when the transport delivered it directly.
	Event map[string]json.RawMessage
}

// Transport failure causes. Transports wrap provider errors with one of these
// so callers can map failures to guidance without importing a cloud SDK.
var (
	ErrAccessDenied = errors.New("s2s: access denied")
	ErrThrottled    = errors.New("s2s: throttled")
	ErrTimeout      = errors.New("s2s: model timed out")
	ErrUnavailable  = errors.New("s2s: service unavailable")
)

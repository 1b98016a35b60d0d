package session

import (
	"errors"
	"fmt"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// ErrNoCredentials is returned when the auth collaborator has no credentials.
// It is the same sentinel as [s2s.ErrNoCredentials].
var ErrNoCredentials = s2s.ErrNoCredentials

// ErrNotConnected is returned by operations that need a live stream.
var ErrNotConnected = errors.New("session: not connected")

// CredentialError reports that credentials could not be obtained for a start.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return fmt.Sprintf("session: credentials: %v", e.Err) }

func (e *CredentialError) Unwrap() error { return e.Err }

// TransportError reports a failure to open the model stream or a failure of
// an open stream.
type TransportError struct {
	// Op is "open", "send" or "receive".
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("session: transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports an inbound envelope that could not be interpreted.
// It is logged and counted, never surfaced to the user.
type ProtocolError struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolError) Error() string { return "session: unrecognized envelope: " + e.Reason }

// UserMessage maps an error from this package to guidance suitable for
// display. Unknown errors fall back to their own message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *CredentialError
	if errors.As(err, &ce) {
		return "No credentials available. Please sign in."
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case errors.Is(err, s2s.ErrAccessDenied):
			return "Access to the voice model was denied. Please sign in again."
		case errors.Is(err, s2s.ErrThrottled):
			return "The voice service is busy. Please try again in a moment."
		case errors.Is(err, s2s.ErrTimeout):
			return "The voice model timed out. Click the mic to reconnect."
		case errors.Is(err, s2s.ErrUnavailable):
			return "The voice service is unavailable right now."
		case te.Op == "open":
			return "Could not connect to the voice service."
		default:
			return "Connection to the voice service was lost."
		}
	}
	return err.Error()
}

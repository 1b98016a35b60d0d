package capture

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by [Device] implementations.
var (
	ErrNoDevice         = errors.New("capture: no microphone found")
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	ErrDeviceBusy       = errors.New("capture: microphone is in use")
)

// ErrorKind classifies a microphone failure.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	NoDevice
	PermissionDenied
	DeviceBusy
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case NoDevice:
		return "NoDevice"
	case PermissionDenied:
		return "PermissionDenied"
	case DeviceBusy:
		return "DeviceBusy"
	default:
		return "Unknown"
	}
}

// DeviceError is returned by [Recorder.Start] when the microphone could not
// be acquired or its processor could not be loaded.
type DeviceError struct {
	Kind ErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Message returns guidance suitable for display.
func (e *DeviceError) Message() string {
	switch e.Kind {
	case NoDevice:
		return "No microphone found. Please connect a microphone."
	case PermissionDenied:
		return "Microphone permission denied. Please allow microphone access."
	case DeviceBusy:
		return "Microphone is in use by another application."
	default:
		return e.Err.Error()
	}
}

// Classify wraps err in a [DeviceError]. Errors that already are DeviceErrors
// are returned unchanged.
func Classify(err error) *DeviceError {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	kind := Unknown
	switch {
	case errors.Is(err, ErrNoDevice):
		kind = NoDevice
	case errors.Is(err, ErrPermissionDenied):
		kind = PermissionDenied
	case errors.Is(err, ErrDeviceBusy):
		kind = DeviceBusy
	}
	return &DeviceError{Kind: kind, Err: err}
}

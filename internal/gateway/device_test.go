package gateway

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/dadfix/homefix/pkg/audio/capture"
)

func TestBrowserDevice_Acquire(t *testing.T) {
	tests := []struct {
		mic  string
		want error
	}{
		{mic: micGranted},
		{mic: micDenied, want: capture.ErrPermissionDenied},
		{mic: micNone, want: capture.ErrNoDevice},
		{mic: micBusy, want: capture.ErrDeviceBusy},
	}
	for _, tt := range tests {
		t.Run(tt.mic, func(t *testing.T) {
			var notes []micMessage
			d := newBrowserDevice(func(m micMessage) { notes = append(notes, m) })
			d.configure(tt.mic, 44100)

			in, err := d.Acquire(t.Context(), capture.Constraints{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Acquire err = %v, want %v", err, tt.want)
			}
			if tt.want != nil {
				if len(notes) != 0 {
					t.Errorf("notifications = %v, want none", notes)
				}
				return
			}
			if in.SampleRate() != 44100 {
				t.Errorf("SampleRate = %d, want 44100", in.SampleRate())
			}
			if len(notes) != 1 || notes[0].State != "on" {
				t.Errorf("notifications = %v, want one mic on", notes)
			}
		})
	}
}

func TestBrowserDevice_SingleAcquisition(t *testing.T) {
	var notes []micMessage
	d := newBrowserDevice(func(m micMessage) { notes = append(notes, m) })

	in, err := d.Acquire(t.Context(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := d.Acquire(t.Context(), capture.Constraints{}); !errors.Is(err, capture.ErrDeviceBusy) {
		t.Fatalf("second Acquire err = %v, want ErrDeviceBusy", err)
	}

	in.StopTracks()
	in.StopTracks()
	if err := in.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(notes) != 2 || notes[1].State != "off" {
		t.Errorf("notifications = %v, want on then a single off", notes)
	}
	if _, err := d.Acquire(t.Context(), capture.Constraints{}); err != nil {
		t.Errorf("Acquire after Close: %v", err)
	}
}

func TestBrowserDevice_Feed(t *testing.T) {
	d := newBrowserDevice(func(micMessage) {})
	frame := make([]byte, 9) // two samples plus a stray byte
	binary.LittleEndian.PutUint32(frame[0:], math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(frame[4:], math.Float32bits(-1))

	// Nothing acquired: dropped without panicking.
	d.feed(frame)

	in, err := d.Acquire(t.Context(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	var got []float32
	if err := in.Connect(func(s []float32) { got = append(got, s...) }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.feed(frame)
	if len(got) != 2 || got[0] != 0.5 || got[1] != -1 {
		t.Errorf("samples = %v, want [0.5 -1]", got)
	}

	in.DisconnectProcessor()
	d.feed(frame)
	if len(got) != 2 {
		t.Errorf("samples after disconnect = %v", got)
	}
}

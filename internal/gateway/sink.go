package gateway

import (
	"context"
	"time"

	"github.com/dadfix/homefix/pkg/audio"
	"github.com/dadfix/homefix/pkg/audio/playback"
)

// wsSink is a [playback.Sink] that forwards each frame to the browser as
// binary PCM16 and then waits for the frame's duration, so that the player's
// notion of "playing" tracks what the listener hears.
type wsSink struct {
	send func(ctx context.Context, pcm []byte) error
}

var _ playback.Sink = (*wsSink)(nil)

func (s *wsSink) Play(ctx context.Context, f audio.AudioFrame) error {
	if err := s.send(ctx, audio.FloatToPCM16(f.Samples)); err != nil {
		return err
	}
	t := time.NewTimer(f.Duration())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

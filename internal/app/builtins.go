package app

import (
	"github.com/dadfix/homefix/internal/config"
	"github.com/dadfix/homefix/pkg/audio/capture"
	"github.com/dadfix/homefix/pkg/audio/local"
	"github.com/dadfix/homefix/pkg/provider/s2s"
	"github.com/dadfix/homefix/pkg/provider/s2s/bedrock"
)

// RegisterBuiltins registers the transports and devices that ship with
// homefix: the Bedrock transport and the ffmpeg capture device.
func RegisterBuiltins(reg *config.Registry) {
	reg.RegisterTransport("bedrock", func(cfg *config.Config, region string) (s2s.Transport, error) {
		opts := []bedrock.Option{bedrock.WithRegion(region)}
		if cfg.AWS.Endpoint != "" {
			opts = append(opts, bedrock.WithEndpoint(cfg.AWS.Endpoint))
		}
		return bedrock.New(opts...), nil
	})
	reg.RegisterDevice("ffmpeg", func(cfg *config.Config) (capture.Device, error) {
		return &local.Device{
			FFmpegPath: cfg.Audio.FFmpegPath,
			Format:     cfg.Audio.InputFormat,
			Source:     cfg.Audio.InputSource,
		}, nil
	})
}

// NewSink returns the local playback sink matching cfg.
func NewSink(cfg *config.Config) *local.Sink {
	return &local.Sink{FFplayPath: cfg.Audio.FFplayPath}
}

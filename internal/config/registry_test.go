package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dadfix/homefix/internal/config"
	"github.com/dadfix/homefix/pkg/audio/capture"
	audiomock "github.com/dadfix/homefix/pkg/audio/mock"
	"github.com/dadfix/homefix/pkg/provider/s2s"
	s2smock "github.com/dadfix/homefix/pkg/provider/s2s/mock"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	cfg := &config.Config{}
	cfg.Model.Provider = "bedrock"
	cfg.Audio.Device = "ffmpeg"

	if _, err := r.CreateTransport(cfg, "us-east-1"); !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("CreateTransport err = %v, want ErrNotRegistered", err)
	}
	if _, err := r.CreateDevice(cfg); !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("CreateDevice err = %v, want ErrNotRegistered", err)
	}

	var regions []string
	r.RegisterTransport("bedrock", func(_ *config.Config, region string) (s2s.Transport, error) {
		regions = append(regions, region)
		return &s2smock.Transport{}, nil
	})
	dev := &audiomock.Device{}
	r.RegisterDevice("ffmpeg", func(*config.Config) (capture.Device, error) { return dev, nil })

	tr, err := r.CreateTransport(cfg, "us-west-2")
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if _, err := tr.Open(context.Background(), s2s.OpenRequest{}); err != nil {
		t.Errorf("Open: %v", err)
	}
	if len(regions) != 1 || regions[0] != "us-west-2" {
		t.Errorf("regions = %v", regions)
	}
	if got, err := r.CreateDevice(cfg); err != nil || got != dev {
		t.Errorf("CreateDevice = %v, %v", got, err)
	}
}

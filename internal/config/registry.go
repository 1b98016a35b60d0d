package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dadfix/homefix/pkg/audio/capture"
	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// TransportFactory builds a model transport bound to region.
type TransportFactory func(cfg *Config, region string) (s2s.Transport, error)

// DeviceFactory builds a capture device.
type DeviceFactory func(cfg *Config) (capture.Device, error)

// Registry maps names to transport and device constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
	devices    map[string]DeviceFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]TransportFactory),
		devices:    make(map[string]DeviceFactory),
	}
}

// RegisterTransport registers a transport factory under name, replacing any
// previous registration.
func (r *Registry) RegisterTransport(name string, f TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = f
}

// RegisterDevice registers a capture device factory under name.
func (r *Registry) RegisterDevice(name string, f DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = f
}

// CreateTransport builds the transport named by cfg.Model.Provider for region.
func (r *Registry) CreateTransport(cfg *Config, region string) (s2s.Transport, error) {
	r.mu.RLock()
	f, ok := r.transports[cfg.Model.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Model.Provider)
	}
	return f(cfg, region)
}

// CreateDevice builds the capture device named by cfg.Audio.Device.
func (r *Registry) CreateDevice(cfg *Config) (capture.Device, error) {
	r.mu.RLock()
	f, ok := r.devices[cfg.Audio.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrNotRegistered, cfg.Audio.Device)
	}
	return f(cfg)
}

package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/pulsekit/internal/device"
)

// ErrDeviceNotRegistered is returned by [Registry.CreateDevice] when no
// factory has been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: device not registered")

// DeviceFactory builds a device from its config section and the stream shape.
type DeviceFactory func(DeviceConfig, AudioConfig) (device.Device, error)

// Registry maps device names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// RegisterDevice registers a device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateDevice instantiates the device registered under d.Name.
// Returns [ErrDeviceNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDevice(d DeviceConfig, a AudioConfig) (device.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[d.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotRegistered, d.Name)
	}
	return factory(d, a)
}

// DeviceNames returns the registered names in sorted order.
func (r *Registry) DeviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StreamConfig converts the audio section to a device stream shape.
func (a AudioConfig) StreamConfig() device.Config {
	return device.Config{
		SampleRate:     a.SampleRate,
		BufferFrames:   a.BufferFrames,
		InputChannels:  a.InputChannels,
		OutputChannels: a.OutputChannels,
	}
}

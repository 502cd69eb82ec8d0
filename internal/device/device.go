// Package device connects the signal path to an audio clock: a physical
// interface through PortAudio, or a simulated clock fed by a [Source] such
// as a synthetic heartbeat, a WAV file or a loopback of the output.
package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupported is returned when a device kind is not compiled in.
var ErrUnsupported = errors.New("device: unsupported in this build")

// Processor is the duplex callback a device drives once per buffer. Both
// buffers are interleaved float32 PCM.
type Processor interface {
	AudioIn(in []float32, channels int)
	AudioOut(out []float32, channels int)
}

// Device runs a [Processor] against an audio clock.
type Device interface {
	// Name identifies the device kind in logs and health output.
	Name() string

	// Run drives p until ctx is cancelled, the device fails or a finite
	// source is exhausted. Cancellation is not an error.
	Run(ctx context.Context, p Processor) error

	// Buffers returns the number of duplex cycles completed so far.
	Buffers() uint64

	Close() error
}

// Config is the stream shape shared by all devices.
type Config struct {
	SampleRate     int
	BufferFrames   int
	InputChannels  int
	OutputChannels int
}

// Validate reports the first non-positive field.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("device: sample rate %d must be positive", c.SampleRate)
	case c.BufferFrames <= 0:
		return fmt.Errorf("device: buffer frames %d must be positive", c.BufferFrames)
	case c.InputChannels <= 0:
		return fmt.Errorf("device: input channels %d must be positive", c.InputChannels)
	case c.OutputChannels <= 0:
		return fmt.Errorf("device: output channels %d must be positive", c.OutputChannels)
	}
	return nil
}

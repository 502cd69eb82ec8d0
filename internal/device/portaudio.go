//go:build portaudio

package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortAudio drives the processor from the default duplex audio interface.
type PortAudio struct {
	cfg     Config
	buffers atomic.Uint64
}

// NewPortAudio returns a device for the default input and output.
func NewPortAudio(cfg Config) (Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PortAudio{cfg: cfg}, nil
}

// Name implements [Device].
func (d *PortAudio) Name() string { return "portaudio" }

// Buffers implements [Device].
func (d *PortAudio) Buffers() uint64 { return d.buffers.Load() }

// Run implements [Device]. The stream callback runs on PortAudio's thread.
func (d *PortAudio) Run(ctx context.Context, p Processor) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("device: portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	inCh, outCh := d.cfg.InputChannels, d.cfg.OutputChannels
	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("device: no default input device: %w", err)
	}
	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("device: no default output device: %w", err)
	}
	if in.MaxInputChannels < inCh || out.MaxOutputChannels < outCh {
		return fmt.Errorf("device: %q has %d inputs and %q has %d outputs, need %d and %d",
			in.Name, in.MaxInputChannels, out.Name, out.MaxOutputChannels, inCh, outCh)
	}

	// A failed Start still closes the stream through the deferred Close.
	stream, err := portaudio.OpenDefaultStream(inCh, outCh, float64(d.cfg.SampleRate), d.cfg.BufferFrames,
		func(in, out []float32) {
			p.AudioIn(in, inCh)
			p.AudioOut(out, outCh)
			d.buffers.Add(1)
		})
	if err != nil {
		return fmt.Errorf("device: open portaudio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("device: start portaudio stream: %w", err)
	}
	slog.Info("portaudio stream started",
		"input", in.Name,
		"output", out.Name,
		"sample_rate", d.cfg.SampleRate,
		"buffer_frames", d.cfg.BufferFrames,
		"inputs", inCh,
		"outputs", outCh,
	)

	<-ctx.Done()
	if err := stream.Stop(); err != nil {
		return fmt.Errorf("device: stop portaudio stream: %w", err)
	}
	return nil
}

// Close implements [Device]. Run owns the stream, so there is nothing left.
func (d *PortAudio) Close() error { return nil }

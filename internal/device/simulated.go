package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// Source produces the input side of a simulated device.
type Source interface {
	// Read fills in with interleaved frames. io.EOF ends the run after the
	// current buffer has been processed.
	Read(in []float32, channels int) error
}

// Capturer is implemented by sources that listen to the device output.
// Capture is called with each output buffer before the next Read.
type Capturer interface {
	Capture(out []float32, channels int)
}

// Simulated is a device whose clock is a ticker (realtime) or the processing
// loop itself (offline). Each cycle renders output first, hands it to a
// [Capturer] source and then reads input, so a loopback adds no latency of
// its own.
type Simulated struct {
	cfg      Config
	src      Source
	name     string
	realtime bool
	limit    uint64

	in, out []float32
	buffers atomic.Uint64
}

// SimulatedOption configures a [Simulated] device.
type SimulatedOption func(*Simulated)

// WithRealtime paces cycles at the buffer period instead of running as fast
// as possible.
func WithRealtime(on bool) SimulatedOption {
	return func(s *Simulated) { s.realtime = on }
}

// WithMaxBuffers stops the run after n cycles. Zero means unlimited.
func WithMaxBuffers(n uint64) SimulatedOption {
	return func(s *Simulated) { s.limit = n }
}

// WithName overrides the reported device name.
func WithName(name string) SimulatedOption {
	return func(s *Simulated) { s.name = name }
}

// NewSimulated returns a simulated device reading input from src.
func NewSimulated(cfg Config, src Source, opts ...SimulatedOption) (*Simulated, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("device: simulated device needs a source")
	}
	s := &Simulated{
		cfg:  cfg,
		src:  src,
		name: "simulated",
		in:   make([]float32, cfg.BufferFrames*cfg.InputChannels),
		out:  make([]float32, cfg.BufferFrames*cfg.OutputChannels),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements [Device].
func (s *Simulated) Name() string { return s.name }

// Buffers implements [Device].
func (s *Simulated) Buffers() uint64 { return s.buffers.Load() }

// Run implements [Device].
func (s *Simulated) Run(ctx context.Context, p Processor) error {
	var tick <-chan time.Time
	if s.realtime {
		period := time.Duration(float64(s.cfg.BufferFrames) / float64(s.cfg.SampleRate) * float64(time.Second))
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}
	slog.Info("simulated device running",
		"device", s.name,
		"sample_rate", s.cfg.SampleRate,
		"buffer_frames", s.cfg.BufferFrames,
		"realtime", s.realtime,
	)

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		p.AudioOut(s.out, s.cfg.OutputChannels)
		if c, ok := s.src.(Capturer); ok {
			c.Capture(s.out, s.cfg.OutputChannels)
		}
		err := s.src.Read(s.in, s.cfg.InputChannels)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("device: %s read: %w", s.name, err)
		}
		p.AudioIn(s.in, s.cfg.InputChannels)

		n := s.buffers.Add(1)
		if errors.Is(err, io.EOF) {
			slog.Info("simulated device source exhausted", "device", s.name, "buffers", n)
			return nil
		}
		if s.limit > 0 && n >= s.limit {
			return nil
		}
	}
}

// Close releases the source if it is an [io.Closer].
func (s *Simulated) Close() error {
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

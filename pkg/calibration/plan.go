// Package calibration measures the gain, phase and delay mismatch between
// the two input channels by playing a known stimulus and analysing its
// loopback.
//
// A [Plan] fixes the stimulus: a tone that alternates between the channels,
// followed by per-channel rectangular pulses. The [Generator] renders the
// plan, the [Analyzer] consumes the recording, and the [Session] keeps the two
// in lock-step. Generator and Analyzer must always share one *Plan.
package calibration

// NumChannels is the number of input channels the engine characterises.
const NumChannels = 2

// PlanConfig holds the parameters a [Plan] is derived from.
type PlanConfig struct {
	SampleRate float64

	ToneFrequencyHz float64
	ToneAmplitude   float32
	ToneSec         float64

	// SwapInterval is the number of samples after which the tone moves to the
	// other channel.
	SwapInterval int

	PulseLength     int
	PulseSpacingSec float64
	PulsePairs      int

	// PulseGapSec separates the tone from the first pulse.
	PulseGapSec float64

	// TailSec is appended after the last pulse so its loopback is captured.
	TailSec float64
}

// DefaultPlanConfig returns the stock stimulus for sampleRate: 5 s of 1 kHz
// at amplitude 0.25 swapped every 512 samples, then four 256-sample pulse
// pairs spaced 250 ms apart.
func DefaultPlanConfig(sampleRate float64) PlanConfig {
	return PlanConfig{
		SampleRate:      sampleRate,
		ToneFrequencyHz: 1000,
		ToneAmplitude:   0.25,
		ToneSec:         5,
		SwapInterval:    512,
		PulseLength:     256,
		PulseSpacingSec: 0.25,
		PulsePairs:      4,
		PulseGapSec:     0.5,
		TailSec:         0.25,
	}
}

// Plan is an immutable stimulus description.
type Plan struct {
	sampleRate    float64
	toneFreq      float64
	toneAmplitude float32
	toneSamples   uint64
	swapInterval  uint64
	pulseLength   uint64
	pulseSpacing  uint64
	pulseStart    uint64
	totalSamples  uint64
	offsets       [NumChannels][]uint64
}

// NewPlan derives a plan from cfg. Channel 2's pulses sit half a spacing
// after channel 1's so the two never overlap.
func NewPlan(cfg PlanConfig) *Plan {
	swap := uint64(512)
	if cfg.SwapInterval > 0 {
		swap = uint64(cfg.SwapInterval)
	}
	p := &Plan{
		sampleRate:    cfg.SampleRate,
		toneFreq:      cfg.ToneFrequencyHz,
		toneAmplitude: cfg.ToneAmplitude,
		toneSamples:   uint64(cfg.SampleRate * cfg.ToneSec),
		swapInterval:  swap,
		pulseLength:   uint64(max(0, cfg.PulseLength)),
		pulseSpacing:  uint64(cfg.SampleRate * cfg.PulseSpacingSec),
	}
	p.pulseStart = p.toneSamples + uint64(cfg.SampleRate*cfg.PulseGapSec)

	pairs := max(0, cfg.PulsePairs)
	for ch := range p.offsets {
		p.offsets[ch] = make([]uint64, pairs)
	}
	for i := range pairs {
		base := uint64(i) * p.pulseSpacing
		p.offsets[0][i] = base
		p.offsets[1][i] = base + p.pulseSpacing/2
	}

	var last uint64
	if pairs > 0 {
		last = p.offsets[1][pairs-1]
	}
	p.totalSamples = p.pulseStart + last + p.pulseLength + uint64(cfg.SampleRate*cfg.TailSec)
	return p
}

// SampleRate returns the rate the plan was built for.
func (p *Plan) SampleRate() float64 { return p.sampleRate }

// ToneAmplitude returns the peak amplitude of the tone and the pulses.
func (p *Plan) ToneAmplitude() float32 { return p.toneAmplitude }

// ToneSamples returns the length of the tone segment.
func (p *Plan) ToneSamples() uint64 { return p.toneSamples }

// PulseStart returns the sample at which the pulse segment begins.
func (p *Plan) PulseStart() uint64 { return p.pulseStart }

// PulseLength returns the length of one pulse in samples.
func (p *Plan) PulseLength() uint64 { return p.pulseLength }

// TotalSamples returns the full stimulus length.
func (p *Plan) TotalSamples() uint64 { return p.totalSamples }

// PulseCount returns the number of pulses per channel.
func (p *Plan) PulseCount() int { return len(p.offsets[0]) }

// PulseOnset returns the absolute start sample of pulse i on channel ch.
func (p *Plan) PulseOnset(ch, i int) uint64 { return p.pulseStart + p.offsets[ch][i] }

// activeToneChannel returns the channel carrying the tone at cursor.
func (p *Plan) activeToneChannel(cursor uint64) int {
	return int((cursor / p.swapInterval) % 2)
}

// Duration returns the stimulus length in seconds.
func (p *Plan) Duration() float64 {
	if p.sampleRate <= 0 {
		return 0
	}
	return float64(p.totalSamples) / p.sampleRate
}

package calibration

import "math"

// Generator renders a [Plan] sample by sample.
type Generator struct {
	plan      *Plan
	phaseStep float64

	phase    float64
	cursor   uint64
	finished bool
	pulses   [NumChannels]pulseState
}

type pulseState struct {
	index  int
	end    uint64
	active bool
}

// NewGenerator returns a generator positioned at the start of plan.
func NewGenerator(plan *Plan) *Generator {
	g := &Generator{
		plan:      plan,
		phaseStep: 2 * math.Pi * plan.toneFreq / plan.sampleRate,
	}
	g.Reset()
	return g
}

// Reset rewinds to the first sample.
func (g *Generator) Reset() {
	g.phase = 0
	g.cursor = 0
	g.finished = false
	g.pulses = [NumChannels]pulseState{}
}

// Generate writes len(out)/channels frames of stimulus into the interleaved
// buffer. Only the first two channels carry signal; the rest are zeroed.
// Samples past the end of the plan are silent.
func (g *Generator) Generate(out []float32, channels int) {
	p := g.plan
	frames := len(out) / channels
	for f := range frames {
		frame := out[f*channels : f*channels+channels]
		clear(frame)

		switch {
		case g.cursor < p.toneSamples:
			ch := p.activeToneChannel(g.cursor)
			if ch < channels {
				frame[ch] = float32(math.Sin(g.phase)) * p.toneAmplitude
			}
		case g.cursor >= p.pulseStart && g.cursor < p.totalSamples:
			for ch := 0; ch < NumChannels && ch < channels; ch++ {
				if g.pulseActive(ch) {
					frame[ch] = p.toneAmplitude
				}
			}
		}

		g.phase += g.phaseStep
		if g.phase >= 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
		g.cursor++
		if g.cursor >= p.totalSamples {
			g.finished = true
		}
	}
}

func (g *Generator) pulseActive(ch int) bool {
	st := &g.pulses[ch]
	if st.active && g.cursor >= st.end {
		st.active = false
		st.index++
	}
	if !st.active && st.index < g.plan.PulseCount() {
		if start := g.plan.PulseOnset(ch, st.index); g.cursor >= start {
			st.active = true
			st.end = start + g.plan.pulseLength
		}
	}
	return st.active
}

// Finished reports whether the whole plan has been rendered.
func (g *Generator) Finished() bool { return g.finished }

// Cursor returns the number of frames rendered since the last reset.
func (g *Generator) Cursor() uint64 { return g.cursor }

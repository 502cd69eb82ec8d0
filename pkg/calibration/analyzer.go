package calibration

import "math"

// guardSec widens each pulse window on both sides.
const guardSec = 0.00065

// Analyzer consumes the recorded loopback of a [Plan] and derives per-channel
// gain, phase and delay.
type Analyzer struct {
	plan      *Plan
	phaseStep float64
	guard     uint64

	phase  float64
	cursor uint64
	tone   [NumChannels]toneStats
	window [NumChannels]windowState
	pulses [NumChannels][]pulseCapture
}

type toneStats struct {
	sumSquares float64
	count      uint64
	dotSin     float64
	dotCos     float64
}

type windowState struct {
	index  int
	end    uint64
	active bool
}

type pulseCapture struct {
	expected uint64
	peakAt   uint64
	peak     float32
	seen     bool
}

// NewAnalyzer returns an analyzer for plan. All storage is sized here so
// [Analyzer.Ingest] never allocates.
func NewAnalyzer(plan *Plan) *Analyzer {
	a := &Analyzer{
		plan:      plan,
		phaseStep: 2 * math.Pi * plan.toneFreq / plan.sampleRate,
		guard:     uint64(plan.sampleRate * guardSec),
	}
	for ch := range a.pulses {
		a.pulses[ch] = make([]pulseCapture, plan.PulseCount())
	}
	a.Reset()
	return a
}

// Reset discards everything ingested so far.
func (a *Analyzer) Reset() {
	a.phase = 0
	a.cursor = 0
	a.tone = [NumChannels]toneStats{}
	a.window = [NumChannels]windowState{}
	for ch := range a.pulses {
		clear(a.pulses[ch])
	}
}

// Ingest consumes len(in)/channels interleaved frames. Only the first two
// channels are analysed.
func (a *Analyzer) Ingest(in []float32, channels int) {
	p := a.plan
	frames := len(in) / channels
	for f := range frames {
		frame := in[f*channels : f*channels+channels]

		switch {
		case a.cursor < p.toneSamples:
			ch := p.activeToneChannel(a.cursor)
			if ch < channels {
				x := float64(frame[ch])
				st := &a.tone[ch]
				st.sumSquares += x * x
				st.count++
				st.dotSin += x * math.Sin(a.phase)
				st.dotCos += x * math.Cos(a.phase)
			}
		case a.cursor >= p.pulseStart && a.cursor < p.totalSamples:
			for ch := 0; ch < NumChannels && ch < channels; ch++ {
				a.trackPulse(ch, frame[ch])
			}
		}

		a.phase += a.phaseStep
		if a.phase >= 2*math.Pi {
			a.phase -= 2 * math.Pi
		}
		a.cursor++
	}
}

func (a *Analyzer) trackPulse(ch int, x float32) {
	w := &a.window[ch]
	if !w.active && w.index < a.plan.PulseCount() {
		start := a.plan.PulseOnset(ch, w.index)
		var open uint64
		if start > a.guard {
			open = start - a.guard
		}
		if a.cursor >= open {
			w.active = true
			w.end = start + a.plan.pulseLength + a.guard
			a.pulses[ch][w.index] = pulseCapture{expected: start, peakAt: start, seen: true}
		}
	}
	if !w.active {
		return
	}

	c := &a.pulses[ch][w.index]
	if v := float32(math.Abs(float64(x))); v > c.peak {
		c.peak = v
		c.peakAt = a.cursor
	}
	if a.cursor >= w.end {
		w.active = false
		w.index++
	}
}

// Finalize computes the calibration values from what has been ingested.
// Gain is expectedRMS/measuredRMS (1 when nothing was measured), phase is
// atan2(Σx·cos, Σx·sin) in degrees and delay is the rounded mean offset of
// the pulse peaks from their scheduled onsets.
func (a *Analyzer) Finalize() Values {
	expectedRMS := float64(a.plan.toneAmplitude) * math.Sqrt2 / 2
	v := IdentityValues()

	for ch := range NumChannels {
		st := a.tone[ch]
		if st.count > 0 {
			if rms := math.Sqrt(st.sumSquares / float64(st.count)); rms > 0 {
				v[ch].Gain = float32(expectedRMS / rms)
			}
			v[ch].PhaseDeg = float32(math.Atan2(st.dotCos, st.dotSin) * 180 / math.Pi)
		}

		var sum float64
		var n int
		for _, c := range a.pulses[ch] {
			if !c.seen {
				continue
			}
			sum += float64(int64(c.peakAt) - int64(c.expected))
			n++
		}
		if n > 0 {
			v[ch].DelaySamples = int32(math.Round(sum / float64(n)))
		}
	}
	return v
}

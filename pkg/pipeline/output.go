package pipeline

import (
	"math"

	"github.com/MrWong99/pulsekit/pkg/audio"
)

// Synthetic thump played in place of a dropped-out signal.
const (
	thumpHz       = 60.0
	thumpDecaySec = 0.08
)

// AudioOut fills one interleaved output buffer.
//
// While calibrating it plays the stimulus (silence when idle). With a router
// and at least four channels the router renders headphones and haptics from
// the live signal, blended toward the synthetic thump by the fallback blend.
// Otherwise the first two channels carry a level probe made of the mixed
// input at -15 dB and Gaussian noise at -24 dB. Every path except
// calibration goes through the limiter and the output fade.
func (p *Pipeline) AudioOut(out []float32, channels int) {
	if channels < 1 {
		return
	}
	frames := len(out) / channels
	if frames == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensure(frames)

	if p.calArmed {
		p.session.Generate(out, channels)
		p.finishCalibration()
		return
	}

	for f := range frames {
		p.noise[f] = float32(p.rng.NormFloat64()) * p.noiseGain
	}
	if p.router != nil && channels >= audio.NumOutputChannels {
		p.routeOut(out, frames, channels)
	} else {
		p.probeOut(out, frames, channels)
	}
	p.reductionDB = p.limiter.LastReductionDB()
}

func (p *Pipeline) probeOut(out []float32, frames, channels int) {
	for f := range frames {
		x := p.self[f]*p.selfGain + p.noise[f]
		y := x * p.limiter.Process(x) * p.fade.next()
		frame := out[f*channels : (f+1)*channels]
		for ch := range frame {
			if ch < 2 {
				frame[ch] = y
			} else {
				frame[ch] = 0
			}
		}
	}
}

func (p *Pipeline) routeOut(out []float32, frames, channels int) {
	s := &p.signal
	blend := s.blend
	live := 1 - blend

	var envs [audio.NumParticipants]float32
	for ch := range envs {
		envs[ch] = p.metrics[ch].Envelope*live + s.fallbackEnv*blend
	}

	var amp, decay float32
	if blend > 0 {
		since := max(0, float64(p.clock)/p.sampleRate-s.lastEmitSec)
		amp = s.fallbackEnv * float32(math.Exp(-since/thumpDecaySec))
		decay = float32(math.Exp(-1 / (thumpDecaySec * p.sampleRate)))
	}
	step := thumpHz / p.sampleRate

	var routed [audio.NumOutputChannels]float32
	for f := range frames {
		thump := amp * float32(math.Sin(2*math.Pi*p.thumpPhase))
		amp *= decay
		p.thumpPhase += step
		if p.thumpPhase >= 1 {
			p.thumpPhase -= 1
		}

		var hp [audio.NumParticipants]float32
		for ch := range hp {
			hp[ch] = p.mono[ch][f]*live + thump*blend
		}
		p.router.Route(hp, envs, &routed)
		routed[audio.ChannelHeadphoneLeft] += p.noise[f]
		routed[audio.ChannelHeadphoneRight] += p.noise[f]

		var peak float32
		for _, v := range routed {
			peak = max(peak, abs32(v))
		}
		g := p.limiter.Process(peak) * p.fade.next()

		frame := out[f*channels : (f+1)*channels]
		for ch := range frame {
			if ch < audio.NumOutputChannels {
				frame[ch] = routed[ch] * g
			} else {
				frame[ch] = 0
			}
		}
	}
}

// fadeState is a linear per-sample ramp toward target.
type fadeState struct {
	level  float32
	target float32
	step   float32
}

func (f *fadeState) start(target float32, samples float64) {
	f.target = target
	if samples <= 0 {
		f.level = target
		f.step = 0
		return
	}
	f.step = float32(math.Abs(float64(target-f.level)) / samples)
}

func (f *fadeState) next() float32 {
	switch {
	case f.level < f.target:
		f.level = min(f.target, f.level+f.step)
	case f.level > f.target:
		f.level = max(f.target, f.level-f.step)
	}
	return f.level
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

package pipeline

import "github.com/MrWong99/pulsekit/pkg/audio"

// Signal-health smoothing, per input buffer.
const (
	shortAvgCoeff = 0.35
	midAvgCoeff   = 0.12
	longAvgCoeff  = 0.03
	bpmAvgCoeff   = 0.25
)

// Dropout fallback. Start and stop thresholds differ so the state does not
// flap when beats arrive right at the boundary.
const (
	fallbackStartSec = 1.5
	fallbackStopSec  = 0.6
	blendDownSec     = 0.8
	blendUpSec       = 1.0
	blendExit        = 0.02
	fallbackEnvTrack = 0.1

	fallbackDefaultBPM = 60
	fallbackMinBPM     = 20
	fallbackMaxBPM     = 140
	fallbackMinEnv     = 0.18
	fallbackMaxEnv     = 0.6
)

// SignalHealth summarises input quality and the fallback state.
type SignalHealth struct {
	EnvelopeShort float32 `json:"envelope_short"`
	EnvelopeMid   float32 `json:"envelope_mid"`
	EnvelopeLong  float32 `json:"envelope_long"`
	BPMAverage    float32 `json:"bpm_average"`

	// DropoutSeconds is the time since the last real beat on any channel.
	DropoutSeconds float32 `json:"dropout_seconds"`

	FallbackActive bool    `json:"fallback_active"`
	FallbackBlend  float32 `json:"fallback_blend"`

	// FallbackEnvelope is the synthetic envelope while the fallback is
	// active, otherwise the long-term envelope average.
	FallbackEnvelope float32 `json:"fallback_envelope"`
	FallbackBPM      float32 `json:"fallback_bpm"`
}

type signalState struct {
	envShort, envMid, envLong float32
	bpmAvg                    float32

	lastRealBeat  uint64
	lastUpdateSec float64

	fallback     bool
	blend        float32
	fallbackEnv  float32
	fallbackBPM  float32
	lastEmitSec  float64
	syntheticSeq uint64
}

// AudioIn consumes one interleaved input buffer. Channel k feeds participant
// k+1; channels beyond the second are ignored and a mono device leaves the
// second participant silent.
func (p *Pipeline) AudioIn(in []float32, channels int) {
	if channels < 1 {
		return
	}
	frames := len(in) / channels
	if frames == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensure(frames)

	if p.calArmed {
		p.session.Capture(in, channels)
		p.clock += uint64(frames)
		p.health = SignalHealth{}
		p.finishCalibration()
		return
	}

	gain := p.inputGain
	for ch := range p.mono {
		mono := p.mono[ch][:frames]
		if ch >= channels {
			clear(mono)
			continue
		}
		audio.Deinterleave(mono, in, channels, ch)
		cal := p.calValues[ch].Gain
		for f, x := range mono {
			if gain != 1 {
				x = audio.Clamp(x * gain)
			}
			mono[f] = x * cal
		}
	}
	for f := range frames {
		p.self[f] = 0.5 * (p.mono[0][f] + p.mono[1][f])
	}

	wasEnvCal := p.timelines[0].EnvelopeCalibrating()
	start := p.clock
	for ch := range p.timelines {
		p.timelines[ch].ProcessBuffer(p.mono[ch][:frames], start)
	}
	p.clock += uint64(frames)
	now := float64(p.clock) / p.sampleRate

	var env float32
	for ch := range p.timelines {
		tl := &p.timelines[ch]
		m := &p.metrics[ch]
		m.BPM = tl.CurrentBPM()
		m.Envelope = tl.CurrentEnvelope()
		m.TimestampSec = now
		m.Triggered = tl.Triggered()
		if m.Triggered {
			if m.BPM > 1 {
				p.signal.bpmAvg += bpmAvgCoeff * (m.BPM - p.signal.bpmAvg)
			}
			p.signal.lastRealBeat = p.clock
		}
		env = max(env, m.Envelope)
	}

	if wasEnvCal && !p.timelines[0].EnvelopeCalibrating() {
		p.lastEnvCal, _ = p.timelines[0].PollCalibration()
		p.envCalFresh = true
	}
	p.envCalActive = p.timelines[0].EnvelopeCalibrating()

	p.updateHealth(env, now)
}

// updateHealth advances the envelope averages and the fallback state machine
// by one buffer ending at now. Callers hold mu.
func (p *Pipeline) updateHealth(env float32, now float64) {
	s := &p.signal
	s.envShort += shortAvgCoeff * (env - s.envShort)
	s.envMid += midAvgCoeff * (env - s.envMid)
	s.envLong += longAvgCoeff * (env - s.envLong)

	dropout := float64(p.clock-s.lastRealBeat) / p.sampleRate
	dt := max(0, now-s.lastUpdateSec)
	s.lastUpdateSec = now

	switch {
	case !s.fallback:
		if dropout > fallbackStartSec {
			s.fallback = true
			s.blend = 0
			bpm := float32(fallbackDefaultBPM)
			if s.bpmAvg > 1 {
				bpm = s.bpmAvg
			}
			s.fallbackBPM = min(max(bpm, fallbackMinBPM), fallbackMaxBPM)
			s.fallbackEnv = clampFallbackEnv(s.envLong)
			s.lastEmitSec = max(now-60/float64(s.fallbackBPM), 0)
		}
	case dropout < fallbackStopSec:
		s.blend = max(0, s.blend-float32(dt/blendDownSec))
		if s.blend <= blendExit {
			s.fallback = false
			s.blend = 0
		}
	default:
		s.blend = min(1, s.blend+float32(dt/blendUpSec))
		s.fallbackEnv += fallbackEnvTrack * (clampFallbackEnv(s.envLong) - s.fallbackEnv)
		interval := 60 / float64(s.fallbackBPM)
		for now-s.lastEmitSec >= interval {
			s.lastEmitSec += interval
			p.synthetic.Push(audio.BeatEvent{
				TimestampSec: s.lastEmitSec,
				BPM:          s.fallbackBPM,
				Envelope:     s.fallbackEnv,
				Participant:  audio.ParticipantSynthetic,
				SequenceID:   s.syntheticSeq,
			})
			s.syntheticSeq++
		}
	}

	fbEnv := s.envLong
	if s.fallback {
		fbEnv = s.fallbackEnv
	}
	p.health = SignalHealth{
		EnvelopeShort:    s.envShort,
		EnvelopeMid:      s.envMid,
		EnvelopeLong:     s.envLong,
		BPMAverage:       s.bpmAvg,
		DropoutSeconds:   float32(dropout),
		FallbackActive:   s.fallback,
		FallbackBlend:    s.blend,
		FallbackEnvelope: fbEnv,
		FallbackBPM:      s.fallbackBPM,
	}
}

func clampFallbackEnv(v float32) float32 {
	return min(max(v, fallbackMinEnv), fallbackMaxEnv)
}

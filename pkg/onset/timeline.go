// Package onset detects heartbeat-like pulses in a single audio channel.
//
// A [Timeline] band-limits the input to the 20–150 Hz region, follows its
// envelope and compares it against a slowly adapting threshold. Hold and
// refractory counters suppress double triggers from one pulse, and the
// minimum trigger ratio tightens after every beat and loosens during long
// silences so the detector keeps its footing when contact quality changes.
package onset

import (
	"math"

	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/dsp"
)

// Detector tuning. These values are empirically tuned and should only change
// together with a new calibration study.
const (
	highPassHz = 20.0
	lowPassHz  = 150.0
	filterQ    = 0.707

	envelopeAttackMs  = 5.0
	envelopeReleaseMs = 60.0

	holdSec        = 0.120
	refractorySec  = 0.35
	relaxWindowSec = 3.0

	thresholdCoeff  = 0.005
	thresholdScale  = 1.45
	thresholdEps    = 1e-5
	thresholdDecay  = 0.99
	minBeatSpacing  = 0.25 // seconds; faster than 240 BPM is a double trigger
	calibrationGain = 0.85

	DefaultTriggerRatio = 1.25
	MinTriggerRatio     = 1.05
	MaxTriggerRatio     = 1.6

	tightenStep = 0.01
	loosenStep  = 0.03
)

// EnvelopeCalibrationStats summarises one envelope-baseline measurement.
type EnvelopeCalibrationStats struct {
	DurationSec           float64 `json:"duration_sec"`
	Mean                  float32 `json:"mean"`
	Peak                  float32 `json:"peak"`
	SuggestedTriggerRatio float32 `json:"suggested_trigger_ratio"`
	SampleCount           int     `json:"sample_count"`

	// Valid is true only when a non-zero peak was observed.
	Valid bool `json:"valid"`
}

// Timeline is the per-channel onset detector. Call [Timeline.Setup] before
// use. It is owned by the audio goroutine and does not lock.
type Timeline struct {
	sampleRate  float64
	participant audio.ParticipantID

	hp, lp   dsp.Biquad
	follower dsp.EnvelopeFollower

	threshold    float32
	triggerRatio float32

	holdSamples       int
	refractorySamples int
	relaxSamples      int
	minSpacing        uint64

	hold       int
	refractory int
	noTrigger  int

	hasTrigger  bool
	lastTrigger uint64
	triggered   bool
	bpm         float32
	envelope    float32
	seq         uint64

	events EventQueue

	calActive    bool
	calTotal     int
	calRemaining int
	calSum       float64
	calPeak      float32
	calCount     int
	calStats     EnvelopeCalibrationStats
	calFresh     bool
}

// Setup configures the detector for sampleRate and resets all state,
// including BPM history, the event queue and any running calibration.
func (t *Timeline) Setup(sampleRate float64, participant audio.ParticipantID) {
	*t = Timeline{
		sampleRate:        sampleRate,
		participant:       participant,
		triggerRatio:      DefaultTriggerRatio,
		holdSamples:       int(holdSec * sampleRate),
		refractorySamples: max(1, int(refractorySec*sampleRate)),
		relaxSamples:      int(relaxWindowSec * sampleRate),
		minSpacing:        uint64(minBeatSpacing * sampleRate),
	}
	t.hp.Setup(dsp.HighPass, sampleRate, highPassHz, filterQ)
	t.lp.Setup(dsp.LowPass, sampleRate, lowPassHz, filterQ)
	t.follower.Setup(sampleRate, envelopeAttackMs, envelopeReleaseMs)
}

// ProcessBuffer runs the detector over one mono buffer. startSample is the
// pipeline clock position of mono[0]; it timestamps events and BPM deltas.
func (t *Timeline) ProcessBuffer(mono []float32, startSample uint64) {
	t.triggered = false

	for i, x := range mono {
		y := t.lp.Process(t.hp.Process(x))
		env := t.follower.Process(y)
		t.envelope = env
		t.threshold = (1-thresholdCoeff)*t.threshold + thresholdCoeff*env

		if t.calActive {
			t.accumulateCalibration(env)
			continue
		}

		if t.hold > 0 {
			t.hold--
			continue
		}
		if t.refractory > 0 {
			t.refractory--
			continue
		}

		dyn := t.threshold*thresholdScale + thresholdEps
		if env > dyn && env/dyn >= t.triggerRatio {
			t.fire(startSample+uint64(i), env)
		}
	}

	if t.triggered || t.calActive {
		return
	}
	t.noTrigger += len(mono)
	if t.noTrigger >= t.relaxSamples {
		t.triggerRatio = max(MinTriggerRatio, t.triggerRatio-loosenStep)
		t.threshold *= thresholdDecay
		t.noTrigger = 0
	}
}

func (t *Timeline) fire(sample uint64, env float32) {
	if t.hasTrigger {
		if delta := sample - t.lastTrigger; delta > t.minSpacing {
			t.bpm = float32(60 * t.sampleRate / float64(delta))
		}
	}
	t.hasTrigger = true
	t.lastTrigger = sample
	t.triggered = true

	t.events.Push(audio.BeatEvent{
		TimestampSec: float64(sample) / t.sampleRate,
		BPM:          t.bpm,
		Envelope:     env,
		Participant:  t.participant,
		SequenceID:   t.seq,
	})
	t.seq++

	t.hold = t.holdSamples
	t.refractory = t.refractorySamples
	t.triggerRatio = min(MaxTriggerRatio, t.triggerRatio+tightenStep)
	t.noTrigger = 0
}

// CurrentBPM returns the most recent rate estimate, or 0 before two beats.
func (t *Timeline) CurrentBPM() float32 { return t.bpm }

// CurrentEnvelope returns the envelope at the last processed sample.
func (t *Timeline) CurrentEnvelope() float32 { return t.envelope }

// Triggered reports whether the last processed buffer contained a beat.
func (t *Timeline) Triggered() bool { return t.triggered }

// TriggerRatio returns the current minimum env/threshold ratio.
func (t *Timeline) TriggerRatio() float32 { return t.triggerRatio }

// Threshold returns the adaptive threshold.
func (t *Timeline) Threshold() float32 { return t.threshold }

// Events returns the timeline's event queue.
func (t *Timeline) Events() *EventQueue { return &t.events }

// BeginEnvelopeCalibration starts measuring the envelope baseline for
// durationSec seconds. Detection on this channel is suspended until the
// measurement completes. A pending hold or refractory period is dropped so
// the measurement starts from a clean detector.
func (t *Timeline) BeginEnvelopeCalibration(durationSec float64) {
	total := max(1, int(math.Round(durationSec*t.sampleRate)))
	t.calActive = true
	t.calStats = EnvelopeCalibrationStats{}
	t.hold = 0
	t.refractory = 0
	t.calTotal = total
	t.calRemaining = total
	t.calSum = 0
	t.calPeak = 0
	t.calCount = 0
	t.calFresh = false
}

// EnvelopeCalibrating reports whether a baseline measurement is running.
func (t *Timeline) EnvelopeCalibrating() bool { return t.calActive }

// CalibrationProgress returns the fraction of the current (or last)
// measurement that has been collected.
func (t *Timeline) CalibrationProgress() float32 {
	if t.calTotal == 0 {
		return 0
	}
	return float32(t.calCount) / float32(t.calTotal)
}

// CalibrationStats returns the result of the last completed measurement.
func (t *Timeline) CalibrationStats() EnvelopeCalibrationStats { return t.calStats }

// PollCalibration returns the last result exactly once after it completes.
func (t *Timeline) PollCalibration() (EnvelopeCalibrationStats, bool) {
	if !t.calFresh {
		return EnvelopeCalibrationStats{}, false
	}
	t.calFresh = false
	return t.calStats, true
}

func (t *Timeline) accumulateCalibration(env float32) {
	t.calSum += float64(env)
	if env > t.calPeak {
		t.calPeak = env
	}
	t.calCount++
	t.calRemaining--
	if t.calRemaining <= 0 {
		t.finishCalibration()
	}
}

func (t *Timeline) finishCalibration() {
	t.calActive = false
	t.calFresh = true

	st := EnvelopeCalibrationStats{
		DurationSec:           float64(t.calCount) / t.sampleRate,
		Peak:                  t.calPeak,
		SampleCount:           t.calCount,
		SuggestedTriggerRatio: DefaultTriggerRatio,
	}
	if t.calCount > 0 {
		st.Mean = float32(t.calSum / float64(t.calCount))
		ratio := t.calPeak / max(st.Mean, 1e-6) * calibrationGain
		st.SuggestedTriggerRatio = min(MaxTriggerRatio, max(MinTriggerRatio, ratio))
		st.Valid = t.calPeak > 0
	}
	t.calStats = st

	if st.Valid {
		t.threshold = st.Mean
		t.triggerRatio = st.SuggestedTriggerRatio
	}
	t.noTrigger = 0
}

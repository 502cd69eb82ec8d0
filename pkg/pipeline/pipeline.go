// Package pipeline orchestrates the real-time signal path: one onset
// timeline per input channel, the channel calibration engine, the output
// router and limiter, and the signal-health state machine that substitutes
// synthetic beats during dropouts.
//
// [Pipeline.AudioIn] and [Pipeline.AudioOut] are called from the device
// callback; everything else is called from control goroutines. One mutex
// serialises both sides and is only held for one buffer or one call. The
// audio methods never allocate, log or block after [Pipeline.Setup].
package pipeline

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/calibration"
	"github.com/MrWong99/pulsekit/pkg/dsp"
	"github.com/MrWong99/pulsekit/pkg/onset"
	"github.com/MrWong99/pulsekit/pkg/router"
)

// Output probe and limiter settings.
const (
	selfGainDB         = -15
	noiseGainDB        = -24
	limiterThresholdDB = -3
	limiterReleaseMs   = 80
)

// BeatMetrics is the latest detector state of one channel.
type BeatMetrics struct {
	Participant  audio.ParticipantID `json:"participant"`
	BPM          float32             `json:"bpm"`
	Envelope     float32             `json:"envelope"`
	TimestampSec float64             `json:"timestamp_sec"`
	Triggered    bool                `json:"triggered"`
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithRouter attaches r. With four or more output channels the router fills
// the output instead of the level probe.
func WithRouter(r *router.Router) Option {
	return func(p *Pipeline) { p.router = r }
}

// WithNoiseSeed fixes the seed of the probe noise. Without it a random seed
// is drawn once in [New].
func WithNoiseSeed(seed uint64) Option {
	return func(p *Pipeline) { p.seed = seed }
}

// WithPlanConfig overrides the calibration stimulus. The sample rate is
// always taken from [Pipeline.Setup].
func WithPlanConfig(cfg calibration.PlanConfig) Option {
	return func(p *Pipeline) {
		p.planCfg = cfg
		p.customPlan = true
	}
}

// Pipeline is the signal path. Create it with [New] and call [Pipeline.Setup]
// before the first audio callback.
type Pipeline struct {
	mu sync.Mutex

	router     *router.Router
	seed       uint64
	planCfg    calibration.PlanConfig
	customPlan bool

	sampleRate   float64
	bufferFrames int
	rng          *rand.Rand

	timelines [audio.NumParticipants]onset.Timeline
	metrics   [audio.NumParticipants]BeatMetrics
	clock     uint64

	// Scratch sized in Setup; growth is counted so tests can prove the
	// steady state never reallocates.
	mono    [audio.NumParticipants][]float32
	self    []float32
	noise   []float32
	growths int

	inputGain float32

	session   *calibration.Session
	calArmed  bool
	calReady  bool
	calFresh  bool
	calValues calibration.Values

	envCalActive bool
	envCalFresh  bool
	lastEnvCal   onset.EnvelopeCalibrationStats

	signal    signalState
	health    SignalHealth
	synthetic onset.EventQueue

	limiter     dsp.Limiter
	reductionDB float32
	selfGain    float32
	noiseGain   float32
	fade        fadeState
	thumpPhase  float64
}

// New returns an unconfigured pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{seed: rand.Uint64(), inputGain: 1}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Setup (re)allocates scratch buffers for bufferFrames, resets every
// component and zeroes all statistics. Calibration values return to
// identity; the router's rules are kept.
func (p *Pipeline) Setup(sampleRate float64, bufferFrames int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sampleRate = sampleRate
	p.bufferFrames = bufferFrames
	p.rng = rand.New(rand.NewPCG(p.seed, p.seed^0x9e3779b97f4a7c15))

	for ch := range p.mono {
		p.mono[ch] = make([]float32, bufferFrames)
	}
	p.self = make([]float32, bufferFrames)
	p.noise = make([]float32, bufferFrames)
	p.growths = 0

	cfg := calibration.DefaultPlanConfig(sampleRate)
	if p.customPlan {
		cfg = p.planCfg
		cfg.SampleRate = sampleRate
	}
	p.session = calibration.NewSession(calibration.NewPlan(cfg))
	p.calArmed = false
	p.calReady = false
	p.calFresh = false
	p.calValues = calibration.IdentityValues()

	p.limiter.Setup(sampleRate, limiterThresholdDB, limiterReleaseMs)
	p.reductionDB = 0
	p.selfGain = dsp.DBToLinear(selfGainDB)
	p.noiseGain = dsp.DBToLinear(noiseGainDB)
	p.fade = fadeState{level: 1, target: 1}
	p.thumpPhase = 0
	if p.router != nil {
		p.router.Setup(sampleRate)
	}

	p.envCalActive = false
	p.envCalFresh = false
	p.lastEnvCal = onset.EnvelopeCalibrationStats{}
	p.resetDetection()
}

// resetDetection restarts the beat detectors, the clock, the metrics and
// the signal-health state. Callers hold mu.
func (p *Pipeline) resetDetection() {
	for ch := range p.timelines {
		p.timelines[ch].Setup(p.sampleRate, audio.ParticipantID(ch))
	}
	p.clock = 0
	for ch := range p.metrics {
		p.metrics[ch] = BeatMetrics{Participant: audio.ParticipantID(ch)}
	}
	p.signal = signalState{}
	p.health = SignalHealth{}
	p.synthetic.Reset()
}

// ensure grows the scratch buffers to frames. It only allocates when a
// device delivers a larger buffer than Setup was told about.
func (p *Pipeline) ensure(frames int) {
	if len(p.self) >= frames {
		return
	}
	for ch := range p.mono {
		p.mono[ch] = make([]float32, frames)
	}
	p.self = make([]float32, frames)
	p.noise = make([]float32, frames)
	p.growths++
}

// SampleRate returns the rate passed to Setup.
func (p *Pipeline) SampleRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleRate
}

// BufferFrames returns the current scratch size in frames.
func (p *Pipeline) BufferFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.self)
}

// Router returns the attached router, or nil.
func (p *Pipeline) Router() *router.Router { return p.router }

// SetInputGainDB sets the gain applied to both inputs before calibration.
// Amplified input is clamped to [-1, 1].
func (p *Pipeline) SetInputGainDB(db float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputGain = dsp.DBToLinear(db)
}

// FadeTo ramps the output level linearly to level (clamped to [0, 1]) over d.
// A non-positive d jumps immediately.
func (p *Pipeline) FadeTo(level float32, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fade.start(min(max(level, 0), 1), d.Seconds()*p.sampleRate)
}

// OutputLevel returns the current fade level.
func (p *Pipeline) OutputLevel() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fade.level
}

// ── Channel calibration ──────────────────────────────────────────────────

// StartCalibration arms channel calibration. Until it completes, AudioOut
// plays the stimulus and AudioIn feeds the analyser instead of the
// detectors. Starting while a run is in progress restarts it.
func (p *Pipeline) StartCalibration() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session.Start()
	p.calArmed = true
	p.calReady = false
	p.calFresh = false
	p.limiter.Reset()
	p.envCalActive = false
	p.envCalFresh = false
	p.resetDetection()
}

// finishCalibration adopts a completed session result and restarts
// detection so the stimulus does not bias the detectors. Callers hold mu.
func (p *Pipeline) finishCalibration() {
	if !p.calArmed || !p.session.Complete() {
		return
	}
	p.calValues = p.session.Result()
	p.calArmed = false
	p.calReady = true
	p.calFresh = true
	p.limiter.Reset()
	p.resetDetection()
}

// CalibrationActive reports whether a calibration run is armed.
func (p *Pipeline) CalibrationActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calArmed
}

// CalibrationProgress returns the fraction of the stimulus played so far.
func (p *Pipeline) CalibrationProgress() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Progress()
}

// CalibrationDuration returns the length of one calibration run.
func (p *Pipeline) CalibrationDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.session.Plan().Duration() * float64(time.Second))
}

// CalibrationReady reports whether the current values come from a completed
// run or were installed with SetCalibration.
func (p *Pipeline) CalibrationReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calReady
}

// CalibrationValues returns the per-channel correction in use.
func (p *Pipeline) CalibrationValues() calibration.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calValues
}

// SetCalibration installs v, typically loaded from a calibration file.
func (p *Pipeline) SetCalibration(v calibration.Values) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calValues = v
	p.calReady = true
}

// PollCalibrationResult returns the values of a newly completed run exactly
// once.
func (p *Pipeline) PollCalibrationResult() (calibration.Values, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.calFresh {
		return calibration.Values{}, false
	}
	p.calFresh = false
	return p.calValues, true
}

// ── Envelope calibration ─────────────────────────────────────────────────

// StartEnvelopeCalibration measures the envelope baseline of the first
// channel for durationSec. Detection on the second channel continues.
func (p *Pipeline) StartEnvelopeCalibration(durationSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timelines[0].BeginEnvelopeCalibration(durationSec)
	p.envCalActive = p.timelines[0].EnvelopeCalibrating()
	p.envCalFresh = false
}

// EnvelopeCalibrationActive reports whether a baseline measurement runs.
func (p *Pipeline) EnvelopeCalibrationActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.envCalActive
}

// EnvelopeCalibrationProgress returns the measured fraction in [0, 1].
func (p *Pipeline) EnvelopeCalibrationProgress() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timelines[0].CalibrationProgress()
}

// LastEnvelopeCalibration returns the most recent baseline result.
func (p *Pipeline) LastEnvelopeCalibration() onset.EnvelopeCalibrationStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEnvCal
}

// PollEnvelopeCalibration returns a newly completed baseline result exactly
// once.
func (p *Pipeline) PollEnvelopeCalibration() (onset.EnvelopeCalibrationStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.envCalFresh {
		return onset.EnvelopeCalibrationStats{}, false
	}
	p.envCalFresh = false
	return p.lastEnvCal, true
}

// ── Polling ──────────────────────────────────────────────────────────────

// PollBeatEvents drains every queue and returns the events ordered by
// timestamp, then sequence id. Ties keep channel order: participant 1,
// participant 2, synthetic.
func (p *Pipeline) PollBeatEvents() []audio.BeatEvent {
	p.mu.Lock()
	n := p.synthetic.Len()
	for ch := range p.timelines {
		n += p.timelines[ch].Events().Len()
	}
	events := make([]audio.BeatEvent, 0, n)
	for ch := range p.timelines {
		events = p.timelines[ch].Events().Drain(events)
	}
	events = p.synthetic.Drain(events)
	p.mu.Unlock()

	slices.SortStableFunc(events, func(a, b audio.BeatEvent) int {
		return cmp.Or(cmp.Compare(a.TimestampSec, b.TimestampSec), cmp.Compare(a.SequenceID, b.SequenceID))
	})
	return events
}

// PollParticipantEvents drains only the queue of id. Unknown ids yield nil.
func (p *Pipeline) PollParticipantEvents(id audio.ParticipantID) []audio.BeatEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case id.IsLive():
		return p.timelines[id].Events().Drain(nil)
	case id == audio.ParticipantSynthetic:
		return p.synthetic.Drain(nil)
	}
	return nil
}

// DroppedEvents returns how many events the bounded queues have evicted
// since the last reset.
func (p *Pipeline) DroppedEvents() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.synthetic.Dropped()
	for ch := range p.timelines {
		n += p.timelines[ch].Events().Dropped()
	}
	return n
}

// SignalHealth returns the health snapshot of the last input buffer.
func (p *Pipeline) SignalHealth() SignalHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// LatestMetrics returns the metrics of the first channel.
func (p *Pipeline) LatestMetrics() BeatMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics[0]
}

// ChannelMetrics returns the metrics of participant id. The boolean is false
// for ids without an input channel.
func (p *Pipeline) ChannelMetrics(id audio.ParticipantID) (BeatMetrics, bool) {
	if !id.IsLive() {
		return BeatMetrics{Participant: id}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics[id], true
}

// LimiterReductionDB returns the limiter gain reduction at the end of the
// last output buffer.
func (p *Pipeline) LimiterReductionDB() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reductionDB
}

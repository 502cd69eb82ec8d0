// Package stimulus synthesises the reference signals used for calibration
// rehearsal, demos and tests: sine tones, rectangular pulses and a
// dual-peak heartbeat.
package stimulus

import "math"

// Heartbeat shape.
const (
	carrierHz       = 80.0
	hitDecaySec     = 0.003
	hitLengthSec    = 0.040
	secondDelaySec  = 0.070
	secondaryRatio  = 0.6
	DemoPeakDBFS    = -12.0
	DemoPrimaryDBFS = -14.0
)

// DBFS converts a level in dB relative to full scale to a linear amplitude.
func DBFS(db float64) float32 {
	return float32(math.Pow(10, db/20))
}

// Sine fills dst with amp·sin(2π·freq·n/sampleRate) for n starting at start.
func Sine(dst []float32, sampleRate, freq float64, amp float32, start int) {
	for i := range dst {
		n := float64(start + i)
		dst[i] = amp * float32(math.Sin(2*math.Pi*freq*n/sampleRate))
	}
}

// RectPulse returns n samples at constant amplitude.
func RectPulse(n int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp
	}
	return out
}

// Heartbeat streams a dual-peak pulse: a decaying 80 Hz burst followed 70 ms
// later by a second burst at 60 % of the amplitude. The zero value is silent;
// use [NewHeartbeat].
type Heartbeat struct {
	sampleRate float64
	amplitude  float32
	interval   int
	hitLen     int
	second     int
	decay      float64

	pos   int
	muted bool
}

// NewHeartbeat returns a generator at bpm with the given primary amplitude.
// The first beat starts at sample 0.
func NewHeartbeat(sampleRate, bpm float64, amplitude float32) *Heartbeat {
	h := &Heartbeat{
		sampleRate: sampleRate,
		amplitude:  amplitude,
		hitLen:     int(hitLengthSec * sampleRate),
		second:     int(secondDelaySec * sampleRate),
		decay:      hitDecaySec * sampleRate,
	}
	h.SetBPM(bpm)
	return h
}

// SetBPM changes the beat interval. The current beat finishes on the old
// schedule's phase.
func (h *Heartbeat) SetBPM(bpm float64) {
	if bpm <= 0 {
		bpm = 60
	}
	h.interval = max(1, int(60/bpm*h.sampleRate))
}

// SetMuted silences the output without stopping the beat clock.
func (h *Heartbeat) SetMuted(muted bool) { h.muted = muted }

// Muted reports whether the generator is silenced.
func (h *Heartbeat) Muted() bool { return h.muted }

// Read fills dst with the next samples. It does not allocate.
func (h *Heartbeat) Read(dst []float32) {
	for i := range dst {
		var v float32
		if !h.muted {
			v = h.hit(h.pos, h.amplitude) + h.hit(h.pos-h.second, h.amplitude*secondaryRatio)
		}
		dst[i] = v
		h.pos++
		if h.pos >= h.interval {
			h.pos = 0
		}
	}
}

func (h *Heartbeat) hit(n int, amp float32) float32 {
	if n < 0 || n >= h.hitLen {
		return 0
	}
	env := math.Exp(-float64(n) / h.decay)
	return amp * float32(env*math.Sin(2*math.Pi*carrierHz*float64(n)/h.sampleRate))
}

// HeartbeatDemo renders durationSec of heartbeat at bpm and normalises the
// peak to [DemoPeakDBFS].
func HeartbeatDemo(sampleRate, durationSec, bpm float64) []float32 {
	out := make([]float32, int(durationSec*sampleRate))
	NewHeartbeat(sampleRate, bpm, DBFS(DemoPrimaryDBFS)).Read(out)

	var peak float32
	for _, s := range out {
		peak = max(peak, abs32(s))
	}
	if peak == 0 {
		return out
	}
	scale := DBFS(DemoPeakDBFS) / peak
	for i := range out {
		out[i] *= scale
	}
	return out
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

package dsp

import "math"

// MinDB is the floor reported for silence or full gain reduction.
const MinDB = -96

// Limiter is a zero-latency peak limiter. When a sample exceeds the
// threshold the gain drops to threshold/|x| on that very sample; below the
// threshold the gain recovers toward unity with the configured release time.
type Limiter struct {
	threshold    float32
	releaseCoeff float32

	gain         float32
	lastReduceDB float32
	maxReduceDB  float32
}

// Setup configures the limiter and resets its gain to unity.
func (l *Limiter) Setup(sampleRate, thresholdDB, releaseMs float64) {
	l.threshold = DBToLinear(float32(thresholdDB))
	l.releaseCoeff = timeCoeff(sampleRate, releaseMs)
	l.Reset()
}

// Process returns the gain to apply to x. The caller multiplies; this keeps
// the limiter usable as a shared gain for several linked channels.
func (l *Limiter) Process(x float32) float32 {
	a := abs32(x)
	if a > l.threshold {
		if g := l.threshold / a; g < l.gain {
			l.gain = g
		}
	} else {
		l.gain += (1 - l.gain) * (1 - l.releaseCoeff)
	}
	if l.gain < 0 {
		l.gain = 0
	} else if l.gain > 1 {
		l.gain = 1
	}

	db := LinearToDB(l.gain)
	if db < MinDB {
		db = MinDB
	}
	l.lastReduceDB = db
	if db < l.maxReduceDB {
		l.maxReduceDB = db
	}
	return l.gain
}

// Gain returns the gain computed for the most recent sample.
func (l *Limiter) Gain() float32 { return l.gain }

// LastReductionDB returns the gain reduction of the most recent sample in dB
// (0 means no reduction, floored at [MinDB]).
func (l *Limiter) LastReductionDB() float32 { return l.lastReduceDB }

// MaxReductionDB returns the deepest reduction seen since the last reset.
func (l *Limiter) MaxReductionDB() float32 { return l.maxReduceDB }

// Reset restores unity gain and clears the reduction statistics.
func (l *Limiter) Reset() {
	l.gain = 1
	l.lastReduceDB = 0
	l.maxReduceDB = 0
}

// DBToLinear converts decibels to a linear amplitude factor.
func DBToLinear(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}

// LinearToDB converts a linear amplitude to decibels. Values at or below
// 1e-12 map to -240 dB instead of -Inf.
func LinearToDB(v float32) float32 {
	return float32(20 * math.Log10(math.Max(float64(v), 1e-12)))
}

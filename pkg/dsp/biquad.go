// Package dsp holds the per-sample signal primitives used by the beat
// detector and the output stage: a biquad IIR filter, an asymmetric envelope
// follower and a backward-looking peak limiter.
//
// None of the types in this package allocate or lock. They are meant to be
// owned by a single goroutine (the audio callback) and embedded by value in
// larger structures.
package dsp

import "math"

// FilterType selects the response computed by [Biquad.Setup].
type FilterType int

const (
	LowPass FilterType = iota
	HighPass
	BandPass
)

// String returns the lower-case name of the filter type.
func (t FilterType) String() string {
	switch t {
	case LowPass:
		return "lowpass"
	case HighPass:
		return "highpass"
	case BandPass:
		return "bandpass"
	default:
		return "unknown"
	}
}

// Biquad is a two-pole/two-zero IIR filter in direct form I. The zero value
// passes nothing through; call [Biquad.Setup] first.
//
// Coefficients follow the RBJ audio-EQ cookbook and are normalised by a0.
// Frequency and Q must be positive; the result is undefined otherwise.
type Biquad struct {
	b0, b1, b2 float32
	a1, a2     float32

	x1, x2 float32
	y1, y2 float32
}

// Setup computes coefficients for the given response and clears the state.
func (f *Biquad) Setup(typ FilterType, sampleRate, cutoffHz, q float64) {
	w := 2 * math.Pi * cutoffHz / sampleRate
	cosw := math.Cos(w)
	alpha := math.Sin(w) / (2 * q)

	var b0, b1, b2 float64
	switch typ {
	case LowPass:
		b0 = (1 - cosw) / 2
		b1 = 1 - cosw
		b2 = (1 - cosw) / 2
	case HighPass:
		b0 = (1 + cosw) / 2
		b1 = -(1 + cosw)
		b2 = (1 + cosw) / 2
	case BandPass:
		b0 = alpha
		b1 = 0
		b2 = -alpha
	}
	a0 := 1 + alpha
	a1 := -2 * cosw
	a2 := 1 - alpha

	f.b0 = float32(b0 / a0)
	f.b1 = float32(b1 / a0)
	f.b2 = float32(b2 / a0)
	f.a1 = float32(a1 / a0)
	f.a2 = float32(a2 / a0)
	f.Reset()
}

// Process filters one sample.
func (f *Biquad) Process(x float32) float32 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2 = f.x1
	f.x1 = x
	f.y2 = f.y1
	f.y1 = y
	return y
}

// Reset zeroes the filter history but keeps the coefficients.
func (f *Biquad) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

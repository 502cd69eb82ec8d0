package dsp

import "math"

// EnvelopeFollower is an asymmetric rectify-and-smooth peak follower.
type EnvelopeFollower struct {
	attack  float32
	release float32
	value   float32
}

// Setup precomputes the smoothing coefficients. A non-positive time constant
// yields a coefficient of zero, which tracks the rectified input instantly.
func (e *EnvelopeFollower) Setup(sampleRate, attackMs, releaseMs float64) {
	e.attack = timeCoeff(sampleRate, attackMs)
	e.release = timeCoeff(sampleRate, releaseMs)
	e.value = 0
}

// Process advances the follower by one sample and returns the new envelope.
func (e *EnvelopeFollower) Process(x float32) float32 {
	r := abs32(x)
	c := e.release
	if r > e.value {
		c = e.attack
	}
	e.value = (1-c)*r + c*e.value
	return e.value
}

// Value returns the current envelope without advancing it.
func (e *EnvelopeFollower) Value() float32 { return e.value }

// Reset drops the envelope to zero.
func (e *EnvelopeFollower) Reset() { e.value = 0 }

// timeCoeff returns exp(-1/(t*sr)) for a time constant t in milliseconds.
func timeCoeff(sampleRate, ms float64) float32 {
	if ms <= 0 || sampleRate <= 0 {
		return 0
	}
	return float32(math.Exp(-1 / (0.001 * ms * sampleRate)))
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

package device

import "sync"

// Loopback feeds the device output back into its input, with a fixed gain
// and integer sample delay per channel. It stands in for a cable from the
// outputs to the inputs when rehearsing channel calibration.
type Loopback struct {
	mu    sync.Mutex
	gain  []float32
	delay []int
	lines [][]float32 // ring per channel, len = delay
	heads []int
	last  []float32
	lastN int
	outCh int
}

// NewLoopback returns a loopback for len(gain) input channels. Input
// channel k listens to output channel k.
func NewLoopback(gain []float32, delay []int) *Loopback {
	l := &Loopback{
		gain:  append([]float32(nil), gain...),
		delay: make([]int, len(gain)),
		lines: make([][]float32, len(gain)),
		heads: make([]int, len(gain)),
	}
	for ch := range l.delay {
		if ch < len(delay) && delay[ch] > 0 {
			l.delay[ch] = delay[ch]
		}
		l.lines[ch] = make([]float32, l.delay[ch])
	}
	return l
}

// Capture implements [Capturer].
func (l *Loopback) Capture(out []float32, channels int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cap(l.last) < len(out) {
		l.last = make([]float32, len(out))
	}
	l.last = l.last[:len(out)]
	copy(l.last, out)
	l.outCh = channels
	l.lastN = len(out) / channels
}

// Read implements [Source].
func (l *Loopback) Read(in []float32, channels int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	frames := len(in) / channels
	for f := range frames {
		for ch := range channels {
			var x float32
			if ch < len(l.gain) && ch < l.outCh && f < l.lastN {
				x = l.last[f*l.outCh+ch] * l.gain[ch]
			}
			if ch < len(l.lines) && l.delay[ch] > 0 {
				line := l.lines[ch]
				h := l.heads[ch]
				x, line[h] = line[h], x
				l.heads[ch] = (h + 1) % len(line)
			}
			in[f*channels+ch] = x
		}
	}
	return nil
}

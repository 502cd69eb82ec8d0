package audio

import (
	"fmt"
	"log/slog"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// FormatConverter converts interleaved float32 PCM to a target format. It logs
// a warning on the first format mismatch. Create one per stream; it keeps a
// scratch buffer and is not safe for concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once

	scratch []float32
}

// Convert returns pcm converted from src to the target format. When the
// formats already match, pcm is returned unchanged. The returned slice is
// only valid until the next call.
func (c *FormatConverter) Convert(pcm []float32, src Format) ([]float32, error) {
	if src == c.Target {
		return pcm, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	// Resample first, then remap, so that a downmix happens at the lower rate.
	out := pcm
	if src.SampleRate != c.Target.SampleRate {
		var err error
		if out, err = Resample(out, src.Channels, src.SampleRate, c.Target.SampleRate); err != nil {
			return nil, err
		}
	}
	if src.Channels != c.Target.Channels {
		frames := len(out) / src.Channels
		need := frames * c.Target.Channels
		if cap(c.scratch) < need {
			c.scratch = make([]float32, need)
		}
		c.scratch = c.scratch[:need]
		RemapChannels(c.scratch, c.Target.Channels, out, src.Channels)
		out = c.scratch
	}
	return out, nil
}

// RemapChannels copies interleaved frames from src (srcCh channels) into dst
// (dstCh channels). Extra destination channels are filled from the source
// modulo its width; a narrower destination receives the average of the source
// channels that fold onto it. It does not allocate.
func RemapChannels(dst []float32, dstCh int, src []float32, srcCh int) {
	frames := min(len(src)/srcCh, len(dst)/dstCh)
	for f := range frames {
		in := src[f*srcCh : f*srcCh+srcCh]
		out := dst[f*dstCh : f*dstCh+dstCh]
		if dstCh >= srcCh {
			for c := range out {
				out[c] = in[c%srcCh]
			}
			continue
		}
		for c := range out {
			var sum float32
			var n int
			for s := c; s < srcCh; s += dstCh {
				sum += in[s]
				n++
			}
			out[c] = sum / float32(n)
		}
	}
}

// Deinterleave copies channel ch of an interleaved buffer into dst and
// returns the number of frames written.
func Deinterleave(dst []float32, src []float32, channels, ch int) int {
	frames := min(len(src)/channels, len(dst))
	for f := range frames {
		dst[f] = src[f*channels+ch]
	}
	return frames
}

// Resample converts interleaved float32 PCM between sample rates with a
// band-limited polyphase filter, so content above the new Nyquist frequency
// is removed rather than folded back. The input is returned unchanged if the
// rates match. The output holds round(frames·dstRate/srcRate) frames.
func Resample(pcm []float32, channels, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm, nil
	}
	srcFrames := len(pcm) / channels
	if srcFrames == 0 {
		return pcm, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d->%d: %w", srcRate, dstRate, err)
	}

	in := make([]float64, srcFrames*channels)
	for i := range in {
		in[i] = float64(pcm[i])
	}
	body, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: resample flush: %w", err)
	}

	dstFrames := int((int64(srcFrames)*int64(dstRate) + int64(srcRate)/2) / int64(srcRate))
	out := make([]float32, dstFrames*channels)
	n := copy(out, float64sToFloat32(body))
	copy(out[n:], float64sToFloat32(tail))
	return out, nil
}

func float64sToFloat32(src []float64) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float32(v)
	}
	return dst
}

// IntToFloat scales signed integer samples of the given bit depth to [-1, 1].
func IntToFloat(dst []float32, src []int, bitDepth int) {
	scale := float32(int64(1) << (bitDepth - 1))
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = float32(src[i]) / scale
	}
}

// FloatToInt scales float samples to signed integers of the given bit depth,
// clamping to the representable range.
func FloatToInt(dst []int, src []float32, bitDepth int) {
	full := int64(1) << (bitDepth - 1)
	hi, lo := full-1, -full
	n := min(len(dst), len(src))
	for i := range n {
		v := int64(src[i] * float32(full))
		if v > hi {
			v = hi
		} else if v < lo {
			v = lo
		}
		dst[i] = int(v)
	}
}

// Clamp limits x to [-1, 1].
func Clamp(x float32) float32 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

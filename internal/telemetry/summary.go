package telemetry

import (
	"math"
	"time"

	"github.com/MrWong99/pulsekit/pkg/audio"
)

// BPM samples outside this open range are not aggregated.
const (
	minSummaryBPM = 0.1
	maxSummaryBPM = 260
)

// Summary is the end-of-session report.
type Summary struct {
	SessionID   string  `json:"session_id"`
	SampleCount int     `json:"sample_count"`
	AvgBPM      float64 `json:"avg_bpm"`
	MinBPM      float64 `json:"min_bpm"`
	MaxBPM      float64 `json:"max_bpm"`

	// RR statistics are derived from the BPM samples (60000 / bpm).
	RRMeanMs float64 `json:"rr_mean_ms"`
	SDNNMs   float64 `json:"sdnn_ms"`
	RMSSDMs  float64 `json:"rmssd_ms"`

	DurationSec float64     `json:"duration_sec"`
	TimestampUS Span[int64] `json:"timestamp_us"`

	// WallClockUTC is absent when no frame was recorded.
	WallClockUTC *Span[string] `json:"wall_clock_utc,omitempty"`

	// Beats counts beat events by participant name.
	Beats map[string]int `json:"beats"`

	// FallbackFrames counts frames recorded while the fallback was engaged.
	FallbackFrames int `json:"fallback_frames"`

	Dropouts int `json:"dropouts"`
}

// Span is a start/end pair.
type Span[T any] struct {
	Start T `json:"start"`
	End   T `json:"end"`
}

// Aggregator accumulates frames and beats into a [Summary]. It is not safe
// for concurrent use.
type Aggregator struct {
	bpm            []float64
	rr             []float64
	first, last    int64
	seen           bool
	wallStart      time.Time
	wallEnd        time.Time
	beats          map[string]int
	fallbackFrames int
	dropouts       int
}

// NewAggregator returns an empty [Aggregator].
func NewAggregator() *Aggregator {
	return &Aggregator{beats: make(map[string]int)}
}

// AddFrame ingests one frame observed at wall time now.
func (a *Aggregator) AddFrame(f Frame, now time.Time) {
	if !a.seen {
		a.seen = true
		a.first = f.TimestampUS
		a.wallStart = now
	}
	a.last = f.TimestampUS
	a.wallEnd = now
	if f.Fallback {
		a.fallbackFrames++
	}

	bpm := float64(f.BPM)
	if bpm > minSummaryBPM && bpm < maxSummaryBPM {
		a.bpm = append(a.bpm, bpm)
		a.rr = append(a.rr, 60000/math.Max(1, bpm))
	}
}

// AddBeats counts beat events.
func (a *Aggregator) AddBeats(beats []audio.BeatEvent) {
	for _, b := range beats {
		a.beats[b.Participant.String()]++
	}
}

// AddDropout counts one fallback episode.
func (a *Aggregator) AddDropout() { a.dropouts++ }

// Summary computes the report so far.
func (a *Aggregator) Summary(sessionID string) Summary {
	s := Summary{
		SessionID:      sessionID,
		SampleCount:    len(a.bpm),
		AvgBPM:         mean(a.bpm),
		RRMeanMs:       mean(a.rr),
		SDNNMs:         stddev(a.rr),
		RMSSDMs:        rmssd(a.rr),
		TimestampUS:    Span[int64]{Start: a.first, End: a.last},
		Beats:          make(map[string]int, len(a.beats)),
		FallbackFrames: a.fallbackFrames,
		Dropouts:       a.dropouts,
	}
	if len(a.bpm) > 0 {
		s.MinBPM, s.MaxBPM = a.bpm[0], a.bpm[0]
		for _, v := range a.bpm[1:] {
			s.MinBPM = math.Min(s.MinBPM, v)
			s.MaxBPM = math.Max(s.MaxBPM, v)
		}
	}
	if a.last > a.first {
		s.DurationSec = float64(a.last-a.first) / 1e6
	}
	if a.seen {
		s.WallClockUTC = &Span[string]{
			Start: a.wallStart.UTC().Format(time.RFC3339),
			End:   a.wallEnd.UTC().Format(time.RFC3339),
		}
	}
	for k, v := range a.beats {
		s.Beats[k] = v
	}
	return s
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var acc float64
	for _, x := range xs {
		d := x - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(xs)-1))
}

// rmssd is the root mean square of successive differences.
func rmssd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var acc float64
	for i := 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(xs)-1))
}

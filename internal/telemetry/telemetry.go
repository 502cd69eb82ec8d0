// Package telemetry records a pulsekit session: it drains beat events and
// signal health from the pipeline on a fixed interval and fans them out to
// sinks (session CSV files, Postgres, a websocket stream). At the end of a
// session every sink receives a [Summary] with heart-rate statistics.
//
// The recorder runs on its own goroutine and only touches the pipeline
// through its polling accessors, never from the audio callbacks.
package telemetry

import (
	"context"

	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/google/uuid"
)

// Frame is one periodic snapshot of the session.
type Frame struct {
	// TimestampUS is the time since the session started, in microseconds.
	TimestampUS int64 `json:"timestamp_us"`

	// BPM is the smoothed rate, or the synthetic rate while the fallback
	// is engaged.
	BPM float32 `json:"bpm"`

	// Envelope is the larger of the two channel envelopes, or the synthetic
	// envelope while the fallback is engaged.
	Envelope float32 `json:"envelope"`

	Scene    string  `json:"scene"`
	Fallback bool    `json:"fallback"`
	Blend    float32 `json:"blend"`
}

// Batch is everything drained in one recorder tick.
type Batch struct {
	SessionID uuid.UUID
	Frames    []Frame
	Beats     []audio.BeatEvent
}

// Sink receives recorder output. Write is called from the recorder
// goroutine only; Finish is called once, after the last Write.
type Sink interface {
	// Name labels the sink in logs and metrics.
	Name() string

	Write(ctx context.Context, b Batch) error

	// Finish stores the session summary and releases the sink's resources.
	Finish(ctx context.Context, s Summary) error
}

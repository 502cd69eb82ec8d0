package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pulsekit/internal/observe"
	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/pipeline"
)

// DefaultInterval is the recorder tick period.
const DefaultInterval = 250 * time.Millisecond

const finishTimeout = 5 * time.Second

// Source is the part of the pipeline the recorder polls.
type Source interface {
	PollBeatEvents() []audio.BeatEvent
	SignalHealth() pipeline.SignalHealth
	ChannelMetrics(id audio.ParticipantID) (pipeline.BeatMetrics, bool)
	LimiterReductionDB() float32
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithSessionID sets the session id. Default: a random UUID.
func WithSessionID(id uuid.UUID) RecorderOption {
	return func(r *Recorder) { r.session = id }
}

// WithInterval sets the tick period. Default: [DefaultInterval].
func WithInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMetrics records beat, channel and signal metrics on m.
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithSceneFunc sets the function that names the active scene for each frame.
func WithSceneFunc(fn func() string) RecorderOption {
	return func(r *Recorder) { r.scene = fn }
}

func withClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder polls a [Source] on a fixed interval and writes one [Frame] plus
// the drained beat events per tick to every sink.
type Recorder struct {
	src      Source
	sinks    []Sink
	session  uuid.UUID
	interval time.Duration
	metrics  *observe.Metrics
	scene    func() string
	now      func() time.Time

	started time.Time

	mu            sync.Mutex
	agg           *Aggregator
	fallback      bool
	fallbackSince time.Time
	finished      bool
}

// NewRecorder creates a recorder for src. The session clock starts now.
func NewRecorder(src Source, sinks []Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		src:      src,
		sinks:    sinks,
		session:  uuid.New(),
		interval: DefaultInterval,
		scene:    func() string { return "" },
		now:      time.Now,
		agg:      NewAggregator(),
	}
	for _, o := range opts {
		o(r)
	}
	r.started = r.now()
	return r
}

// SessionID returns the session id.
func (r *Recorder) SessionID() uuid.UUID { return r.session }

// Started returns when the session clock started.
func (r *Recorder) Started() time.Time { return r.started }

// Summary returns the statistics recorded so far. Safe for concurrent use.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agg.Summary(r.session.String())
}

// Run ticks until ctx is done, then records a last tick and finishes every
// sink. The returned error joins the Finish errors.
func (r *Recorder) Run(ctx context.Context) error {
	ctx = observe.WithSession(ctx, r.session.String())
	slog.Info("telemetry recorder started",
		"session_id", r.session.String(),
		"interval", r.interval,
		"sinks", len(r.sinks),
	)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
			defer cancel()
			r.tick(fctx)
			return r.Finish(fctx)
		case <-t.C:
			r.tick(ctx)
		}
	}
}

func (r *Recorder) tick(ctx context.Context) {
	now := r.now()
	health := r.src.SignalHealth()
	beats := r.src.PollBeatEvents()

	var env float32
	for id := audio.Participant1; id < audio.NumParticipants; id++ {
		m, ok := r.src.ChannelMetrics(id)
		if !ok {
			continue
		}
		env = max(env, m.Envelope)
		if r.metrics != nil {
			r.metrics.RecordChannel(ctx, id.String(), float64(m.BPM), float64(m.Envelope))
		}
	}

	f := Frame{
		TimestampUS: now.Sub(r.started).Microseconds(),
		BPM:         health.BPMAverage,
		Envelope:    env,
		Scene:       r.scene(),
		Fallback:    health.FallbackActive,
		Blend:       health.FallbackBlend,
	}
	if health.FallbackActive {
		f.BPM = health.FallbackBPM
		f.Envelope = health.FallbackEnvelope
	}

	if r.metrics != nil {
		for _, b := range beats {
			r.metrics.RecordBeat(ctx, b.Participant.String())
		}
		r.metrics.RecordSignal(ctx, health.FallbackActive, float64(health.FallbackBlend), float64(r.src.LimiterReductionDB()))
	}

	r.mu.Lock()
	r.agg.AddFrame(f, now)
	r.agg.AddBeats(beats)
	r.trackFallback(ctx, health.FallbackActive, now)
	r.mu.Unlock()

	r.write(ctx, Batch{SessionID: r.session, Frames: []Frame{f}, Beats: beats})
}

// trackFallback must be called with r.mu held.
func (r *Recorder) trackFallback(ctx context.Context, active bool, now time.Time) {
	switch {
	case active && !r.fallback:
		r.fallback, r.fallbackSince = true, now
		r.agg.AddDropout()
		observe.Logger(ctx).Warn("signal dropout, synthetic heartbeat engaged")
	case !active && r.fallback:
		r.fallback = false
		d := now.Sub(r.fallbackSince)
		if r.metrics != nil {
			r.metrics.DropoutDuration.Record(ctx, d.Seconds())
		}
		observe.Logger(ctx).Info("signal recovered", "dropout", d)
	}
}

func (r *Recorder) write(ctx context.Context, b Batch) {
	for _, s := range r.sinks {
		sctx, span := observe.StartSpan(ctx, "telemetry.write",
			trace.WithAttributes(
				attribute.String("sink", s.Name()),
				attribute.Int("frames", len(b.Frames)),
				attribute.Int("beats", len(b.Beats)),
			),
		)
		start := time.Now()
		err := s.Write(sctx, b)
		status := "ok"
		switch {
		case errors.Is(err, ErrCircuitOpen):
			status = "skipped"
		case err != nil:
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observe.Logger(sctx).Warn("telemetry sink write failed", "sink", s.Name(), "err", err)
		}
		span.End()
		if r.metrics != nil {
			r.metrics.RecordSinkWrite(ctx, s.Name(), status, time.Since(start))
		}
	}
}

// Finish closes the session: it hands the summary to every sink exactly
// once. Later calls return nil. Run calls it on cancellation.
func (r *Recorder) Finish(ctx context.Context) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true
	if r.fallback {
		r.trackFallback(ctx, false, r.now())
	}
	sum := r.agg.Summary(r.session.String())
	r.mu.Unlock()

	var errs []error
	for _, s := range r.sinks {
		if err := s.Finish(ctx, sum); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("telemetry session finished",
		"session_id", sum.SessionID,
		"samples", sum.SampleCount,
		"avg_bpm", sum.AvgBPM,
		"rmssd_ms", sum.RMSSDMs,
		"dropouts", sum.Dropouts,
	)
	return errors.Join(errs...)
}

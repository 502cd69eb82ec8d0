package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/pulsekit/internal/observe"
	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/pipeline"
)

// memSink records everything it receives.
type memSink struct {
	name      string
	writeErr  error
	finishErr error

	mu       sync.Mutex
	batches  []Batch
	writes   int
	finished bool
	summary  Summary
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Write(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *memSink) Finish(_ context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.summary = sum
	return s.finishErr
}

func (s *memSink) frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, b := range s.batches {
		out = append(out, b.Frames...)
	}
	return out
}

// fakeSource is a scripted pipeline.
type fakeSource struct {
	mu      sync.Mutex
	health  pipeline.SignalHealth
	metrics [audio.NumParticipants]pipeline.BeatMetrics
	pending []audio.BeatEvent
	polls   int
}

func (f *fakeSource) PollBeatEvents() []audio.BeatEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeSource) SignalHealth() pipeline.SignalHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeSource) ChannelMetrics(id audio.ParticipantID) (pipeline.BeatMetrics, bool) {
	if !id.IsLive() {
		return pipeline.BeatMetrics{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics[id], true
}

func (f *fakeSource) LimiterReductionDB() float32 { return -1.5 }

func (f *fakeSource) set(fn func(*fakeSource)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func TestRecorder_TickBuildsFrame(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	src := &fakeSource{}
	src.health = pipeline.SignalHealth{BPMAverage: 66}
	src.metrics[0] = pipeline.BeatMetrics{Envelope: 0.2}
	src.metrics[1] = pipeline.BeatMetrics{Envelope: 0.6}
	src.pending = []audio.BeatEvent{{Participant: audio.Participant1, BPM: 66}}

	sink := &memSink{name: "mem"}
	r := NewRecorder(src, []Sink{sink}, withClock(clk.Now), WithSceneFunc(func() string { return "exchange" }))

	clk.Advance(250 * time.Millisecond)
	r.tick(context.Background())

	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(sink.batches))
	}
	b := sink.batches[0]
	if b.SessionID != r.SessionID() {
		t.Errorf("SessionID = %v, want %v", b.SessionID, r.SessionID())
	}
	want := Frame{TimestampUS: 250_000, BPM: 66, Envelope: 0.6, Scene: "exchange"}
	if len(b.Frames) != 1 || b.Frames[0] != want {
		t.Errorf("frames = %+v, want [%+v]", b.Frames, want)
	}
	if len(b.Beats) != 1 {
		t.Errorf("beats = %d, want 1", len(b.Beats))
	}
}

func TestRecorder_FallbackFrameAndDropouts(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	src := &fakeSource{}
	sink := &memSink{name: "mem"}

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecorder(src, []Sink{sink}, withClock(clk.Now), WithMetrics(m))
	ctx := context.Background()

	src.set(func(f *fakeSource) {
		f.health = pipeline.SignalHealth{BPMAverage: 70, FallbackActive: true, FallbackBPM: 60, FallbackEnvelope: 0.3, FallbackBlend: 0.5}
	})
	r.tick(ctx)
	clk.Advance(2 * time.Second)
	r.tick(ctx)
	src.set(func(f *fakeSource) { f.health = pipeline.SignalHealth{BPMAverage: 70} })
	r.tick(ctx)

	frames := sink.frames()
	if frames[0].BPM != 60 || frames[0].Envelope != 0.3 || !frames[0].Fallback || frames[0].Blend != 0.5 {
		t.Errorf("fallback frame = %+v", frames[0])
	}
	if frames[2].BPM != 70 || frames[2].Fallback {
		t.Errorf("recovered frame = %+v", frames[2])
	}

	s := r.Summary()
	if s.Dropouts != 1 || s.FallbackFrames != 2 {
		t.Errorf("Dropouts = %d, FallbackFrames = %d, want 1, 2", s.Dropouts, s.FallbackFrames)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "pulsekit.dropout.duration" {
				continue
			}
			h := md.Data.(metricdata.Histogram[float64])
			if len(h.DataPoints) != 1 || h.DataPoints[0].Count != 1 || h.DataPoints[0].Sum != 2 {
				t.Errorf("dropout histogram = %+v", h.DataPoints)
			}
			found = true
		}
	}
	if !found {
		t.Error("pulsekit.dropout.duration not recorded")
	}
}

func TestRecorder_SinkErrorsDoNotStopOthers(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	bad := &memSink{name: "bad", writeErr: errTest}
	good := &memSink{name: "good"}
	r := NewRecorder(src, []Sink{bad, Guard(&memSink{name: "open", writeErr: errTest}, newTestBreaker(newFakeClock(), 1)), good})

	ctx := context.Background()
	r.tick(ctx)
	r.tick(ctx)

	if bad.writes != 2 {
		t.Errorf("bad writes = %d, want 2", bad.writes)
	}
	if len(good.batches) != 2 {
		t.Errorf("good batches = %d, want 2", len(good.batches))
	}
}

func TestRecorder_RunFinishesSinksOnCancel(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.health = pipeline.SignalHealth{BPMAverage: 72}
	ok := &memSink{name: "ok"}
	broken := &memSink{name: "broken", finishErr: errTest}
	id := uuid.New()

	r := NewRecorder(src, []Sink{ok, broken}, WithSessionID(id), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		src.mu.Lock()
		polls := src.polls
		src.mu.Unlock()
		if polls >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, errTest) {
			t.Errorf("Run error = %v, want errTest", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	ok.mu.Lock()
	defer ok.mu.Unlock()
	if !ok.finished {
		t.Fatal("sink not finished")
	}
	if ok.summary.SessionID != id.String() {
		t.Errorf("summary session = %q, want %q", ok.summary.SessionID, id)
	}
	if ok.summary.SampleCount < 3 || ok.summary.AvgBPM != 72 {
		t.Errorf("summary = %+v", ok.summary)
	}
	if !broken.finished {
		t.Error("second sink not finished after first failed")
	}
}

package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/pulsekit/internal/app"
	"github.com/MrWong99/pulsekit/internal/config"
	"github.com/MrWong99/pulsekit/internal/device"
	"github.com/MrWong99/pulsekit/internal/observe"
	"github.com/MrWong99/pulsekit/internal/telemetry"
	"github.com/MrWong99/pulsekit/pkg/calibration"
	"github.com/MrWong99/pulsekit/pkg/router"
)

// testConfig returns an offline synthetic config that runs for d.
func testConfig(d time.Duration) *config.Config {
	cfg := config.Default()
	offline := false
	cfg.Device.Realtime = &offline
	cfg.Device.MaxDuration = d
	cfg.Audio.NoiseSeed = 7
	cfg.Telemetry.PollInterval = 10 * time.Millisecond
	return cfg
}

func newDevice(t *testing.T, cfg *config.Config) device.Device {
	t.Helper()
	reg := config.NewRegistry()
	app.RegisterBuiltinDevices(reg)
	dev, err := reg.CreateDevice(cfg.Device, cfg.Audio)
	if err != nil {
		t.Fatalf("CreateDevice(%q): %v", cfg.Device.Name, err)
	}
	return dev
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	return m, reader
}

// memSink records the batches and the summary it receives.
type memSink struct {
	mu       sync.Mutex
	frames   int
	finished bool
	summary  telemetry.Summary
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Write(_ context.Context, b telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames += len(b.Frames)
	return nil
}

func (s *memSink) Finish(_ context.Context, sum telemetry.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.summary = sum
	return nil
}

func runToCompletion(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run only returned after the test deadline")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNew_RequiresDevice(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), config.Default(), nil); err == nil {
		t.Fatal("New accepted a nil device")
	}
}

func TestRun_FiniteDeviceRecordsSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig(3 * time.Second)
	cfg.Telemetry.Dir = t.TempDir()
	m, reader := newTestMetrics(t)
	sink := &memSink{}

	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m), app.WithSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runToCompletion(t, a)

	// ceil(3 s * 48000 / 512)
	const wantBuffers = 282
	snap := a.Snapshot()
	if snap.Buffers != wantBuffers {
		t.Errorf("Buffers = %d, want %d", snap.Buffers, wantBuffers)
	}
	if snap.Running {
		t.Error("Running after the device stopped")
	}
	if snap.Device != "synthetic" {
		t.Errorf("Device = %q", snap.Device)
	}

	sink.mu.Lock()
	if !sink.finished || sink.frames == 0 {
		t.Errorf("sink finished = %v, frames = %d", sink.finished, sink.frames)
	}
	if sink.summary.SessionID != a.SessionID().String() {
		t.Errorf("summary session = %q, want %q", sink.summary.SessionID, a.SessionID())
	}
	sink.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(cfg.Telemetry.Dir, "*-summary.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("summary files = %v (%v)", files, err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var buffers int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name == "pulsekit.audio.buffers" {
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					buffers += dp.Value
				}
			}
		}
	}
	if buffers != wantBuffers {
		t.Errorf("pulsekit.audio.buffers = %d, want %d", buffers, wantBuffers)
	}
}

func TestCalibration_AutoRunSavesFile(t *testing.T) {
	t.Parallel()
	plan := calibration.NewPlan(calibration.DefaultPlanConfig(48000))
	cfg := testConfig(time.Duration((plan.Duration() + 0.5) * float64(time.Second)))
	cfg.Device.Name = "loopback"
	cfg.Device.Loopback.GainDB = []float64{-6, -12}
	cfg.Calibration.File = filepath.Join(t.TempDir(), "calibration.json")
	cfg.Calibration.AutoCalibrate = true
	m, _ := newTestMetrics(t)

	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Snapshot().Calibration.Active {
		t.Fatal("calibration not armed without a calibration file")
	}
	runToCompletion(t, a)

	v, err := calibration.Load(cfg.Calibration.File)
	if err != nil {
		t.Fatalf("calibration file not written: %v", err)
	}
	// Channel 2 comes back 6 dB quieter, so it needs twice the gain.
	if ratio := float64(v[1].Gain / v[0].Gain); math.Abs(ratio-2) > 0.15 {
		t.Errorf("gain ratio = %v, want ~2", ratio)
	}
	snap := a.Snapshot()
	if !snap.Calibration.Ready || snap.Calibration.Active || snap.Calibration.Error != "" {
		t.Errorf("calibration status = %+v", snap.Calibration)
	}
}

func TestCalibration_LoadsExistingFile(t *testing.T) {
	t.Parallel()
	cfg := testConfig(time.Second)
	cfg.Calibration.File = filepath.Join(t.TempDir(), "calibration.json")
	cfg.Calibration.AutoCalibrate = true

	want := calibration.IdentityValues()
	want[1].Gain = 1.5
	if err := calibration.Save(cfg.Calibration.File, want); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestMetrics(t)
	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	snap := a.Snapshot()
	if snap.Calibration.Active {
		t.Error("calibration armed although the file loaded")
	}
	if !snap.Calibration.Ready || snap.Calibration.Values[1].Gain != 1.5 {
		t.Errorf("calibration = %+v", snap.Calibration)
	}
}

func TestCalibration_ForcedRunIgnoresFile(t *testing.T) {
	t.Parallel()
	cfg := testConfig(time.Second)
	cfg.Calibration.File = filepath.Join(t.TempDir(), "calibration.json")
	if err := calibration.Save(cfg.Calibration.File, calibration.IdentityValues()); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestMetrics(t)
	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m), app.WithForcedCalibration())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if !a.Snapshot().Calibration.Active {
		t.Error("forced calibration not armed")
	}
}

func TestApplyCalibration(t *testing.T) {
	t.Parallel()
	v := calibration.IdentityValues()
	v[1].Gain = 0.5

	tests := []struct {
		name   string
		forced bool
		want   float32
	}{
		{"idle", false, 0.5},
		{"during run", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(time.Second)
			m, _ := newTestMetrics(t)
			opts := []app.Option{app.WithMetrics(m)}
			if tt.forced {
				opts = append(opts, app.WithForcedCalibration())
			}
			a, err := app.New(context.Background(), cfg, newDevice(t, cfg), opts...)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

			a.ApplyCalibration(v)
			if got := a.Pipeline().CalibrationValues()[1].Gain; got != tt.want {
				t.Errorf("CH2 gain = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(time.Second)
	m, _ := newTestMetrics(t)
	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	h := a.Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable}, // device not running yet
		{"/status", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/stream", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var st app.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.SessionID != a.SessionID().String() || st.Scene != "idle" || len(st.Channels) != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandler_StreamEnabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(time.Second)
	cfg.Telemetry.Stream = true
	m, _ := newTestMetrics(t)
	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	// A plain GET without upgrade headers reaches the stream and is refused
	// by the websocket handshake, not by the mux.
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code == http.StatusNotFound {
		t.Error("/stream not registered")
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var st map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	for _, key := range []string{"stream_clients", "stream_dropped"} {
		if v, ok := st[key]; !ok || v != float64(0) {
			t.Errorf("status %s = %v, want 0", key, v)
		}
	}
}

func TestReload_AppliesRoutingAndLogLevel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(time.Second)
	cfg.Routing.FadeMs = 10
	lv := new(slog.LevelVar)
	m, _ := newTestMetrics(t)
	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m), app.WithLevelVar(lv))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Routing.Scene = router.SceneExchange
	next.Audio.InputGainDB = 6
	a.Reload(config.Change{Old: cfg, New: &next, Diff: config.Diff(cfg, &next)})

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if got := a.Snapshot().Scene; got != "exchange" {
		t.Errorf("scene = %q, want exchange", got)
	}

	want := router.Preset(router.SceneExchange)
	deadline := time.Now().Add(2 * time.Second)
	for a.Pipeline().Router().Rules() != want {
		if time.Now().After(deadline) {
			t.Fatal("rules not swapped after the fade")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReload_RestartOnlyChangeKeepsRouting(t *testing.T) {
	t.Parallel()
	cfg := testConfig(time.Second)
	m, _ := newTestMetrics(t)
	a, err := app.New(context.Background(), cfg, newDevice(t, cfg), app.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	before := a.Pipeline().Router().Rules()
	next := *cfg
	next.Audio.SampleRate = 44100
	a.Reload(config.Change{Old: cfg, New: &next, Diff: config.Diff(cfg, &next)})

	if a.Pipeline().Router().Rules() != before {
		t.Error("restart-only change touched the routing")
	}
	if a.Pipeline().SampleRate() != 48000 {
		t.Error("sample rate changed without a restart")
	}
}

func TestRegisterBuiltinDevices(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinDevices(reg)

	got := reg.DeviceNames()
	want := []string{"loopback", "portaudio", "synthetic", "wav"}
	if len(got) != len(want) {
		t.Fatalf("DeviceNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DeviceNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	cfg := config.Default()
	cfg.Device.Name = "wav"
	cfg.Device.WAV.Path = filepath.Join(t.TempDir(), "missing.wav")
	if _, err := reg.CreateDevice(cfg.Device, cfg.Audio); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing wav: err = %v, want not-exist", err)
	}
}

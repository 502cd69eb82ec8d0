// Package app wires the pulsekit subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the signal path,
// loads calibration and opens the telemetry sinks, Run drives the audio
// device together with the control loop, the recorder and the HTTP server,
// and Shutdown tears everything down in order.
//
// The audio device is created by the caller (main resolves it through the
// config registry) so tests can pass a simulated device.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pulsekit/internal/config"
	"github.com/MrWong99/pulsekit/internal/device"
	"github.com/MrWong99/pulsekit/internal/health"
	"github.com/MrWong99/pulsekit/internal/observe"
	"github.com/MrWong99/pulsekit/internal/telemetry"
	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/calibration"
	"github.com/MrWong99/pulsekit/pkg/onset"
	"github.com/MrWong99/pulsekit/pkg/pipeline"
	"github.com/MrWong99/pulsekit/pkg/router"
)

const (
	// controlInterval is the period of the control loop that polls
	// calibration results and device progress.
	controlInterval = 50 * time.Millisecond

	// stallTimeout is how long the device may go without completing a
	// buffer before the audio readiness check fails.
	stallTimeout = 2 * time.Second

	shutdownTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	dev      device.Device
	pipe     *pipeline.Pipeline
	router   *router.Router
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	session  uuid.UUID

	recorder *telemetry.Recorder
	sinks    []telemetry.Sink
	stream   *telemetry.Stream
	postgres *telemetry.PostgresSink

	mux    *http.ServeMux
	server *http.Server

	// mu guards the hot-reloadable routing state.
	mu      sync.Mutex
	routing config.RoutingConfig
	fadeGen uint64

	running      atomic.Bool
	lastProgress atomic.Int64
	calStarted   time.Time
	envStarted   bool
	forceCal     bool
	calErr       atomic.Pointer[error]

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithSessionID sets the telemetry session id. Default: a random UUID.
func WithSessionID(id uuid.UUID) Option {
	return func(a *App) { a.session = id }
}

// WithSink adds a telemetry sink next to the ones the config enables.
func WithSink(s telemetry.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithForcedCalibration runs channel calibration at start even when the
// calibration file loaded. The result overwrites the file.
func WithForcedCalibration() Option {
	return func(a *App) { a.forceCal = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds an App around dev. It performs all initialisation
// synchronously: signal path setup, calibration load (or an automatic
// calibration run), telemetry sinks and the HTTP handlers.
func New(ctx context.Context, cfg *config.Config, dev device.Device, opts ...Option) (*App, error) {
	if dev == nil {
		return nil, errors.New("app: device is required")
	}
	a := &App{
		cfg:     cfg,
		dev:     dev,
		session: uuid.New(),
		routing: cfg.Routing,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.closers = append(a.closers, dev.Close)
	ctx = observe.WithSession(ctx, a.session.String())

	// ── 1. Signal path ───────────────────────────────────────────────────
	a.initPipeline()

	// ── 2. Calibration ───────────────────────────────────────────────────
	a.initCalibration(ctx)

	// ── 3. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		a.closeSinks(ctx)
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initPipeline() {
	sr := float64(a.cfg.Audio.SampleRate)
	a.router = router.New(sr)
	a.router.ReplaceRules(a.cfg.Routing.Rules())

	opts := []pipeline.Option{pipeline.WithRouter(a.router)}
	if seed := a.cfg.Audio.NoiseSeed; seed != 0 {
		opts = append(opts, pipeline.WithNoiseSeed(seed))
	}
	a.pipe = pipeline.New(opts...)
	a.pipe.Setup(sr, a.cfg.Audio.BufferFrames)
	a.pipe.SetInputGainDB(float32(a.cfg.Audio.InputGainDB))

	slog.Info("signal path ready",
		"sample_rate", a.cfg.Audio.SampleRate,
		"buffer_frames", a.cfg.Audio.BufferFrames,
		"scene", a.cfg.Routing.Scene.String(),
		"preset", a.cfg.Routing.Preset,
		"active_rules", a.router.ActiveRuleCount(),
	)
}

// initCalibration installs the calibration file or arms a calibration run.
func (a *App) initCalibration(ctx context.Context) {
	cc := a.cfg.Calibration
	loaded := false
	if cc.File != "" {
		_, span := observe.StartSpan(ctx, "calibration.load",
			trace.WithAttributes(attribute.String("path", cc.File)))
		var v calibration.Values
		v, loaded = calibration.LoadOrIdentity(cc.File)
		span.SetAttributes(attribute.Bool("loaded", loaded))
		span.End()
		if loaded {
			a.pipe.SetCalibration(v)
			slog.Info("calibration loaded", "path", cc.File, "identity", v.IsIdentity())
		}
	}
	if a.forceCal || (!loaded && cc.AutoCalibrate) {
		a.startCalibration()
	}
}

func (a *App) startCalibration() {
	a.calStarted = time.Now()
	a.pipe.StartCalibration()
	slog.Info("channel calibration started", "duration", a.pipe.CalibrationDuration())
}

func (a *App) initTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	started := time.Now()

	if tc.Dir != "" {
		fs, err := telemetry.NewFileSink(tc.Dir, a.session, started)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, fs)
		slog.Info("telemetry file sink", "path", fs.SessionPath())
	}

	if tc.PostgresDSN != "" {
		ps, err := telemetry.NewPostgresSink(ctx, tc.PostgresDSN, a.session, started)
		if err != nil {
			return err
		}
		a.postgres = ps
		cb := telemetry.NewCircuitBreaker(telemetry.BreakerConfig{
			Name:         ps.Name(),
			MaxFailures:  tc.Breaker.MaxFailures,
			ResetTimeout: tc.Breaker.ResetTimeout,
		})
		a.sinks = append(a.sinks, telemetry.Guard(ps, cb))
	}

	if tc.Stream {
		a.stream = telemetry.NewStream(
			telemetry.WithBuffer(tc.StreamBuffer),
			telemetry.WithWriteTimeout(tc.StreamWriteTimeout),
			telemetry.WithOriginPatterns(tc.StreamOrigins...),
			telemetry.WithStreamMetrics(a.metrics),
		)
		a.sinks = append(a.sinks, a.stream)
	}

	a.recorder = telemetry.NewRecorder(a.pipe, a.sinks,
		telemetry.WithSessionID(a.session),
		telemetry.WithInterval(tc.PollInterval),
		telemetry.WithMetrics(a.metrics),
		telemetry.WithSceneFunc(a.sceneName),
	)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.recorder.Finish(ctx)
	})
	return nil
}

// closeSinks releases sinks opened before a failed New.
func (a *App) closeSinks(ctx context.Context) {
	for _, s := range a.sinks {
		if err := s.Finish(ctx, telemetry.Summary{SessionID: a.session.String()}); err != nil {
			slog.Warn("closing telemetry sink", "sink", s.Name(), "err", err)
		}
	}
}

func (a *App) initHTTP() {
	checkers := []health.Checker{
		{Name: "audio", Check: a.checkAudio},
		{Name: "calibration", Check: a.checkCalibration},
		{Name: "signal", Check: a.checkSignal, Optional: true},
	}
	if a.postgres != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.postgres.Ping, Optional: true})
	}

	a.mux = http.NewServeMux()
	health.New(checkers, health.WithStatus(a.status)).Register(a.mux)
	a.mux.Handle("GET /metrics", promhttp.Handler())
	if a.stream != nil {
		a.mux.Handle("GET /stream", a.stream)
	}

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Handler returns the HTTP routes (health, status, metrics and, when
// enabled, the beat stream) without the listener. Requests are traced under
// the app's session id.
func (a *App) Handler() http.Handler {
	h := observe.Middleware(a.metrics)(a.mux)
	id := a.session.String()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(observe.WithSession(r.Context(), id)))
	})
}

// Pipeline returns the signal path.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// SessionID returns the telemetry session id.
func (a *App) SessionID() uuid.UUID { return a.session }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the device until ctx is cancelled or the device stops. A device
// that stops on its own (a finite source) ends the run without error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	a.lastProgress.Store(time.Now().UnixNano())
	a.running.Store(true)
	g.Go(func() error {
		defer cancel()
		defer a.running.Store(false)
		if err := a.dev.Run(gctx, a.pipe); err != nil {
			return fmt.Errorf("app: device %s: %w", a.dev.Name(), err)
		}
		slog.Info("audio device stopped", "device", a.dev.Name(), "buffers", a.dev.Buffers())
		return nil
	})

	g.Go(func() error {
		a.controlLoop(gctx)
		return nil
	})

	g.Go(func() error {
		if err := a.recorder.Run(gctx); err != nil {
			slog.Warn("telemetry finish errors", "err", err)
		}
		return nil
	})

	if a.server != nil {
		g.Go(func() error { return a.serve(gctx) })
	}

	return g.Wait()
}

func (a *App) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		<-errCh
		return nil
	}
}

// controlLoop polls one-shot results off the audio path. A last pass on
// exit picks up a calibration that completed in the final buffers.
func (a *App) controlLoop(ctx context.Context) {
	t := time.NewTicker(controlInterval)
	defer t.Stop()
	var lastBuffers uint64
	for {
		select {
		case <-ctx.Done():
			a.controlTick(context.WithoutCancel(ctx), &lastBuffers)
			return
		case <-t.C:
			a.controlTick(ctx, &lastBuffers)
		}
	}
}

func (a *App) controlTick(ctx context.Context, lastBuffers *uint64) {
	if b := a.dev.Buffers(); b != *lastBuffers {
		a.metrics.AudioBuffers.Add(ctx, int64(b-*lastBuffers),
			metric.WithAttributes(attribute.String("device", a.dev.Name())))
		*lastBuffers = b
		a.lastProgress.Store(time.Now().UnixNano())
	}

	if v, ok := a.pipe.PollCalibrationResult(); ok {
		a.persistCalibration(ctx, v)
	}

	if sec := a.cfg.Calibration.EnvelopeSeconds; sec > 0 && !a.envStarted && !a.pipe.CalibrationActive() {
		a.envStarted = true
		a.pipe.StartEnvelopeCalibration(sec)
		slog.Info("envelope calibration started", "seconds", sec)
	}
	if st, ok := a.pipe.PollEnvelopeCalibration(); ok {
		result := "ok"
		if !st.Valid {
			result = "no_signal"
		}
		a.metrics.RecordCalibration(ctx, "envelope", result, time.Duration(st.DurationSec*float64(time.Second)))
		slog.Info("envelope calibration finished",
			"valid", st.Valid,
			"mean", st.Mean,
			"peak", st.Peak,
			"suggested_trigger_ratio", st.SuggestedTriggerRatio,
		)
	}
}

// persistCalibration records a finished channel calibration run and writes
// it to the calibration file.
func (a *App) persistCalibration(ctx context.Context, v calibration.Values) {
	elapsed := time.Since(a.calStarted)
	if v.IsIdentity() {
		err := errors.New("calibration measured no signal")
		a.calErr.Store(&err)
		a.metrics.RecordCalibration(ctx, "channel", "no_signal", elapsed)
		slog.Warn("channel calibration measured no signal, keeping identity")
		return
	}
	slog.Info("channel calibration finished",
		"ch1_gain", v[0].Gain, "ch1_delay", v[0].DelaySamples,
		"ch2_gain", v[1].Gain, "ch2_delay", v[1].DelaySamples,
	)

	path := a.cfg.Calibration.File
	if path == "" {
		a.calErr.Store(nil)
		a.metrics.RecordCalibration(ctx, "channel", "ok", elapsed)
		return
	}
	_, span := observe.StartSpan(ctx, "calibration.save", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	if err := calibration.Save(path, v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.calErr.Store(&err)
		a.metrics.RecordCalibration(ctx, "channel", "save_error", elapsed)
		slog.Error("failed to save calibration", "path", path, "err", err)
		return
	}
	a.calErr.Store(nil)
	a.metrics.RecordCalibration(ctx, "channel", "ok", elapsed)
	slog.Info("calibration saved", "path", path)
}

// ─── Config reload ───────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change. It is the
// callback for [config.NewWatcher].
func (a *App) Reload(ch config.Change) {
	d, new := ch.Diff, ch.New
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InputGainChanged {
		a.pipe.SetInputGainDB(float32(d.NewInputGainDB))
		slog.Info("input gain changed", "db", d.NewInputGainDB)
	}

	a.mu.Lock()
	a.routing.FadeMs = new.Routing.FadeMs
	if d.RoutingChanged {
		a.routing = new.Routing
	}
	routing := a.routing
	a.mu.Unlock()

	if d.RoutingChanged {
		a.crossfade(routing.Rules(), fadeDuration(routing.FadeMs))
		slog.Info("routing changed", "scene", routing.Scene.String(), "preset", routing.Preset)
	}
	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ApplyCalibration installs channel calibration values read back from the
// calibration file. It is ignored while a calibration run is in progress,
// since the run writes the file itself when it finishes.
func (a *App) ApplyCalibration(v calibration.Values) {
	if a.pipe.CalibrationActive() {
		slog.Debug("calibration file changed during a run; ignored")
		return
	}
	a.pipe.SetCalibration(v)
	slog.Info("calibration reloaded", "identity", v.IsIdentity())
}

// crossfade fades the output out, swaps the rules and fades back in. A newer
// crossfade supersedes one still in flight.
func (a *App) crossfade(rules router.Rules, d time.Duration) {
	a.mu.Lock()
	a.fadeGen++
	gen := a.fadeGen
	a.mu.Unlock()

	half := d / 2
	a.pipe.FadeTo(0, half)
	time.AfterFunc(half, func() {
		a.mu.Lock()
		current := a.fadeGen == gen
		a.mu.Unlock()
		if !current {
			return
		}
		a.router.ReplaceRules(rules)
		a.pipe.FadeTo(1, half)
	})
}

func fadeDuration(ms int) time.Duration {
	if ms <= 0 {
		ms = config.DefaultFadeMs
	}
	return time.Duration(ms) * time.Millisecond
}

// sceneName labels telemetry frames: the preset name when one is selected,
// otherwise the scene.
func (a *App) sceneName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.routing.Presets[a.routing.Preset]; ok && a.routing.Preset != "" {
		return a.routing.Preset
	}
	return a.routing.Scene.String()
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) checkAudio(context.Context) error {
	if !a.running.Load() {
		return fmt.Errorf("device %s not running", a.dev.Name())
	}
	if since := time.Since(time.Unix(0, a.lastProgress.Load())); since > stallTimeout {
		return fmt.Errorf("no audio buffers for %s", since.Round(time.Millisecond))
	}
	return nil
}

func (a *App) checkCalibration(context.Context) error {
	if p := a.calErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (a *App) checkSignal(context.Context) error {
	if h := a.pipe.SignalHealth(); h.FallbackActive {
		return fmt.Errorf("synthetic heartbeat engaged after %.1fs without beats", h.DropoutSeconds)
	}
	return nil
}

// Status is the body of GET /status.
type Status struct {
	SessionID string `json:"session_id"`
	Device    string `json:"device"`
	Running   bool   `json:"running"`
	Buffers   uint64 `json:"buffers"`
	Scene     string `json:"scene"`

	ActiveRules        int     `json:"active_rules"`
	OutputLevel        float32 `json:"output_level"`
	LimiterReductionDB float32 `json:"limiter_reduction_db"`
	DroppedEvents      uint64  `json:"dropped_events"`

	Calibration         CalibrationStatus        `json:"calibration"`
	EnvelopeCalibration EnvelopeCalibrationState `json:"envelope_calibration"`

	Signal   pipeline.SignalHealth  `json:"signal"`
	Channels []pipeline.BeatMetrics `json:"channels"`
	Summary  telemetry.Summary      `json:"summary"`

	StreamClients int    `json:"stream_clients"`
	StreamDropped uint64 `json:"stream_dropped"`
}

// CalibrationStatus describes channel calibration.
type CalibrationStatus struct {
	Active   bool               `json:"active"`
	Progress float32            `json:"progress"`
	Ready    bool               `json:"ready"`
	Values   calibration.Values `json:"values"`
	Error    string             `json:"error,omitempty"`
}

// EnvelopeCalibrationState describes envelope calibration.
type EnvelopeCalibrationState struct {
	Active   bool                           `json:"active"`
	Progress float32                        `json:"progress"`
	Last     onset.EnvelopeCalibrationStats `json:"last"`
}

// Snapshot returns the current [Status].
func (a *App) Snapshot() Status {
	s := Status{
		SessionID:          a.session.String(),
		Device:             a.dev.Name(),
		Running:            a.running.Load(),
		Buffers:            a.dev.Buffers(),
		Scene:              a.sceneName(),
		ActiveRules:        a.router.ActiveRuleCount(),
		OutputLevel:        a.pipe.OutputLevel(),
		LimiterReductionDB: a.pipe.LimiterReductionDB(),
		DroppedEvents:      a.pipe.DroppedEvents(),
		Calibration: CalibrationStatus{
			Active:   a.pipe.CalibrationActive(),
			Progress: a.pipe.CalibrationProgress(),
			Ready:    a.pipe.CalibrationReady(),
			Values:   a.pipe.CalibrationValues(),
		},
		EnvelopeCalibration: EnvelopeCalibrationState{
			Active:   a.pipe.EnvelopeCalibrationActive(),
			Progress: a.pipe.EnvelopeCalibrationProgress(),
			Last:     a.pipe.LastEnvelopeCalibration(),
		},
		Signal:  a.pipe.SignalHealth(),
		Summary: a.recorder.Summary(),
	}
	if err := a.checkCalibration(context.Background()); err != nil {
		s.Calibration.Error = err.Error()
	}
	for id := audio.Participant1; id < audio.NumParticipants; id++ {
		if m, ok := a.pipe.ChannelMetrics(id); ok {
			s.Channels = append(s.Channels, m)
		}
	}
	if a.stream != nil {
		s.StreamClients = a.stream.Subscribers()
		s.StreamDropped = a.stream.Dropped()
	}
	return s
}

func (a *App) status(context.Context) any { return a.Snapshot() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Package config provides the configuration schema, loader, hot-reload
// watcher and device registry for the pulsekit server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/router"
)

// LogLevel controls log verbosity for the pulsekit server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Device      DeviceConfig      `yaml:"device"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Routing     RoutingConfig     `yaml:"routing"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (health, metrics,
	// beat stream). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes the stream shape and the input stage.
type AudioConfig struct {
	SampleRate     int `yaml:"sample_rate"`
	BufferFrames   int `yaml:"buffer_frames"`
	InputChannels  int `yaml:"input_channels"`
	OutputChannels int `yaml:"output_channels"`

	// InputGainDB is applied to both inputs before calibration gain.
	InputGainDB float64 `yaml:"input_gain_db"`

	// NoiseSeed fixes the probe noise. Zero draws a random seed.
	NoiseSeed uint64 `yaml:"noise_seed"`
}

// DeviceConfig selects the audio device. Name is looked up in the [Registry].
type DeviceConfig struct {
	// Name is one of "synthetic", "wav", "loopback" or "portaudio".
	Name string `yaml:"name"`

	// Realtime paces simulated devices at the buffer period.
	Realtime *bool `yaml:"realtime"`

	// MaxDuration stops a simulated device after this much audio. Zero runs
	// until shutdown (or the end of a non-looping file).
	MaxDuration time.Duration `yaml:"max_duration"`

	Synthetic SyntheticDeviceConfig `yaml:"synthetic"`
	WAV       WAVDeviceConfig       `yaml:"wav"`
	Loopback  LoopbackDeviceConfig  `yaml:"loopback"`
}

// IsRealtime reports whether simulated devices run paced. Defaults to true.
func (d DeviceConfig) IsRealtime() bool {
	return d.Realtime == nil || *d.Realtime
}

// SyntheticDeviceConfig configures the synthetic heartbeat source.
type SyntheticDeviceConfig struct {
	BPM           [audio.NumParticipants]float64 `yaml:"bpm"`
	AmplitudeDBFS float64                        `yaml:"amplitude_dbfs"`
	Dropouts      []DropoutConfig                `yaml:"dropouts"`
}

// DropoutConfig schedules a silent stretch of the synthetic source.
type DropoutConfig struct {
	// Participant is "participant1", "participant2" or empty for both.
	Participant string        `yaml:"participant"`
	Start       time.Duration `yaml:"start"`
	Duration    time.Duration `yaml:"duration"`
}

// ParticipantID resolves Participant; empty means [audio.ParticipantNone].
func (d DropoutConfig) ParticipantID() (audio.ParticipantID, error) {
	return audio.ParseParticipant(d.Participant)
}

// WAVDeviceConfig plays a file as the device input.
type WAVDeviceConfig struct {
	Path string `yaml:"path"`
	Loop bool   `yaml:"loop"`
}

// LoopbackDeviceConfig wires outputs back to inputs.
type LoopbackDeviceConfig struct {
	GainDB       []float64 `yaml:"gain_db"`
	DelaySamples []int     `yaml:"delay_samples"`
}

// CalibrationConfig controls channel and envelope calibration at start-up.
type CalibrationConfig struct {
	// File is the calibration JSON read at start and written after a run.
	File string `yaml:"file"`

	// AutoCalibrate runs channel calibration at start when File is missing
	// or unusable.
	AutoCalibrate bool `yaml:"auto_calibrate"`

	// EnvelopeSeconds measures the envelope baseline of the first channel
	// for this long once the device runs. Zero skips it.
	EnvelopeSeconds float64 `yaml:"envelope_seconds"`
}

// RoutingConfig selects the output routing.
type RoutingConfig struct {
	Scene router.Scene `yaml:"scene"`

	// Preset names an entry of Presets that replaces the scene preset.
	Preset string `yaml:"preset"`

	// FadeMs is the output fade applied on every routing change. Zero uses
	// the default.
	FadeMs int `yaml:"fade_ms"`

	// Presets holds named rule sets. Channels not listed are silent.
	Presets map[string][]RuleConfig `yaml:"presets"`
}

// RuleConfig is one output channel of a named preset.
type RuleConfig struct {
	Channel int            `yaml:"channel"`
	Source  string         `yaml:"source"`
	Mode    router.MixMode `yaml:"mode"`
	GainDB  float32        `yaml:"gain_db"`
	Pan     float32        `yaml:"pan"`
}

// Rules returns the router rules of the active preset, or of the scene when
// no preset is selected.
func (r RoutingConfig) Rules() router.Rules {
	entries, ok := r.Presets[r.Preset]
	if r.Preset == "" || !ok {
		return router.Preset(r.Scene)
	}
	rs := router.SilentRules()
	for _, e := range entries {
		if e.Channel < 0 || e.Channel >= audio.NumOutputChannels {
			continue
		}
		src, err := audio.ParseParticipant(e.Source)
		if err != nil {
			continue
		}
		rs[e.Channel] = router.Rule{Source: src, Mode: e.Mode, GainDB: e.GainDB, Pan: e.Pan}
	}
	return rs
}

// TelemetryConfig controls beat recording.
type TelemetryConfig struct {
	// Dir receives one CSV and one JSON summary per session. Empty disables
	// file output.
	Dir string `yaml:"dir"`

	// PollInterval is how often beats and health are drained.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PostgresDSN enables the Postgres sink.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Stream enables the websocket beat stream on /stream.
	Stream bool `yaml:"stream"`

	// StreamBuffer is the per-client queue length. A client whose queue is
	// full misses messages until it catches up.
	StreamBuffer int `yaml:"stream_buffer"`

	// StreamWriteTimeout bounds a single websocket write.
	StreamWriteTimeout time.Duration `yaml:"stream_write_timeout"`

	// StreamOrigins lists host patterns allowed to connect cross-origin,
	// e.g. "dashboard.local:*".
	StreamOrigins []string `yaml:"stream_origins"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of remote sinks.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

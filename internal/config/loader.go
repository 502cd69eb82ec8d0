package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/router"
	"gopkg.in/yaml.v3"
)

// ValidDeviceNames lists the built-in device names.
// Used by [Validate] to warn about unrecognised device names.
var ValidDeviceNames = []string{"synthetic", "wav", "loopback", "portaudio"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultDevice        = "synthetic"
	DefaultBPM           = 60.0
	DefaultAmplitudeDBFS = -14.0
	DefaultFadeMs        = 200
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultMaxFailures   = 5
	DefaultResetTimeout  = 30 * time.Second
	DefaultStreamBuffer  = 256
	DefaultStreamWrite   = 5 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = audio.DefaultSampleRate
	}
	if a.BufferFrames == 0 {
		a.BufferFrames = audio.DefaultBufferFrames
	}
	if a.InputChannels == 0 {
		a.InputChannels = audio.DefaultInputChannels
	}
	if a.OutputChannels == 0 {
		a.OutputChannels = audio.DefaultOutputChannels
	}

	d := &cfg.Device
	if d.Name == "" {
		d.Name = DefaultDevice
	}
	for i, bpm := range d.Synthetic.BPM {
		if bpm == 0 {
			d.Synthetic.BPM[i] = DefaultBPM
		}
	}
	if d.Synthetic.AmplitudeDBFS == 0 {
		d.Synthetic.AmplitudeDBFS = DefaultAmplitudeDBFS
	}

	if cfg.Routing.FadeMs == 0 {
		cfg.Routing.FadeMs = DefaultFadeMs
	}

	t := &cfg.Telemetry
	if t.PollInterval == 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.StreamBuffer == 0 {
		t.StreamBuffer = DefaultStreamBuffer
	}
	if t.StreamWriteTimeout == 0 {
		t.StreamWriteTimeout = DefaultStreamWrite
	}
	if t.Breaker.MaxFailures == 0 {
		t.Breaker.MaxFailures = DefaultMaxFailures
	}
	if t.Breaker.ResetTimeout == 0 {
		t.Breaker.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.BufferFrames <= 0 || a.BufferFrames > 8192 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames %d is out of range [1, 8192]", a.BufferFrames))
	}
	if a.InputChannels < 1 {
		errs = append(errs, fmt.Errorf("audio.input_channels %d must be at least 1", a.InputChannels))
	} else if a.InputChannels < audio.NumParticipants {
		slog.Warn("fewer input channels than participants; the second participant will be silent",
			"input_channels", a.InputChannels,
		)
	}
	if a.OutputChannels < 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d must be at least 2", a.OutputChannels))
	} else if a.OutputChannels < audio.NumOutputChannels {
		slog.Warn("fewer than four output channels; routing is disabled and the probe output is used",
			"output_channels", a.OutputChannels,
		)
	}
	if a.InputGainDB < -60 || a.InputGainDB > 40 {
		errs = append(errs, fmt.Errorf("audio.input_gain_db %.1f is out of range [-60, 40]", a.InputGainDB))
	}

	// Device
	validateDevice(cfg.Device, &errs)

	// Calibration
	if s := cfg.Calibration.EnvelopeSeconds; s < 0 || s > 60 {
		errs = append(errs, fmt.Errorf("calibration.envelope_seconds %.1f is out of range [0, 60]", s))
	}
	if cfg.Calibration.AutoCalibrate && cfg.Calibration.File == "" {
		slog.Warn("calibration.auto_calibrate is set without calibration.file; results will not be persisted")
	}

	// Routing
	validateRouting(cfg.Routing, &errs)

	// Telemetry
	t := cfg.Telemetry
	if t.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("telemetry.poll_interval %v must not be negative", t.PollInterval))
	}
	if t.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("telemetry.breaker.max_failures %d must not be negative", t.Breaker.MaxFailures))
	}
	if t.StreamBuffer < 0 {
		errs = append(errs, fmt.Errorf("telemetry.stream_buffer %d must not be negative", t.StreamBuffer))
	}
	if t.StreamWriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("telemetry.stream_write_timeout %v must not be negative", t.StreamWriteTimeout))
	}
	if t.Stream && cfg.Server.ListenAddr == "" {
		slog.Warn("telemetry.stream is enabled but server.listen_addr is empty; the stream is unreachable")
	}

	return errors.Join(errs...)
}

func validateDevice(d DeviceConfig, errs *[]error) {
	if !slices.Contains(ValidDeviceNames, d.Name) {
		slog.Warn("unknown device name; may be a typo or a registered third-party device",
			"name", d.Name,
			"known", ValidDeviceNames,
		)
	}
	if d.MaxDuration < 0 {
		*errs = append(*errs, fmt.Errorf("device.max_duration %v must not be negative", d.MaxDuration))
	}
	for i, bpm := range d.Synthetic.BPM {
		if bpm < 20 || bpm > 240 {
			*errs = append(*errs, fmt.Errorf("device.synthetic.bpm[%d] %.1f is out of range [20, 240]", i, bpm))
		}
	}
	if d.Synthetic.AmplitudeDBFS > 0 {
		*errs = append(*errs, fmt.Errorf("device.synthetic.amplitude_dbfs %.1f must not exceed 0", d.Synthetic.AmplitudeDBFS))
	}
	for i, do := range d.Synthetic.Dropouts {
		if do.Start < 0 || do.Duration <= 0 {
			*errs = append(*errs, fmt.Errorf("device.synthetic.dropouts[%d] needs start >= 0 and duration > 0", i))
		}
		if id, err := do.ParticipantID(); err != nil {
			*errs = append(*errs, fmt.Errorf("device.synthetic.dropouts[%d].participant: %w", i, err))
		} else if id == audio.ParticipantSynthetic {
			*errs = append(*errs, fmt.Errorf("device.synthetic.dropouts[%d].participant must be a live participant or empty", i))
		}
	}
	if d.Name == "wav" && d.WAV.Path == "" {
		*errs = append(*errs, errors.New("device.wav.path is required when device.name is wav"))
	}
	for i, delay := range d.Loopback.DelaySamples {
		if delay < 0 {
			*errs = append(*errs, fmt.Errorf("device.loopback.delay_samples[%d] %d must not be negative", i, delay))
		}
	}
}

func validateRouting(r RoutingConfig, errs *[]error) {
	if r.FadeMs < 0 || r.FadeMs > 10000 {
		*errs = append(*errs, fmt.Errorf("routing.fade_ms %d is out of range [0, 10000]", r.FadeMs))
	}
	if r.Preset != "" {
		if _, ok := r.Presets[r.Preset]; !ok {
			*errs = append(*errs, fmt.Errorf("routing.preset %q is not defined in routing.presets", r.Preset))
		}
	}
	for name, rules := range r.Presets {
		seen := make(map[int]bool, len(rules))
		for i, rule := range rules {
			prefix := fmt.Sprintf("routing.presets[%s][%d]", name, i)
			if rule.Channel < 0 || rule.Channel >= audio.NumOutputChannels {
				*errs = append(*errs, fmt.Errorf("%s.channel %d is out of range [0, %d]", prefix, rule.Channel, audio.NumOutputChannels-1))
				continue
			}
			if seen[rule.Channel] {
				*errs = append(*errs, fmt.Errorf("%s.channel %d is a duplicate", prefix, rule.Channel))
			}
			seen[rule.Channel] = true
			if rule.Pan < -1 || rule.Pan > 1 {
				*errs = append(*errs, fmt.Errorf("%s.pan %.2f is out of range [-1, 1]", prefix, rule.Pan))
			}
			src, err := audio.ParseParticipant(rule.Source)
			if err != nil {
				*errs = append(*errs, fmt.Errorf("%s.source: %w", prefix, err))
				continue
			}
			if rule.Mode != router.Silent && !src.IsLive() {
				slog.Warn("routing rule has no live source and will output silence",
					"preset", name,
					"channel", rule.Channel,
					"source", src.String(),
				)
			}
		}
	}
}

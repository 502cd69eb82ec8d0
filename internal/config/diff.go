package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (device, stream shape, telemetry sinks) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InputGainChanged bool
	NewInputGainDB   float64

	// RoutingChanged is set when the scene, the selected preset or the
	// selected preset's rules differ.
	RoutingChanged bool

	FadeChanged bool
	NewFadeMs   int

	// RestartRequired is set when a field changed that is not hot-reloadable.
	RestartRequired bool
}

// Empty reports whether the diff carries nothing to apply.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.InputGainChanged && !d.RoutingChanged && !d.FadeChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.InputGainDB != new.Audio.InputGainDB {
		d.InputGainChanged = true
		d.NewInputGainDB = new.Audio.InputGainDB
	}

	if old.Routing.Scene != new.Routing.Scene ||
		old.Routing.Preset != new.Routing.Preset ||
		old.Routing.Rules() != new.Routing.Rules() {
		d.RoutingChanged = true
	}

	if old.Routing.FadeMs != new.Routing.FadeMs {
		d.FadeChanged = true
		d.NewFadeMs = new.Routing.FadeMs
	}

	oa, na := old.Audio, new.Audio
	oa.InputGainDB, na.InputGainDB = 0, 0
	if oa != na ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		!deviceEqual(old.Device, new.Device) ||
		old.Calibration != new.Calibration ||
		!telemetryEqual(old.Telemetry, new.Telemetry) {
		d.RestartRequired = true
	}

	return d
}

func deviceEqual(a, b DeviceConfig) bool {
	if a.Name != b.Name || a.IsRealtime() != b.IsRealtime() || a.MaxDuration != b.MaxDuration {
		return false
	}
	if a.Synthetic.BPM != b.Synthetic.BPM || a.Synthetic.AmplitudeDBFS != b.Synthetic.AmplitudeDBFS {
		return false
	}
	return slices.Equal(a.Synthetic.Dropouts, b.Synthetic.Dropouts) &&
		a.WAV == b.WAV &&
		slices.Equal(a.Loopback.GainDB, b.Loopback.GainDB) &&
		slices.Equal(a.Loopback.DelaySamples, b.Loopback.DelaySamples)
}

func telemetryEqual(a, b TelemetryConfig) bool {
	if !slices.Equal(a.StreamOrigins, b.StreamOrigins) {
		return false
	}
	a.StreamOrigins, b.StreamOrigins = nil, nil
	return reflect.DeepEqual(a, b)
}

package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/pulsekit/internal/config"
	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/router"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(*testing.T, config.ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("log level diff = %+v", d)
				}
			},
		},
		{
			name:   "input gain",
			mutate: func(c *config.Config) { c.Audio.InputGainDB = -6 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.InputGainChanged || d.NewInputGainDB != -6 {
					t.Errorf("input gain diff = %+v", d)
				}
			},
		},
		{
			name:   "scene",
			mutate: func(c *config.Config) { c.Routing.Scene = router.SceneMixed },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.RoutingChanged {
					t.Errorf("scene change not detected: %+v", d)
				}
			},
		},
		{
			name:   "fade",
			mutate: func(c *config.Config) { c.Routing.FadeMs = 1000 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.FadeChanged || d.NewFadeMs != 1000 {
					t.Errorf("fade diff = %+v", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tt.mutate(new)
			d := config.Diff(old, new)
			tt.check(t, d)
			if d.RestartRequired {
				t.Errorf("%s should be hot-reloadable", tt.name)
			}
		})
	}
}

func TestDiff_SelectedPresetEdited(t *testing.T) {
	t.Parallel()
	mk := func(gain float32) *config.Config {
		c := config.Default()
		c.Routing.Preset = "p"
		c.Routing.Presets = map[string][]config.RuleConfig{
			"p": {{Channel: 0, Source: "participant1", Mode: router.Self, GainDB: gain}},
		}
		return c
	}
	if d := config.Diff(mk(0), mk(-6)); !d.RoutingChanged {
		t.Error("edit of the selected preset not detected")
	}
	if d := config.Diff(mk(-6), mk(-6)); d.RoutingChanged {
		t.Error("identical presets reported as changed")
	}
}

func TestDiff_UnselectedPresetIgnored(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Routing.Presets = map[string][]config.RuleConfig{
		"unused": {{Channel: 1, Source: "participant2"}},
	}
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("unselected preset produced a diff: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 44100 }},
		{"buffer frames", func(c *config.Config) { c.Audio.BufferFrames = 128 }},
		{"device", func(c *config.Config) { c.Device.Name = "loopback" }},
		{"bpm", func(c *config.Config) { c.Device.Synthetic.BPM[1] = 90 }},
		{"dropouts", func(c *config.Config) {
			c.Device.Synthetic.Dropouts = []config.DropoutConfig{{Participant: audio.Participant1.String(), Duration: time.Second}}
		}},
		{"loopback delay", func(c *config.Config) { c.Device.Loopback.DelaySamples = []int{0, 8} }},
		{"calibration file", func(c *config.Config) { c.Calibration.File = "cal.json" }},
		{"telemetry dir", func(c *config.Config) { c.Telemetry.Dir = "/tmp/sessions" }},
		{"stream origins", func(c *config.Config) { c.Telemetry.StreamOrigins = []string{"*"} }},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9000" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tt.mutate(new)
			if d := config.Diff(old, new); !d.RestartRequired {
				t.Errorf("%s change should require a restart: %+v", tt.name, d)
			}
		})
	}
}

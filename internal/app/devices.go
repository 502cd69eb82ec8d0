package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/pulsekit/internal/config"
	"github.com/MrWong99/pulsekit/internal/device"
	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/dsp"
)

// RegisterBuiltinDevices wires the device kinds that ship with pulsekit into
// reg. PortAudio is always registered; without the portaudio build tag it
// reports [device.ErrUnsupported] when created.
func RegisterBuiltinDevices(reg *config.Registry) {
	reg.RegisterDevice("synthetic", newSyntheticDevice)
	reg.RegisterDevice("wav", newWAVDevice)
	reg.RegisterDevice("loopback", newLoopbackDevice)
	reg.RegisterDevice("portaudio", func(_ config.DeviceConfig, a config.AudioConfig) (device.Device, error) {
		return device.NewPortAudio(a.StreamConfig())
	})

	for _, name := range reg.DeviceNames() {
		slog.Debug("registered device", "name", name)
	}
}

func simulatedOptions(name string, d config.DeviceConfig, a config.AudioConfig) []device.SimulatedOption {
	return []device.SimulatedOption{
		device.WithName(name),
		device.WithRealtime(d.IsRealtime()),
		device.WithMaxBuffers(maxBuffers(d.MaxDuration, a)),
	}
}

// maxBuffers converts a run length to whole buffers, rounding up. Zero means
// unlimited.
func maxBuffers(d time.Duration, a config.AudioConfig) uint64 {
	if d <= 0 || a.BufferFrames <= 0 {
		return 0
	}
	frames := uint64(d.Seconds()*float64(a.SampleRate) + 0.5)
	per := uint64(a.BufferFrames)
	return (frames + per - 1) / per
}

func newSyntheticDevice(d config.DeviceConfig, a config.AudioConfig) (device.Device, error) {
	sc := d.Synthetic
	dropouts := make([]device.Dropout, 0, len(sc.Dropouts))
	for i, dc := range sc.Dropouts {
		p, err := dc.ParticipantID()
		if err != nil {
			return nil, fmt.Errorf("device.synthetic.dropouts[%d]: %w", i, err)
		}
		dropouts = append(dropouts, device.Dropout{Participant: p, Start: dc.Start, Duration: dc.Duration})
	}
	amp := dsp.DBToLinear(float32(sc.AmplitudeDBFS))
	src := device.NewSynthetic(a.SampleRate, sc.BPM, amp, dropouts...)
	return device.NewSimulated(a.StreamConfig(), src, simulatedOptions("synthetic", d, a)...)
}

func newWAVDevice(d config.DeviceConfig, a config.AudioConfig) (device.Device, error) {
	src, err := device.OpenWAV(d.WAV.Path, audio.Format{SampleRate: a.SampleRate, Channels: a.InputChannels}, d.WAV.Loop)
	if err != nil {
		return nil, err
	}
	slog.Info("wav input loaded", "path", d.WAV.Path, "frames", src.Frames(), "loop", d.WAV.Loop)
	return device.NewSimulated(a.StreamConfig(), src, simulatedOptions("wav", d, a)...)
}

func newLoopbackDevice(d config.DeviceConfig, a config.AudioConfig) (device.Device, error) {
	gain := make([]float32, a.InputChannels)
	for ch := range gain {
		gain[ch] = 1
		if ch < len(d.Loopback.GainDB) {
			gain[ch] = dsp.DBToLinear(float32(d.Loopback.GainDB[ch]))
		}
	}
	src := device.NewLoopback(gain, d.Loopback.DelaySamples)
	return device.NewSimulated(a.StreamConfig(), src, simulatedOptions("loopback", d, a)...)
}

// Command gensignals writes the reference WAV files used to rehearse
// calibration and to drive the wav device without hardware: a 1 kHz tone, a
// short rectangular pulse and a two-participant heartbeat demo.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MrWong99/pulsekit/internal/device"
	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/stimulus"
)

const (
	sampleRate = 48000
	bitDepth   = 24

	toneHz       = 1000.0
	toneDBFS     = -12.0
	toneSeconds  = 5.0
	pulseSamples = 512
	pulseDBFS    = -18.0
)

func main() {
	os.Exit(run())
}

func run() int {
	out := flag.String("out", "signals", "output directory")
	seconds := flag.Float64("seconds", 30, "length of the heartbeat demo")
	bpm1 := flag.Float64("bpm1", 62, "heartbeat rate of the first participant")
	bpm2 := flag.Float64("bpm2", 74, "heartbeat rate of the second participant")
	flag.Parse()

	if err := os.MkdirAll(*out, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "gensignals: %v\n", err)
		return 1
	}

	mono := audio.Format{SampleRate: sampleRate, Channels: 1}
	stereo := audio.Format{SampleRate: sampleRate, Channels: 2}

	tone := make([]float32, int(toneSeconds*sampleRate))
	stimulus.Sine(tone, sampleRate, toneHz, stimulus.DBFS(toneDBFS), 0)

	pulse := make([]float32, sampleRate)
	copy(pulse, stimulus.RectPulse(pulseSamples, stimulus.DBFS(pulseDBFS)))

	demo := interleave(
		stimulus.HeartbeatDemo(sampleRate, *seconds, *bpm1),
		stimulus.HeartbeatDemo(sampleRate, *seconds, *bpm2),
	)

	err := errors.Join(
		write(filepath.Join(*out, "tone_1k_-12dbfs.wav"), tone, mono),
		write(filepath.Join(*out, "pulse_512_-18dbfs.wav"), pulse, mono),
		write(filepath.Join(*out, "heartbeat_demo.wav"), demo, stereo),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gensignals: %v\n", err)
		return 1
	}
	return 0
}

func write(path string, pcm []float32, f audio.Format) error {
	if err := device.WriteWAV(path, pcm, f, bitDepth); err != nil {
		return err
	}
	slog.Info("wrote signal", "path", path, "channels", f.Channels, "frames", len(pcm)/f.Channels)
	return nil
}

// interleave zips two mono signals of equal length into one stereo buffer.
func interleave(l, r []float32) []float32 {
	n := min(len(l), len(r))
	out := make([]float32, 2*n)
	for i := range n {
		out[2*i] = l[i]
		out[2*i+1] = r[i]
	}
	return out
}

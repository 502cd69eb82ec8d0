package device

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/pulsekit/pkg/audio"
)

// WAVSource plays a decoded WAV file, converted to the device format.
type WAVSource struct {
	path     string
	channels int
	data     []float32
	pos      int
	loop     bool
}

// OpenWAV decodes the file at path and converts it to target. With loop the
// file repeats; otherwise Read returns io.EOF once it is exhausted.
func OpenWAV(path string, target audio.Format, loop bool) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("device: open wav %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("device: %q is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("device: decode wav %q: %w", path, err)
	}
	src := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if src.Channels == 0 || len(buf.Data) == 0 {
		return nil, fmt.Errorf("device: %q contains no samples", path)
	}

	pcm := make([]float32, len(buf.Data))
	audio.IntToFloat(pcm, buf.Data, int(dec.BitDepth))
	conv := audio.FormatConverter{Target: target}
	out, err := conv.Convert(pcm, src)
	if err != nil {
		return nil, fmt.Errorf("device: convert wav %q: %w", path, err)
	}

	return &WAVSource{
		path:     path,
		channels: target.Channels,
		data:     append([]float32(nil), out...),
		loop:     loop,
	}, nil
}

// Frames returns the length of the converted file in frames.
func (w *WAVSource) Frames() int { return len(w.data) / w.channels }

// Read implements [Source]. channels must match the target format of
// [OpenWAV]; a short final buffer is padded with silence.
func (w *WAVSource) Read(in []float32, channels int) error {
	if channels != w.channels {
		return fmt.Errorf("device: wav %q has %d channels, read asked for %d", w.path, w.channels, channels)
	}
	n := 0
	for n < len(in) {
		if w.pos >= len(w.data) {
			if !w.loop {
				clear(in[n:])
				return io.EOF
			}
			w.pos = 0
		}
		c := copy(in[n:], w.data[w.pos:])
		n += c
		w.pos += c
	}
	if !w.loop && w.pos >= len(w.data) {
		return io.EOF
	}
	return nil
}

// WriteWAV encodes interleaved float PCM as an integer WAV file.
func WriteWAV(path string, pcm []float32, format audio.Format, bitDepth int) (err error) {
	if format.Channels <= 0 || format.SampleRate <= 0 {
		return errors.New("device: wav format needs positive rate and channels")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("device: create wav %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("device: close wav %q: %w", path, cerr)
		}
	}()

	data := make([]int, len(pcm))
	audio.FloatToInt(data, pcm, bitDepth)

	enc := wav.NewEncoder(f, format.SampleRate, bitDepth, format.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("device: encode wav %q: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("device: finish wav %q: %w", path, err)
	}
	return nil
}

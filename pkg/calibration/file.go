package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"
)

// FileVersion is written to and expected in calibration files.
const FileVersion = 1

// ErrMalformed is returned by [Load] for files that parse but do not describe
// exactly two channels with non-negative, finite gains.
var ErrMalformed = errors.New("calibration: malformed file")

// ChannelValue is the measured correction for one input channel.
type ChannelValue struct {
	Name         string  `json:"name"`
	Gain         float32 `json:"gain"`
	PhaseDeg     float32 `json:"phaseDeg"`
	DelaySamples int32   `json:"delaySamples"`
}

// Values holds one [ChannelValue] per input channel.
type Values [NumChannels]ChannelValue

// IdentityValues returns unity gain with zero phase and delay.
func IdentityValues() Values {
	return Values{
		{Name: "CH1", Gain: 1},
		{Name: "CH2", Gain: 1},
	}
}

// IsIdentity reports whether v applies no correction.
func (v Values) IsIdentity() bool {
	for _, c := range v {
		if c.Gain != 1 || c.PhaseDeg != 0 || c.DelaySamples != 0 {
			return false
		}
	}
	return true
}

type fileFormat struct {
	Version    int            `json:"version"`
	CreatedUTC string         `json:"createdUtc"`
	Channels   []ChannelValue `json:"channels"`
}

const timestampLayout = "2006-01-02T15:04:05Z"

// Save writes v to path as JSON. The file is replaced atomically.
func Save(path string, v Values) error {
	doc := fileFormat{
		Version:    FileVersion,
		CreatedUTC: time.Now().UTC().Format(timestampLayout),
		Channels:   v[:],
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("calibration: encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("calibration: create dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".calibration-*.json")
	if err != nil {
		return fmt.Errorf("calibration: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("calibration: write %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("calibration: close %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("calibration: rename to %q: %w", path, err)
	}
	return nil
}

// Load reads and validates the calibration file at path.
func Load(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IdentityValues(), fmt.Errorf("calibration: read %q: %w", path, err)
	}
	v, err := Parse(data)
	if err != nil {
		return v, fmt.Errorf("load %q: %w", path, err)
	}
	return v, nil
}

// Parse decodes and validates the contents of a calibration file. On error
// it returns [IdentityValues].
func Parse(data []byte) (Values, error) {
	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return IdentityValues(), fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(doc.Channels) != NumChannels {
		return IdentityValues(), fmt.Errorf("%w: %d channels, want %d", ErrMalformed, len(doc.Channels), NumChannels)
	}

	var v Values
	for i, c := range doc.Channels {
		if c.Gain < 0 || math.IsNaN(float64(c.Gain)) || math.IsInf(float64(c.Gain), 0) {
			return IdentityValues(), fmt.Errorf("%w: channels[%d].gain %v", ErrMalformed, i, c.Gain)
		}
		v[i] = c
	}
	if doc.Version != FileVersion {
		slog.Warn("calibration file version differs", "version", doc.Version, "want", FileVersion)
	}
	return v, nil
}

// LoadOrIdentity loads path and falls back to [IdentityValues] on any error.
// A missing file is logged at info level, anything else as a warning. The
// second return value reports whether the file was used.
func LoadOrIdentity(path string) (Values, bool) {
	v, err := Load(path)
	switch {
	case err == nil:
		return v, true
	case errors.Is(err, os.ErrNotExist):
		slog.Info("no calibration file, using identity calibration", "path", path)
	default:
		slog.Warn("ignoring calibration file, using identity calibration", "path", path, "err", err)
	}
	return IdentityValues(), false
}

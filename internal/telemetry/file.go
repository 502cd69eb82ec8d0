package telemetry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	frameHeader = []string{"timestamp_us", "bpm", "envelope", "scene", "fallback", "blend"}
	beatHeader  = []string{"timestamp_us", "participant", "bpm", "envelope", "sequence_id"}
)

// FileSink writes one session to a directory: a frame CSV, a beat CSV and,
// on Finish, a JSON summary. File names share a timestamp and session prefix
// so consecutive sessions never overwrite each other.
type FileSink struct {
	base string

	frames   *os.File
	frameCSV *csv.Writer
	beats    *os.File
	beatCSV  *csv.Writer

	row []string
}

// NewFileSink creates the session files in dir. started names the files.
func NewFileSink(dir string, session uuid.UUID, started time.Time) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create dir %q: %w", dir, err)
	}
	base := filepath.Join(dir, started.Format("20060102-150405")+"-"+session.String()[:8])

	s := &FileSink{base: base, row: make([]string, 0, len(frameHeader))}
	var err error
	if s.frames, s.frameCSV, err = createCSV(base+"-session.csv", frameHeader); err != nil {
		return nil, err
	}
	if s.beats, s.beatCSV, err = createCSV(base+"-beats.csv", beatHeader); err != nil {
		s.frames.Close()
		return nil, err
	}
	return s, nil
}

func createCSV(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create %q: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("telemetry: write header %q: %w", path, err)
	}
	w.Flush()
	return f, w, w.Error()
}

// Name implements [Sink].
func (s *FileSink) Name() string { return "file" }

// SessionPath returns the frame CSV path.
func (s *FileSink) SessionPath() string { return s.base + "-session.csv" }

// BeatsPath returns the beat CSV path.
func (s *FileSink) BeatsPath() string { return s.base + "-beats.csv" }

// SummaryPath returns the path Finish writes the summary to.
func (s *FileSink) SummaryPath() string { return s.base + "-summary.json" }

// Write implements [Sink]. Rows are flushed before it returns.
func (s *FileSink) Write(_ context.Context, b Batch) error {
	for _, f := range b.Frames {
		s.row = append(s.row[:0],
			strconv.FormatInt(f.TimestampUS, 10),
			formatFloat(f.BPM, 2),
			formatFloat(f.Envelope, 4),
			f.Scene,
			formatBool(f.Fallback),
			formatFloat(f.Blend, 3),
		)
		if err := s.frameCSV.Write(s.row); err != nil {
			return fmt.Errorf("telemetry: write frame: %w", err)
		}
	}
	for _, e := range b.Beats {
		s.row = append(s.row[:0],
			strconv.FormatInt(int64(e.TimestampSec*1e6), 10),
			e.Participant.String(),
			formatFloat(e.BPM, 2),
			formatFloat(e.Envelope, 4),
			strconv.FormatUint(e.SequenceID, 10),
		)
		if err := s.beatCSV.Write(s.row); err != nil {
			return fmt.Errorf("telemetry: write beat: %w", err)
		}
	}
	s.frameCSV.Flush()
	s.beatCSV.Flush()
	return errors.Join(s.frameCSV.Error(), s.beatCSV.Error())
}

// Finish implements [Sink]. It writes the summary and closes both CSVs.
func (s *FileSink) Finish(_ context.Context, sum Summary) error {
	var errs []error
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		errs = append(errs, fmt.Errorf("telemetry: encode summary: %w", err))
	} else if err := os.WriteFile(s.SummaryPath(), append(data, '\n'), 0o644); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: write summary: %w", err))
	}

	s.frameCSV.Flush()
	s.beatCSV.Flush()
	errs = append(errs, s.frameCSV.Error(), s.beatCSV.Error(), s.frames.Close(), s.beats.Close())
	return errors.Join(errs...)
}

func formatFloat(v float32, prec int) string {
	return strconv.FormatFloat(float64(v), 'f', prec, 32)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

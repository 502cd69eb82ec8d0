package device

import (
	"time"

	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/stimulus"
)

// Dropout silences one participant (or both, with [audio.ParticipantNone])
// for Duration starting at Start on the source clock.
type Dropout struct {
	Participant audio.ParticipantID
	Start       time.Duration
	Duration    time.Duration
}

func (d Dropout) covers(p audio.ParticipantID, at time.Duration) bool {
	if d.Participant != audio.ParticipantNone && d.Participant != p {
		return false
	}
	return at >= d.Start && at < d.Start+d.Duration
}

// Synthetic renders one heartbeat per participant with optional scheduled
// dropouts. Dropouts are applied with buffer granularity.
type Synthetic struct {
	sampleRate float64
	beats      [audio.NumParticipants]*stimulus.Heartbeat
	dropouts   []Dropout
	pos        uint64
	scratch    []float32
}

// NewSynthetic returns a source with participant k beating at bpm[k].
func NewSynthetic(sampleRate int, bpm [audio.NumParticipants]float64, amplitude float32, dropouts ...Dropout) *Synthetic {
	s := &Synthetic{
		sampleRate: float64(sampleRate),
		dropouts:   dropouts,
	}
	for p := range s.beats {
		s.beats[p] = stimulus.NewHeartbeat(s.sampleRate, bpm[p], amplitude)
	}
	return s
}

// SetBPM changes the rate of one participant.
func (s *Synthetic) SetBPM(p audio.ParticipantID, bpm float64) {
	if p.IsLive() {
		s.beats[p].SetBPM(bpm)
	}
}

// Elapsed returns the source clock.
func (s *Synthetic) Elapsed() time.Duration {
	return time.Duration(float64(s.pos) / s.sampleRate * float64(time.Second))
}

// Read implements [Source]. Channels beyond the participants are silent.
func (s *Synthetic) Read(in []float32, channels int) error {
	frames := len(in) / channels
	if cap(s.scratch) < frames {
		s.scratch = make([]float32, frames)
	}
	buf := s.scratch[:frames]
	at := s.Elapsed()

	clear(in)
	for p, hb := range s.beats {
		id := audio.ParticipantID(p)
		muted := false
		for _, d := range s.dropouts {
			if d.covers(id, at) {
				muted = true
				break
			}
		}
		hb.SetMuted(muted)
		hb.Read(buf)
		if p >= channels {
			continue
		}
		for f, v := range buf {
			in[f*channels+p] = v
		}
	}
	s.pos += uint64(frames)
	return nil
}

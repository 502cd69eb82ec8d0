// Package audio defines the data model shared by the beat detector, the
// calibration engine, the output router and the device layer: participant
// identities, beat events, stream formats and interleaved PCM helpers.
package audio

import (
	"fmt"
	"strings"
)

// ParticipantID identifies the source of a beat or the owner of a signal.
// Input channel k belongs to participant k+1.
type ParticipantID uint8

const (
	Participant1 ParticipantID = 0
	Participant2 ParticipantID = 1

	// ParticipantSynthetic marks beats produced by the dropout fallback.
	ParticipantSynthetic ParticipantID = 2

	// ParticipantNone is an unset routing source.
	ParticipantNone ParticipantID = 255
)

// NumParticipants is the number of physical participants (one per input channel).
const NumParticipants = 2

// String returns the canonical config name of the participant.
func (p ParticipantID) String() string {
	switch p {
	case Participant1:
		return "participant1"
	case Participant2:
		return "participant2"
	case ParticipantSynthetic:
		return "synthetic"
	case ParticipantNone:
		return "none"
	default:
		return fmt.Sprintf("participant(%d)", uint8(p))
	}
}

// IsLive reports whether p is one of the physical participants.
func (p ParticipantID) IsLive() bool {
	return p < NumParticipants
}

// ParseParticipant maps a config string to a [ParticipantID]. Matching is
// case-insensitive; the empty string means [ParticipantNone].
func ParseParticipant(s string) (ParticipantID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "participant1", "p1":
		return Participant1, nil
	case "participant2", "p2":
		return Participant2, nil
	case "synthetic", "syntheticheartbeat":
		return ParticipantSynthetic, nil
	case "none", "":
		return ParticipantNone, nil
	}
	return ParticipantNone, fmt.Errorf("audio: unknown participant %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (p ParticipantID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *ParticipantID) UnmarshalText(b []byte) error {
	id, err := ParseParticipant(string(b))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// BeatEvent is one detected (or synthesised) pulse.
type BeatEvent struct {
	// TimestampSec is the position of the trigger sample on the pipeline clock.
	TimestampSec float64 `json:"timestamp_sec"`

	// BPM is the rate estimate at the time of the trigger.
	BPM float32 `json:"bpm"`

	// Envelope is the detector envelope at the trigger sample.
	Envelope float32 `json:"envelope"`

	Participant ParticipantID `json:"participant"`

	// SequenceID increases monotonically per source. Sorting a merged batch
	// by (TimestampSec, SequenceID) is deterministic.
	SequenceID uint64 `json:"sequence_id"`
}

// Format describes the sample rate and channel count of an interleaved stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Device boundary defaults.
const (
	DefaultSampleRate     = 48000
	DefaultBufferFrames   = 512
	DefaultInputChannels  = 2
	DefaultOutputChannels = 4
)

// Output channel layout.
const (
	ChannelHeadphoneLeft  = 0
	ChannelHeadphoneRight = 1
	ChannelHapticP1       = 2
	ChannelHapticP2       = 3

	NumOutputChannels = 4
)

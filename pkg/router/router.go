// Package router maps participant signals onto the four physical output
// channels: two headphone channels and one haptic transducer per participant.
//
// Each output channel has one [Rule]. Rules are swapped atomically so the
// control goroutine can apply a scene while the audio goroutine routes; the
// haptic carrier phase belongs to the audio goroutine alone.
package router

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/MrWong99/pulsekit/pkg/audio"
	"github.com/MrWong99/pulsekit/pkg/dsp"
)

const (
	// HapticGain scales the haptic carrier before the rule gain.
	HapticGain = 0.8

	// HapticFrequencyHz is the carrier frequency of the haptic channels.
	HapticFrequencyHz = 50.0

	// SilentGainDB is the gain of an unset rule.
	SilentGainDB = -96.0
)

// MixMode selects what a rule writes to its output channel.
type MixMode uint8

const (
	// Self plays a participant's own signal.
	Self MixMode = iota
	// Partner plays the other participant's signal to a listener. It routes
	// identically to Self; the distinction is the rule's source.
	Partner
	// Haptic drives a transducer with a carrier modulated by the envelope.
	Haptic
	// Silent outputs zero.
	Silent
)

var mixModeNames = [...]string{
	Self:    "self",
	Partner: "partner",
	Haptic:  "haptic",
	Silent:  "silent",
}

// String returns the config name of m.
func (m MixMode) String() string {
	if int(m) < len(mixModeNames) {
		return mixModeNames[m]
	}
	return fmt.Sprintf("MixMode(%d)", uint8(m))
}

// ParseMixMode maps a config name to a [MixMode].
func ParseMixMode(s string) (MixMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range mixModeNames {
		if s == name {
			return MixMode(i), nil
		}
	}
	return Silent, fmt.Errorf("router: unknown mix mode %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (m MixMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *MixMode) UnmarshalText(b []byte) error {
	v, err := ParseMixMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Rule describes one output channel.
type Rule struct {
	Source audio.ParticipantID `json:"source" yaml:"source"`
	Mode   MixMode             `json:"mode" yaml:"mode"`
	GainDB float32             `json:"gain_db" yaml:"gain_db"`

	// Pan is the stereo position (-1 left, +1 right) a downmixing consumer
	// should use for this channel. Route does not apply it.
	Pan float32 `json:"pan" yaml:"pan"`
}

// SilentRule returns the rule every channel starts with.
func SilentRule() Rule {
	return Rule{Source: audio.ParticipantNone, Mode: Silent, GainDB: SilentGainDB}
}

// Active reports whether r can produce a non-zero output.
func (r Rule) Active() bool {
	return r.Source.IsLive() && r.Mode != Silent
}

// Rules is a complete assignment of the output channels.
type Rules [audio.NumOutputChannels]Rule

// SilentRules returns four [SilentRule] values.
func SilentRules() Rules {
	var rs Rules
	for i := range rs {
		rs[i] = SilentRule()
	}
	return rs
}

// ruleSet is the atomically published routing table. Linear gains are
// precomputed so Route does no dB conversion per sample.
type ruleSet struct {
	rules Rules
	gain  [audio.NumOutputChannels]float32
}

func newRuleSet(rs Rules) *ruleSet {
	set := &ruleSet{rules: rs}
	for i, r := range rs {
		set.gain[i] = dsp.DBToLinear(r.GainDB)
	}
	return set
}

// Router routes participant signals to the output channels.
//
// Rule accessors are safe for concurrent use. [Router.Setup] and
// [Router.Route] must be called from the same goroutine (or under the same
// lock) because both touch the carrier phase.
type Router struct {
	set atomic.Pointer[ruleSet]

	phaseStep float64
	phase     [audio.NumParticipants]float64
}

// New returns a router for sampleRate with every channel silent.
func New(sampleRate float64) *Router {
	r := &Router{}
	r.set.Store(newRuleSet(SilentRules()))
	r.Setup(sampleRate)
	return r
}

// Setup sets the sample rate and resets the carrier phases. Rules are kept.
func (r *Router) Setup(sampleRate float64) {
	r.phaseStep = HapticFrequencyHz / math.Max(sampleRate, 1)
	r.phase = [audio.NumParticipants]float64{}
}

// SetRule replaces the rule for one output channel.
func (r *Router) SetRule(channel int, rule Rule) error {
	if channel < 0 || channel >= audio.NumOutputChannels {
		return fmt.Errorf("router: channel %d out of range", channel)
	}
	for {
		old := r.set.Load()
		rs := old.rules
		rs[channel] = rule
		if r.set.CompareAndSwap(old, newRuleSet(rs)) {
			break
		}
	}
	slog.Debug("routing rule updated", "channel", channel, "source", rule.Source, "mode", rule.Mode, "gain_db", rule.GainDB)
	return nil
}

// Rule returns the rule of one output channel. Out-of-range channels
// report [SilentRule].
func (r *Router) Rule(channel int) Rule {
	if channel < 0 || channel >= audio.NumOutputChannels {
		return SilentRule()
	}
	return r.set.Load().rules[channel]
}

// Rules returns a copy of all four rules.
func (r *Router) Rules() Rules { return r.set.Load().rules }

// ReplaceRules installs rs in one step.
func (r *Router) ReplaceRules(rs Rules) { r.set.Store(newRuleSet(rs)) }

// Clear silences every channel.
func (r *Router) Clear() { r.ReplaceRules(SilentRules()) }

// ApplyScene installs the built-in preset of scene.
func (r *Router) ApplyScene(scene Scene) {
	r.ReplaceRules(Preset(scene))
	slog.Info("scene preset applied", "scene", scene, "active_rules", r.ActiveRuleCount())
}

// ActiveRuleCount returns the number of channels that can produce output.
func (r *Router) ActiveRuleCount() int {
	n := 0
	for _, rule := range r.set.Load().rules {
		if rule.Active() {
			n++
		}
	}
	return n
}

// Route renders one frame. headphone holds each participant's signal and
// envelopes their detector envelopes. Both carrier phases advance on every
// call so the haptic waveform stays continuous across rule changes.
func (r *Router) Route(headphone, envelopes [audio.NumParticipants]float32, out *[audio.NumOutputChannels]float32) {
	var carrier [audio.NumParticipants]float32
	for p := range carrier {
		carrier[p] = float32(math.Sin(2 * math.Pi * r.phase[p]))
		r.phase[p] += r.phaseStep
		if r.phase[p] >= 1 {
			r.phase[p] -= 1
		}
	}

	set := r.set.Load()
	for ch, rule := range set.rules {
		if !rule.Active() {
			out[ch] = 0
			continue
		}
		var x float32
		switch rule.Mode {
		case Self, Partner:
			x = headphone[rule.Source]
		case Haptic:
			x = carrier[rule.Source] * min(max(envelopes[rule.Source], 0), 1) * HapticGain
		}
		out[ch] = x * set.gain[ch]
	}
}

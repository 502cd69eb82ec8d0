package router

import (
	"fmt"
	"strings"

	"github.com/MrWong99/pulsekit/pkg/audio"
)

// Scene is a state of the installation's narrative. Only its routing preset
// matters here; sequencing scenes is up to the caller.
type Scene uint8

const (
	SceneIdle Scene = iota
	SceneStart
	SceneFirstPhase
	SceneExchange
	SceneMixed
	SceneEnd
)

var sceneNames = [...]string{
	SceneIdle:       "idle",
	SceneStart:      "start",
	SceneFirstPhase: "first_phase",
	SceneExchange:   "exchange",
	SceneMixed:      "mixed",
	SceneEnd:        "end",
}

func (s Scene) String() string {
	if int(s) < len(sceneNames) {
		return sceneNames[s]
	}
	return fmt.Sprintf("Scene(%d)", uint8(s))
}

// ParseScene maps a config name to a [Scene]. Dashes and underscores are
// interchangeable.
func ParseScene(s string) (Scene, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, name := range sceneNames {
		if norm == name {
			return Scene(i), nil
		}
	}
	return SceneIdle, fmt.Errorf("router: unknown scene %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (s Scene) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Scene) UnmarshalText(b []byte) error {
	v, err := ParseScene(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Scenes lists every scene in narrative order.
func Scenes() []Scene {
	return []Scene{SceneIdle, SceneStart, SceneFirstPhase, SceneExchange, SceneMixed, SceneEnd}
}

// Preset returns the built-in routing of scene. Idle and Start are silent;
// the haptic channels always follow their own participant once the
// experience runs.
func Preset(scene Scene) Rules {
	rs := SilentRules()
	haptics := func() {
		rs[audio.ChannelHapticP1] = Rule{Source: audio.Participant1, Mode: Haptic}
		rs[audio.ChannelHapticP2] = Rule{Source: audio.Participant2, Mode: Haptic}
	}

	switch scene {
	case SceneFirstPhase:
		rs[audio.ChannelHeadphoneLeft] = Rule{Source: audio.Participant1, Mode: Self, Pan: -1}
		rs[audio.ChannelHeadphoneRight] = Rule{Source: audio.Participant2, Mode: Self, Pan: 1}
		haptics()
	case SceneExchange:
		rs[audio.ChannelHeadphoneLeft] = Rule{Source: audio.Participant2, Mode: Partner, Pan: -1}
		rs[audio.ChannelHeadphoneRight] = Rule{Source: audio.Participant1, Mode: Partner, Pan: 1}
		haptics()
	case SceneMixed, SceneEnd:
		rs[audio.ChannelHeadphoneLeft] = Rule{Source: audio.Participant1, Mode: Self, GainDB: -3, Pan: -0.5}
		rs[audio.ChannelHeadphoneRight] = Rule{Source: audio.Participant2, Mode: Self, GainDB: -3, Pan: 0.5}
		haptics()
	}
	return rs
}

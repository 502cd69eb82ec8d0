//go:build !portaudio

package device

// NewPortAudio reports [ErrUnsupported]; build with -tags portaudio to
// enable hardware devices.
func NewPortAudio(cfg Config) (Device, error) {
	return nil, ErrUnsupported
}

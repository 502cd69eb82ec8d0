package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/pulsekit/pkg/audio"
)

func equalSamples(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRemapChannels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		src   []float32
		srcCh int
		dstCh int
		want  []float32
	}{
		{
			name:  "mono to stereo",
			src:   []float32{0.1, 0.2},
			srcCh: 1, dstCh: 2,
			want: []float32{0.1, 0.1, 0.2, 0.2},
		},
		{
			name:  "stereo to four wraps",
			src:   []float32{0.1, 0.2},
			srcCh: 2, dstCh: 4,
			want: []float32{0.1, 0.2, 0.1, 0.2},
		},
		{
			name:  "four to stereo folds",
			src:   []float32{0.2, 0.4, 0.6, 0.8},
			srcCh: 4, dstCh: 2,
			want: []float32{0.4, 0.6},
		},
		{
			name:  "stereo to mono averages",
			src:   []float32{0.5, -0.5, 1, 0},
			srcCh: 2, dstCh: 1,
			want: []float32{0, 0.5},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			frames := len(tc.src) / tc.srcCh
			dst := make([]float32, frames*tc.dstCh)
			audio.RemapChannels(dst, tc.dstCh, tc.src, tc.srcCh)
			equalSamples(t, dst, tc.want)
		})
	}
}

func TestDeinterleave(t *testing.T) {
	t.Parallel()
	src := []float32{1, 2, 3, 4, 5, 6}
	dst := make([]float32, 3)
	if n := audio.Deinterleave(dst, src, 2, 1); n != 3 {
		t.Fatalf("frames = %d, want 3", n)
	}
	equalSamples(t, dst, []float32{2, 4, 6})
}

func sine(frames, rate int, freq float64) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(rate)))
	}
	return out
}

// midRMS measures the middle half of x, away from the filter edges.
func midRMS(x []float32) float64 {
	mid := x[len(x)/4 : 3*len(x)/4]
	var sum float64
	for _, v := range mid {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(mid)))
}

func TestResample_SameRateIsNoop(t *testing.T) {
	t.Parallel()
	src := []float32{0, 1, 0, 1}
	got, err := audio.Resample(src, 1, 48000, 48000)
	if err != nil {
		t.Fatal(err)
	}
	if &got[0] != &src[0] {
		t.Error("same rate should return input unchanged")
	}
}

func TestResample(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		srcRate    int
		dstRate    int
		freq       float64
		wantRMS    float64
		tolerance  float64
		wantFrames int
	}{
		{"downsample keeps passband", 96000, 48000, 1000, math.Sqrt2 / 2, 0.02, 24000},
		{"downsample removes content above nyquist", 96000, 48000, 30000, 0, 0.01, 24000},
		{"cd rate to device rate", 44100, 48000, 1000, math.Sqrt2 / 2, 0.02, 24000},
		{"upsample keeps tone", 24000, 48000, 1000, math.Sqrt2 / 2, 0.02, 24000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := sine(tc.srcRate/2, tc.srcRate, tc.freq)
			got, err := audio.Resample(src, 1, tc.srcRate, tc.dstRate)
			if err != nil {
				t.Fatalf("Resample: %v", err)
			}
			if len(got) != tc.wantFrames {
				t.Fatalf("frames = %d, want %d", len(got), tc.wantFrames)
			}
			if rms := midRMS(got); math.Abs(rms-tc.wantRMS) > tc.tolerance {
				t.Errorf("rms = %.4f, want %.4f ± %.2f", rms, tc.wantRMS, tc.tolerance)
			}
		})
	}
}

func TestResample_Stereo(t *testing.T) {
	t.Parallel()
	left := sine(9600, 96000, 1000)
	src := make([]float32, 2*len(left))
	for i, v := range left {
		src[2*i] = v
		src[2*i+1] = -v
	}
	got, err := audio.Resample(src, 2, 96000, 48000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2*4800 {
		t.Fatalf("samples = %d, want %d", len(got), 2*4800)
	}
	for f := 1200; f < 3600; f++ {
		if l, r := got[2*f], got[2*f+1]; math.Abs(float64(l+r)) > 1e-3 {
			t.Fatalf("frame %d: channels not kept apart (%v, %v)", f, l, r)
		}
	}
}

func TestIntFloatRoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{0, 0.5, -0.5, 0.999, -1}
	ints := make([]int, len(in))
	audio.FloatToInt(ints, in, 24)
	out := make([]float32, len(in))
	audio.IntToFloat(out, ints, 24)
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-6 {
			t.Errorf("sample %d: round trip %v -> %v", i, in[i], out[i])
		}
	}
}

func TestFloatToInt_Clamps(t *testing.T) {
	t.Parallel()
	ints := make([]int, 2)
	audio.FloatToInt(ints, []float32{2, -2}, 16)
	if ints[0] != 32767 || ints[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", ints)
	}
}

func TestFormatConverter_PassThrough(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	in := []float32{0.1, 0.2}
	out, err := conv.Convert(in, audio.Format{SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatal(err)
	}
	if &out[0] != &in[0] {
		t.Error("matching format should not copy")
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	out, err := conv.Convert([]float32{0.1, 0.2, 0.3}, audio.Format{SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	equalSamples(t, out, []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3})
}

func TestFormatConverter_ResamplesAndRemaps(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	out, err := conv.Convert(sine(44100, 44100, 440), audio.Format{SampleRate: 44100, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2*48000 {
		t.Fatalf("samples = %d, want %d", len(out), 2*48000)
	}
	for f := 12000; f < 36000; f += 997 {
		if out[2*f] != out[2*f+1] {
			t.Fatalf("frame %d: mono not duplicated", f)
		}
	}
}

func TestParseParticipant(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    audio.ParticipantID
		wantErr bool
	}{
		{"participant1", audio.Participant1, false},
		{"P1", audio.Participant1, false},
		{"Participant2", audio.Participant2, false},
		{"p2", audio.Participant2, false},
		{"synthetic", audio.ParticipantSynthetic, false},
		{"SyntheticHeartbeat", audio.ParticipantSynthetic, false},
		{"none", audio.ParticipantNone, false},
		{"", audio.ParticipantNone, false},
		{"p3", audio.ParticipantNone, true},
	}
	for _, tc := range tests {
		got, err := audio.ParseParticipant(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseParticipant(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseParticipant(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParticipantText(t *testing.T) {
	t.Parallel()
	for _, id := range []audio.ParticipantID{audio.Participant1, audio.Participant2, audio.ParticipantSynthetic, audio.ParticipantNone} {
		b, err := id.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", id, err)
		}
		var back audio.ParticipantID
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if back != id {
			t.Errorf("round trip %v -> %q -> %v", id, b, back)
		}
	}
	if audio.Participant1.IsLive() != true || audio.ParticipantSynthetic.IsLive() {
		t.Error("IsLive: only physical participants are live")
	}
}

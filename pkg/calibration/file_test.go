package calibration

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "calibration.json")
	want := Values{
		{Name: "CH1", Gain: 1.02, PhaseDeg: -1.5, DelaySamples: 0},
		{Name: "CH2", Gain: 1.98, PhaseDeg: -75.2, DelaySamples: 10},
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the calibration file", len(entries))
	}
}

func TestSave_FileShape(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "calibration.json")
	if err := Save(path, IdentityValues()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["version"] != float64(1) {
		t.Errorf("version = %v, want 1", doc["version"])
	}
	created, _ := doc["createdUtc"].(string)
	if _, err := time.Parse(timestampLayout, created); err != nil {
		t.Errorf("createdUtc %q: %v", created, err)
	}
	for _, key := range []string{`"name"`, `"gain"`, `"phaseDeg"`, `"delaySamples"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("file lacks %s", key)
		}
	}
}

func TestLoad_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"one channel", `{"version":1,"channels":[{"name":"CH1","gain":1}]}`},
		{"three channels", `{"version":1,"channels":[{"gain":1},{"gain":1},{"gain":1}]}`},
		{"negative gain", `{"version":1,"channels":[{"gain":1},{"gain":-0.5}]}`},
		{"no channels", `{"version":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "calibration.json")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatal(err)
			}
			v, err := Load(path)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
			if !v.IsIdentity() {
				t.Errorf("values on error = %+v, want identity", v)
			}

			if _, err := Parse([]byte(tc.body)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Parse err = %v, want ErrMalformed", err)
			}

			fallback, used := LoadOrIdentity(path)
			if used || !fallback.IsIdentity() {
				t.Errorf("LoadOrIdentity = %+v, %v; want identity, false", fallback, used)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "absent.json")
	_, err := Load(path)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
	v, used := LoadOrIdentity(path)
	if used || !v.IsIdentity() {
		t.Errorf("LoadOrIdentity = %+v, %v", v, used)
	}
}

func TestIdentityValues(t *testing.T) {
	t.Parallel()
	v := IdentityValues()
	if !v.IsIdentity() {
		t.Error("IdentityValues is not identity")
	}
	v[1].DelaySamples = 1
	if v.IsIdentity() {
		t.Error("IsIdentity ignores delay")
	}
}

package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/pulsekit/pkg/calibration"
)

// Change is one accepted edit of the config file.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls the config file and, optionally, the calibration file it
// names. A config edit that validates and differs in at least one field is
// delivered as a [Change]; invalid edits are logged and the last good config
// stays current. A rewritten calibration file is parsed and delivered to the
// calibration callback.
type Watcher struct {
	path          string
	interval      time.Duration
	onChange      func(Change)
	onCalibration func(calibration.Values)

	mu       sync.Mutex
	current  *Config
	cfgFile  fileState
	calFile  fileState
	done     chan struct{}
	stopOnce sync.Once
}

// fileState is the last observed version of a watched file.
type fileState struct {
	path  string
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 2 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithCalibrationReload also watches calibration.file of the current config
// and calls fn with the parsed values whenever the file content changes.
// Files that fail to parse are logged and skipped.
func WithCalibrationReload(fn func(calibration.Values)) WatcherOption {
	return func(w *Watcher) { w.onCalibration = fn }
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. onChange may be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, st, err := readState(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.cfgFile = st

	// The app loads the calibration file at startup; only later rewrites
	// are reported.
	if w.onCalibration != nil && cfg.Calibration.File != "" {
		if _, st, err := readState(cfg.Calibration.File); err == nil {
			w.calFile = st
		} else {
			w.calFile = fileState{path: cfg.Calibration.File}
		}
	}

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkConfig()
			if w.onCalibration != nil {
				w.checkCalibration()
			}
		}
	}
}

func (w *Watcher) checkConfig() {
	w.mu.Lock()
	last := w.cfgFile
	w.mu.Unlock()

	data, st, changed, err := reread(last)
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	if !changed {
		w.mu.Lock()
		w.cfgFile = st
		w.mu.Unlock()
		return
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.cfgFile = st
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config watcher: file changed without effective edits", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"scene", cfg.Routing.Scene.String(),
		"restart_required", d.RestartRequired,
	)

	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(Change{Old: old, New: cfg, Diff: d})
	}
}

func (w *Watcher) checkCalibration() {
	w.mu.Lock()
	path := w.current.Calibration.File
	last := w.calFile
	w.mu.Unlock()

	if path == "" {
		return
	}
	if last.path != path {
		// calibration.file itself was edited; the new file counts as changed.
		last = fileState{path: path}
	}

	data, st, changed, err := reread(last)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case err != nil:
		slog.Warn("config watcher: cannot read calibration file", "path", path, "err", err)
		return
	}
	w.mu.Lock()
	w.calFile = st
	w.mu.Unlock()
	if !changed {
		return
	}

	v, err := calibration.Parse(data)
	if err != nil {
		slog.Warn("config watcher: ignoring calibration file", "path", path, "err", err)
		return
	}
	slog.Info("config watcher: calibration file changed", "path", path, "identity", v.IsIdentity())
	w.onCalibration(v)
}

// reread returns the file content and state when the file's mtime moved
// since last. changed is false when the file is untouched or was rewritten
// with identical content.
func reread(last fileState) (data []byte, st fileState, changed bool, err error) {
	info, err := os.Stat(last.path)
	if err != nil {
		return nil, last, false, err
	}
	if info.ModTime().Equal(last.mtime) {
		return nil, last, false, nil
	}
	data, st, err = readState(last.path)
	if err != nil {
		return nil, last, false, err
	}
	return data, st, st.hash != last.hash, nil
}

func readState(path string) ([]byte, fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileState{path: path}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{path: path}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{path: path}, err
	}
	data := buf.Bytes()
	return data, fileState{path: path, mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}

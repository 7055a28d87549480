package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/getmockd/mqtt-recorder/pkg/logging"
	"github.com/getmockd/mqtt-recorder/pkg/naming"
)

// MinuteRecorder writes every message, whatever its topic, into one file per
// wall-clock minute: <base>/<YYYY-MM-DD>/mqtt-recorder-<YYYY-MM-DD-HHMM>.json.
type MinuteRecorder struct {
	baseDir string
	sync    bool
	now     func() time.Time
	log     *slog.Logger

	path string
	file *os.File
}

// NewMinuteRecorder creates a standard recorder. Only BaseDir, SyncWrites,
// Now and Logger of opts are used.
func NewMinuteRecorder(opts Options) *MinuteRecorder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &MinuteRecorder{
		baseDir: opts.BaseDir,
		sync:    opts.SyncWrites,
		now:     opts.Now,
		log:     opts.Logger,
	}
}

// WriteMessage appends line to the current minute's file.
func (r *MinuteRecorder) WriteMessage(topic string, line []byte) error {
	path := naming.MinutePath(r.baseDir, r.now())
	if path != r.path {
		if err := r.rotate(path); err != nil {
			return err
		}
	}

	buf := append(append(make([]byte, 0, len(line)+1), line...), '\n')
	if _, err := r.file.Write(buf); err != nil {
		return fmt.Errorf("writing %s for %q: %w", r.path, topic, err)
	}
	if r.sync {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", r.path, err)
		}
	}
	return nil
}

// rotate switches to path. A file left by an earlier run in the same minute
// is appended to.
func (r *MinuteRecorder) rotate(path string) error {
	r.closeFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating recording directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening recording file: %w", err)
	}
	r.log.Info("recording to file", "path", path)
	r.path = path
	r.file = f
	return nil
}

// CleanupTimeoutFiles closes the current file once its minute has passed.
func (r *MinuteRecorder) CleanupTimeoutFiles() {
	if r.file == nil {
		return
	}
	if naming.MinutePath(r.baseDir, r.now()) != r.path {
		r.log.Debug("closing finished minute file", "path", r.path)
		r.closeFile()
	}
}

// Close closes the current file.
func (r *MinuteRecorder) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.path = ""
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("closing recording file: %w", err)
	}
	return nil
}

func (r *MinuteRecorder) closeFile() {
	if err := r.Close(); err != nil {
		r.log.Warn("failed to close recording file", "error", err)
	}
}

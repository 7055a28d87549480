// Package stats computes rolling per-topic statistics over JSON payloads.
//
// Every payload that decodes as JSON is flattened into key paths ("a.b",
// "list[0]") and each leaf value is folded into an accumulator for its path.
// When a topic's window elapses, or just before its recording file rotates,
// one summary line is appended to the topic's stats file:
//
//	2025-06-01 10:00:00 - 2025-06-01 10:01:00, humidity:0.250, status:2.000
//
// Numbers report their population variance, strings and booleans the number
// of distinct values.
package stats

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getmockd/mqtt-recorder/pkg/logging"
	"github.com/getmockd/mqtt-recorder/pkg/message"
	"github.com/getmockd/mqtt-recorder/pkg/naming"
	"github.com/ohler55/ojg/oj"
)

// DefaultInterval is the statistics window length used when none is configured.
const DefaultInterval = 60 * time.Second

// Options configures an Engine.
type Options struct {
	// BaseDir is the recording base directory; stats files live in the topic directories.
	BaseDir string

	// Enabled turns the engine on. A disabled engine ignores every call.
	Enabled bool

	// Interval is the window length. Defaults to DefaultInterval.
	Interval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger receives flush and error events. Defaults to logging.Nop().
	Logger *slog.Logger
}

// Engine owns the accumulators of every topic. It is not safe for
// concurrent use; the recording loop is its only caller.
type Engine struct {
	opts   Options
	log    *slog.Logger
	topics map[string]*window
}

// window is the accumulation state of one topic.
type window struct {
	topic  string
	path   string
	file   *os.File
	start  time.Time
	values map[string]accumulator
}

// New creates a statistics engine.
func New(opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Engine{
		opts:   opts,
		log:    opts.Logger,
		topics: make(map[string]*window),
	}
}

// Enabled reports whether the engine records anything.
func (e *Engine) Enabled() bool {
	return e.opts.Enabled
}

// AddMessage folds an encoded record line into the topic's window. Lines
// whose payload is not JSON are ignored.
func (e *Engine) AddMessage(topic string, line []byte) {
	if !e.opts.Enabled {
		return
	}

	rec, err := message.Decode(line)
	if err != nil {
		e.log.Debug("skipping stats for undecodable record", "topic", topic, "error", err)
		return
	}
	if !utf8.Valid(rec.Payload) {
		e.log.Debug("skipping stats for non-text payload", "topic", topic)
		return
	}
	var payload any
	if err := oj.Unmarshal(rec.Payload, &payload); err != nil {
		e.log.Debug("payload is not JSON", "topic", topic, "error", err)
		return
	}

	w, ok := e.topics[topic]
	if !ok {
		w = &window{
			topic:  topic,
			path:   naming.StatsPath(e.opts.BaseDir, topic),
			start:  e.opts.Now(),
			values: make(map[string]accumulator),
		}
		e.topics[topic] = w
	} else if len(w.values) == 0 {
		// a drained window restarts with its first value
		w.start = e.opts.Now()
	}
	w.extract("", payload)
}

// ShouldFlush reports whether topic's window has run for at least the interval.
func (e *Engine) ShouldFlush(topic string) bool {
	if !e.opts.Enabled {
		return false
	}
	w, ok := e.topics[topic]
	if !ok {
		return false
	}
	return e.opts.Now().Sub(w.start) >= e.opts.Interval
}

// CheckAndFlush flushes every topic whose window has elapsed.
func (e *Engine) CheckAndFlush() {
	if !e.opts.Enabled {
		return
	}
	for topic, w := range e.topics {
		if !e.ShouldFlush(topic) {
			continue
		}
		if err := e.flush(w); err != nil {
			e.log.Error("failed to write stats", "topic", topic, "path", w.path, "error", err)
		}
	}
}

// ForceFlush flushes topic's window regardless of its age.
func (e *Engine) ForceFlush(topic string) {
	if !e.opts.Enabled {
		return
	}
	w, ok := e.topics[topic]
	if !ok {
		return
	}
	if err := e.flush(w); err != nil {
		e.log.Error("failed to force stats", "topic", topic, "path", w.path, "error", err)
	}
}

// Close flushes every pending window and closes the stats files.
func (e *Engine) Close() error {
	var firstErr error
	for topic, w := range e.topics {
		if e.opts.Enabled {
			if err := e.flush(w); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("flushing stats for %s: %w", topic, err)
			}
		}
		if w.file != nil {
			if err := w.file.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing stats file %s: %w", w.path, err)
			}
			w.file = nil
		}
	}
	return firstErr
}

// flush writes one summary line when the window holds any statistic, then
// clears the accumulators and restarts the window.
func (e *Engine) flush(w *window) error {
	if len(w.values) == 0 {
		return nil
	}

	now := e.opts.Now()
	line := w.summary(now)
	clear(w.values)
	w.start = now
	if line == "" {
		return nil
	}

	if w.file == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			return fmt.Errorf("creating stats directory: %w", err)
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening stats file: %w", err)
		}
		w.file = f
	}
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("writing stats line: %w", err)
	}

	e.log.Info("wrote stats", "topic", w.topic, "line", strings.TrimSuffix(line, "\n"))
	return nil
}

// summary renders the window as a stats line, or "" when no path produces
// a statistic.
func (w *window) summary(end time.Time) string {
	keys := make([]string, 0, len(w.values))
	for k := range w.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(w.start.Format(naming.StatsTimeLayout))
	b.WriteString(" - ")
	b.WriteString(end.Format(naming.StatsTimeLayout))

	written := 0
	for _, k := range keys {
		v, ok := w.values[k].stat()
		if !ok {
			continue
		}
		fmt.Fprintf(&b, ", %s:%.3f", k, v)
		written++
	}
	if written == 0 {
		return ""
	}
	b.WriteByte('\n')
	return b.String()
}

// extract walks a decoded JSON value and records every leaf under its path.
func (w *window) extract(prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			w.extract(path, child)
		}
	case []any:
		for i, child := range val {
			w.extract(fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		if prefix == "" {
			return
		}
		acc, ok := w.values[prefix]
		if !ok {
			acc = newAccumulator(val)
			w.values[prefix] = acc
		}
		acc.add(val)
	}
}

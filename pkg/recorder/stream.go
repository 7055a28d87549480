// Package recorder writes captured MQTT messages to rotating files.
//
// StreamManager keeps one open file per topic plus, optionally, one
// aggregate file mirroring every topic. A stream idle longer than the timeout
// starts a new session with a new base timestamp at its next write. A stream
// that reaches MaxMessagesPerFile records is closed right after that write and
// the session continues in the next sequence number. MinuteRecorder is the
// simpler standard mode that writes one file per wall-clock minute.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getmockd/mqtt-recorder/pkg/logging"
	"github.com/getmockd/mqtt-recorder/pkg/naming"
	"github.com/getmockd/mqtt-recorder/pkg/stats"
)

// DefaultMaxMessagesPerFile caps the records written to one stream file.
const DefaultMaxMessagesPerFile = 100_000

// DefaultIdleTimeout closes streams that received nothing for this long.
const DefaultIdleTimeout = 30 * time.Second

// ErrTopicOutsideBase is returned for topics whose directory would escape the base directory.
var ErrTopicOutsideBase = errors.New("topic resolves outside the base directory")

// Options configures a StreamManager.
type Options struct {
	// BaseDir is the root of the recording tree.
	BaseDir string

	// IdleTimeout closes a stream after this long without messages.
	IdleTimeout time.Duration

	// MaxMessagesPerFile rotates a stream after this many records.
	MaxMessagesPerFile int

	// AllTopics enables the aggregate stream under "<base>/#".
	AllTopics bool

	// SyncWrites fsyncs every record after writing it.
	SyncWrites bool

	// Stats receives every per-topic record. Nil disables statistics.
	Stats *stats.Engine

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to logging.Nop().
	Logger *slog.Logger
}

// stream is one open recording file and its session identity.
type stream struct {
	topic         string
	baseTimestamp string
	seq           int
	path          string
	file          *os.File
	lastWrite     time.Time
	count         int
}

// StreamManager owns every open recording file. It is not safe for
// concurrent use: a single goroutine (see Serve) drives all writes and
// cleanups.
type StreamManager struct {
	opts      Options
	log       *slog.Logger
	stats     *stats.Engine
	streams   map[string]*stream
	aggregate *stream
}

// NewStreamManager creates a manager writing below opts.BaseDir.
func NewStreamManager(opts Options) *StreamManager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxMessagesPerFile <= 0 {
		opts.MaxMessagesPerFile = DefaultMaxMessagesPerFile
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Stats == nil {
		opts.Stats = stats.New(stats.Options{BaseDir: opts.BaseDir})
	}
	return &StreamManager{
		opts:    opts,
		log:     opts.Logger,
		stats:   opts.Stats,
		streams: make(map[string]*stream),
	}
}

// WriteMessage appends one encoded record line to the topic's stream and,
// when enabled, to the aggregate stream.
func (m *StreamManager) WriteMessage(topic string, line []byte) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	now := m.opts.Now()

	s, err := m.resolve(topic, m.streams[topic], now)
	if err != nil {
		delete(m.streams, topic)
		return err
	}
	m.streams[topic] = s
	if err := m.write(s, line, now); err != nil {
		return err
	}

	var errs []error
	if m.opts.AllTopics {
		if err := m.writeAggregate(line, now); err != nil {
			errs = append(errs, err)
		}
	}

	m.stats.AddMessage(topic, line)
	if next, err := m.rotateFull(topic, s, now); err != nil {
		delete(m.streams, topic)
		errs = append(errs, err)
	} else {
		m.streams[topic] = next
	}
	m.stats.CheckAndFlush()
	return errors.Join(errs...)
}

func (m *StreamManager) writeAggregate(line []byte, now time.Time) error {
	agg, err := m.resolve(naming.AllTopics, m.aggregate, now)
	m.aggregate = agg
	if err != nil {
		return fmt.Errorf("aggregate stream: %w", err)
	}
	if err := m.write(agg, line, now); err != nil {
		return err
	}
	m.aggregate, err = m.rotateFull(naming.AllTopics, agg, now)
	if err != nil {
		return fmt.Errorf("aggregate stream: %w", err)
	}
	return nil
}

// resolve returns the stream to write to, starting a new session when cur is
// missing or idle. A nil result with an error means no stream is open.
func (m *StreamManager) resolve(topic string, cur *stream, now time.Time) (*stream, error) {
	if cur == nil {
		return m.open(topic, naming.BaseTimestamp(now), 0, now)
	}
	if now.Sub(cur.lastWrite) > m.opts.IdleTimeout {
		m.log.Info("stream timed out, starting new session", "topic", topic, "path", cur.path)
		m.forceStats(topic)
		m.closeStream(cur)
		return m.open(topic, naming.BaseTimestamp(now), 0, now)
	}
	return cur, nil
}

// rotateFull replaces a stream holding MaxMessagesPerFile records with the
// next file of the same session. Streams below the limit are returned as is.
func (m *StreamManager) rotateFull(topic string, cur *stream, now time.Time) (*stream, error) {
	if cur.count < m.opts.MaxMessagesPerFile {
		return cur, nil
	}
	m.log.Info("stream reached message limit, rotating",
		"topic", topic, "count", cur.count, "sequence", cur.seq+1)
	m.forceStats(topic)
	m.closeStream(cur)
	return m.open(topic, cur.baseTimestamp, cur.seq+1, now)
}

// open creates a new stream file. Existing files are never reused.
func (m *StreamManager) open(topic, baseTimestamp string, seq int, now time.Time) (*stream, error) {
	path := naming.StreamPath(m.opts.BaseDir, topic, baseTimestamp, seq, now)
	if !m.within(path) {
		return nil, fmt.Errorf("%w: %q", ErrTopicOutsideBase, topic)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating stream directory for %q: %w", topic, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating stream file for %q: %w", topic, err)
	}

	m.log.Info("created stream file", "topic", topic, "path", path, "sequence", seq)
	return &stream{
		topic:         topic,
		baseTimestamp: baseTimestamp,
		seq:           seq,
		path:          path,
		file:          f,
		lastWrite:     now,
	}, nil
}

func (m *StreamManager) write(s *stream, line []byte, now time.Time) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	if m.opts.SyncWrites {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", s.path, err)
		}
	}
	s.lastWrite = now
	s.count++
	return nil
}

// CleanupTimeoutFiles closes every stream idle for longer than the timeout.
// The next message for such a topic starts a new session.
func (m *StreamManager) CleanupTimeoutFiles() {
	now := m.opts.Now()
	for topic, s := range m.streams {
		if now.Sub(s.lastWrite) <= m.opts.IdleTimeout {
			continue
		}
		m.log.Info("closing idle stream", "topic", topic, "path", s.path, "count", s.count)
		m.forceStats(topic)
		m.closeStream(s)
		delete(m.streams, topic)
	}

	if m.aggregate != nil && now.Sub(m.aggregate.lastWrite) > m.opts.IdleTimeout {
		m.log.Info("closing idle aggregate stream", "path", m.aggregate.path, "count", m.aggregate.count)
		m.closeStream(m.aggregate)
		m.aggregate = nil
	}
}

// Close closes every stream and flushes all pending statistics.
func (m *StreamManager) Close() error {
	var errs []error
	for topic, s := range m.streams {
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", s.path, err))
		}
		delete(m.streams, topic)
	}
	if m.aggregate != nil {
		if err := m.aggregate.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", m.aggregate.path, err))
		}
		m.aggregate = nil
	}
	if err := m.stats.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OpenStreams returns the number of open per-topic streams.
func (m *StreamManager) OpenStreams() int {
	return len(m.streams)
}

// forceStats closes the statistics window before a topic's file changes.
// The aggregate stream has no statistics.
func (m *StreamManager) forceStats(topic string) {
	if topic == naming.AllTopics {
		return
	}
	m.stats.ForceFlush(topic)
}

func (m *StreamManager) closeStream(s *stream) {
	if err := s.file.Close(); err != nil {
		m.log.Warn("failed to close stream file", "topic", s.topic, "path", s.path, "error", err)
	}
}

func (m *StreamManager) within(path string) bool {
	base := filepath.Clean(m.opts.BaseDir)
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

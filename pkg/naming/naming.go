// Package naming encodes and decodes the file and directory names used for
// recordings and statistics.
//
// Recordings are written with a single canonical grammar:
//
//	<base>/<topic>/<YYYY-MM-DD>/mqtt-recorder-<sanitized>-<YYYYMMDD-HHMMSS>-<seq>.json
//
// where seq is zero-padded to four digits so that sorting paths also sorts
// the files of a session in write order. The standard (non-topic) recorder writes
//
//	<base>/<YYYY-MM-DD>/mqtt-recorder-<YYYY-MM-DD-HHMM>.json
//
// Reading is more lenient: ParseFileTime tries an ordered list of grammars so
// older recordings remain replayable.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Prefix starts every file name this module writes.
const Prefix = "mqtt-recorder-"

// AllTopics is the topic marker used for the aggregate stream.
const AllTopics = "#"

// Time layouts.
const (
	BaseTimestampLayout = "20060102-150405"
	DateLayout          = "2006-01-02"
	MinuteLayout        = "2006-01-02-1504"
	StatsTimeLayout     = "2006-01-02 15:04:05"
)

// Extensions for record and statistics files.
const (
	RecordExt = ".json"
	StatsExt  = ".txt"
)

var topicReplacer = strings.NewReplacer("/", "-", "+", "plus", "#", "hash")

// SanitizeTopic turns a topic into a string safe for a single file name.
func SanitizeTopic(topic string) string {
	return topicReplacer.Replace(topic)
}

// BaseTimestamp formats t as a session base timestamp.
func BaseTimestamp(t time.Time) string {
	return t.Format(BaseTimestampLayout)
}

// TopicDir is the directory holding everything recorded for topic.
func TopicDir(base, topic string) string {
	return filepath.Join(base, filepath.FromSlash(topic))
}

// StreamFileName is the file name of one recording stream file.
func StreamFileName(topic, baseTimestamp string, seq int) string {
	return fmt.Sprintf("%s%s-%s-%04d%s", Prefix, SanitizeTopic(topic), baseTimestamp, seq, RecordExt)
}

// StreamPath is the full path of one recording stream file created at now.
func StreamPath(base, topic, baseTimestamp string, seq int, now time.Time) string {
	return filepath.Join(TopicDir(base, topic), now.Format(DateLayout), StreamFileName(topic, baseTimestamp, seq))
}

// StatsPath is the append-only statistics file for topic.
func StatsPath(base, topic string) string {
	return filepath.Join(TopicDir(base, topic), Prefix+SanitizeTopic(topic)+"-stats"+StatsExt)
}

// MinutePath is the file the standard recorder writes at now.
func MinutePath(base string, now time.Time) string {
	return filepath.Join(base, now.Format(DateLayout), Prefix+now.Format(MinuteLayout)+RecordExt)
}

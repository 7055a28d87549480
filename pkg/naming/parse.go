package naming

import (
	"path/filepath"
	"strings"
	"time"
)

// parseStrategy extracts a time from the part of a file stem that follows Prefix.
type parseStrategy struct {
	name  string
	parse func(rest string, loc *time.Location) (time.Time, bool)
}

// strategies are tried in order; the first success wins.
var strategies = []parseStrategy{
	{name: "standard", parse: parseStandard},
	{name: "topic-with-sequence", parse: parseTopicWithSequence},
	{name: "topic", parse: parseTopic},
}

// ParseFileTime decodes the timestamp embedded in a recording file name.
// Names are interpreted in loc (time.Local when nil). The second result is
// false when the name matches none of the known grammars.
func ParseFileTime(path string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	rest, ok := strings.CutPrefix(stem, Prefix)
	if !ok {
		return time.Time{}, false
	}
	for _, s := range strategies {
		if t, ok := s.parse(rest, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// mqtt-recorder-2006-01-02-1504
func parseStandard(rest string, loc *time.Location) (time.Time, bool) {
	if len(rest) != len(MinuteLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(MinuteLayout, rest, loc)
	return t, err == nil
}

// mqtt-recorder-<topic>-20060102-150405-<seq>
func parseTopicWithSequence(rest string, loc *time.Location) (time.Time, bool) {
	parts := strings.Split(rest, "-")
	if len(parts) < 4 || !isDigits(parts[len(parts)-1]) {
		return time.Time{}, false
	}
	return parseBase(parts[len(parts)-3], parts[len(parts)-2], loc)
}

// mqtt-recorder-<topic>-20060102-150405
func parseTopic(rest string, loc *time.Location) (time.Time, bool) {
	parts := strings.Split(rest, "-")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	return parseBase(parts[len(parts)-2], parts[len(parts)-1], loc)
}

func parseBase(date, clock string, loc *time.Location) (time.Time, bool) {
	if len(date) != 8 || len(clock) != 6 || !isDigits(date) || !isDigits(clock) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(BaseTimestampLayout, date+"-"+clock, loc)
	return t, err == nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

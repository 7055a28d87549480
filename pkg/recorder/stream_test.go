package recorder

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/getmockd/mqtt-recorder/pkg/message"
	"github.com/getmockd/mqtt-recorder/pkg/naming"
	"github.com/getmockd/mqtt-recorder/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local)}
}

func encode(t *testing.T, topic, payload string) []byte {
	t.Helper()
	line, err := message.Encode(message.Record{Time: 1, Topic: topic, Payload: []byte(payload)})
	require.NoError(t, err)
	return line
}

// recordFiles lists the *.json files below dir, sorted.
func recordFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, naming.RecordExt) {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestWritesWithoutRotationShareOneFile(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now})

	for i := 0; i < 25; i++ {
		require.NoError(t, m.WriteMessage("sensors/temp", encode(t, "sensors/temp", "1")))
		clock.Advance(time.Second)
	}

	s := m.streams["sensors/temp"]
	require.NotNil(t, s)
	assert.Equal(t, 25, s.count)
	require.NoError(t, m.Close())

	files := recordFiles(t, dir)
	require.Len(t, files, 1)
	assert.Equal(t,
		filepath.Join(dir, "sensors", "temp", "2025-06-01", "mqtt-recorder-sensors-temp-20250601-100000-0000.json"),
		files[0])
	assert.Equal(t, 25, countLines(t, files[0]))
}

func TestCapRotationKeepsBaseTimestamp(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now, MaxMessagesPerFile: 3})

	for i := 0; i < 4; i++ {
		require.NoError(t, m.WriteMessage("t", encode(t, "t", "x")))
		clock.Advance(time.Second)
	}
	require.NoError(t, m.Close())

	files := recordFiles(t, dir)
	require.Len(t, files, 2)
	assert.Equal(t, "mqtt-recorder-t-20250601-100000-0000.json", filepath.Base(files[0]))
	assert.Equal(t, "mqtt-recorder-t-20250601-100000-0001.json", filepath.Base(files[1]))
	assert.Equal(t, 3, countLines(t, files[0]))
	assert.Equal(t, 1, countLines(t, files[1]))
}

func TestReachingCapOpensNextFile(t *testing.T) {
	dir := t.TempDir()
	m := NewStreamManager(Options{BaseDir: dir, Now: newClock().Now, MaxMessagesPerFile: 5})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.WriteMessage("t", encode(t, "t", "x")))
	}
	s := m.streams["t"]
	require.NotNil(t, s)
	assert.Equal(t, 1, s.seq)
	assert.Equal(t, 0, s.count)
	require.NoError(t, m.Close())

	files := recordFiles(t, dir)
	require.Len(t, files, 2)
	assert.Equal(t, "mqtt-recorder-t-20250601-100000-0000.json", filepath.Base(files[0]))
	assert.Equal(t, "mqtt-recorder-t-20250601-100000-0001.json", filepath.Base(files[1]))
	assert.Equal(t, 5, countLines(t, files[0]))
	assert.Equal(t, 0, countLines(t, files[1]))
}

func TestDefaultCapLeavesTwoFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a full default-sized file")
	}
	dir := t.TempDir()
	clock := newClock()
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now})

	line := encode(t, "t", `{"v": 1}`)
	for i := 0; i < DefaultMaxMessagesPerFile; i++ {
		require.NoError(t, m.WriteMessage("t", line))
		if i%1000 == 999 {
			clock.Advance(time.Second)
		}
	}
	require.NoError(t, m.Close())

	files := recordFiles(t, dir)
	require.Len(t, files, 2)
	assert.Equal(t, "mqtt-recorder-t-20250601-100000-0000.json", filepath.Base(files[0]))
	assert.Equal(t, "mqtt-recorder-t-20250601-100000-0001.json", filepath.Base(files[1]))
	assert.Equal(t, DefaultMaxMessagesPerFile, countLines(t, files[0]))
}

func TestIdleGapStartsNewSession(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now, IdleTimeout: 30 * time.Second})

	require.NoError(t, m.WriteMessage("t", encode(t, "t", "a")))
	first := m.streams["t"].baseTimestamp

	clock.Advance(31 * time.Second)
	require.NoError(t, m.WriteMessage("t", encode(t, "t", "b")))
	second := m.streams["t"]

	assert.NotEqual(t, first, second.baseTimestamp)
	assert.Equal(t, 0, second.seq)
	assert.Equal(t, 1, second.count)
	require.NoError(t, m.Close())
	assert.Len(t, recordFiles(t, dir), 2)
}

func TestIdleGapAtTimeoutReusesStream(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now, IdleTimeout: 30 * time.Second})

	require.NoError(t, m.WriteMessage("t", encode(t, "t", "a")))
	clock.Advance(30 * time.Second)
	require.NoError(t, m.WriteMessage("t", encode(t, "t", "b")))
	require.NoError(t, m.Close())
	assert.Len(t, recordFiles(t, dir), 1)
}

func TestAggregateStreamMirrorsAllTopics(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now, AllTopics: true})

	require.NoError(t, m.WriteMessage("a", encode(t, "a", "1")))
	require.NoError(t, m.WriteMessage("b/c", encode(t, "b/c", "2")))
	require.NoError(t, m.WriteMessage("a", encode(t, "a", "3")))
	require.NoError(t, m.Close())

	agg := filepath.Join(dir, "#", "2025-06-01", "mqtt-recorder-hash-20250601-100000-0000.json")
	assert.Equal(t, 3, countLines(t, agg))
	assert.Len(t, recordFiles(t, dir), 3)

	// no statistics for the aggregate stream
	_, err := os.Stat(naming.StatsPath(dir, naming.AllTopics))
	assert.True(t, os.IsNotExist(err))
}

func TestAggregateRotatesIndependently(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now, AllTopics: true, MaxMessagesPerFile: 2})

	require.NoError(t, m.WriteMessage("a", encode(t, "a", "1")))
	require.NoError(t, m.WriteMessage("b", encode(t, "b", "1")))
	require.NoError(t, m.WriteMessage("c", encode(t, "c", "1")))

	assert.Equal(t, 1, m.aggregate.seq)
	assert.Equal(t, 0, m.streams["a"].seq)
	require.NoError(t, m.Close())
}

func TestCleanupClosesIdleStreamsAndFlushesStats(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	engine := stats.New(stats.Options{BaseDir: dir, Enabled: true, Interval: time.Hour, Now: clock.Now})
	m := NewStreamManager(Options{
		BaseDir:     dir,
		Now:         clock.Now,
		IdleTimeout: 10 * time.Second,
		AllTopics:   true,
		Stats:       engine,
	})

	require.NoError(t, m.WriteMessage("old", encode(t, "old", `{"v": 1}`)))
	clock.Advance(8 * time.Second)
	require.NoError(t, m.WriteMessage("fresh", encode(t, "fresh", `{"v": 1}`)))
	clock.Advance(5 * time.Second)

	m.CleanupTimeoutFiles()

	assert.Equal(t, 1, m.OpenStreams())
	assert.Contains(t, m.streams, "fresh")
	assert.NotNil(t, m.aggregate, "aggregate written 5s ago stays open")

	data, err := os.ReadFile(naming.StatsPath(dir, "old"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "v:0.000")

	clock.Advance(10 * time.Second)
	m.CleanupTimeoutFiles()
	assert.Equal(t, 0, m.OpenStreams())
	assert.Nil(t, m.aggregate)

	// next message for a cleaned topic starts a new session
	require.NoError(t, m.WriteMessage("old", encode(t, "old", `{"v": 2}`)))
	assert.Equal(t, "20250601-100023", m.streams["old"].baseTimestamp)
	require.NoError(t, m.Close())
}

func TestRotationForcesStatsFlush(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	engine := stats.New(stats.Options{BaseDir: dir, Enabled: true, Interval: time.Hour, Now: clock.Now})
	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now, MaxMessagesPerFile: 2, Stats: engine})

	for _, v := range []string{`{"v": 1}`, `{"v": 3}`, `{"v": 10}`} {
		require.NoError(t, m.WriteMessage("t", encode(t, "t", v)))
	}

	data, err := os.ReadFile(naming.StatsPath(dir, "t"))
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01 10:00:00 - 2025-06-01 10:00:00, v:1.000\n", string(data))

	require.NoError(t, m.Close())
	data, err = os.ReadFile(naming.StatsPath(dir, "t"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
}

func TestExistingFileIsNeverReused(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	path := naming.StreamPath(dir, "t", naming.BaseTimestamp(clock.Now()), 0, clock.Now())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("foreign\n"), 0o644))

	m := NewStreamManager(Options{BaseDir: dir, Now: clock.Now})
	err := m.WriteMessage("t", encode(t, "t", "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrExist), "got %v", err)
	assert.Equal(t, 0, m.OpenStreams())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "foreign\n", string(data))

	// a later attempt in a new second succeeds
	clock.Advance(time.Second)
	require.NoError(t, m.WriteMessage("t", encode(t, "t", "x")))
	require.NoError(t, m.Close())
}

func TestTopicOutsideBaseRejected(t *testing.T) {
	dir := t.TempDir()
	m := NewStreamManager(Options{BaseDir: filepath.Join(dir, "rec"), Now: newClock().Now})

	err := m.WriteMessage("../../escape", encode(t, "../../escape", "x"))
	assert.ErrorIs(t, err, ErrTopicOutsideBase)
	_, statErr := os.Stat(filepath.Join(dir, "escape"))
	assert.True(t, os.IsNotExist(statErr))
	require.NoError(t, m.Close())
}

func TestSyncWrites(t *testing.T) {
	dir := t.TempDir()
	m := NewStreamManager(Options{BaseDir: dir, Now: newClock().Now, SyncWrites: true})
	require.NoError(t, m.WriteMessage("t", encode(t, "t", "x")))
	require.NoError(t, m.Close())
	assert.Len(t, recordFiles(t, dir), 1)
}

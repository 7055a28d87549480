// Package replay re-publishes recorded MQTT messages with their original
// relative timing.
//
// A pass discovers the recording files below a directory, reads them in path
// order and publishes every record, sleeping between records for the
// recorded gap divided by the speed factor. Files are played one after
// another; records from different files are never merged by timestamp.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/getmockd/mqtt-recorder/pkg/config"
	"github.com/getmockd/mqtt-recorder/pkg/logging"
	"github.com/getmockd/mqtt-recorder/pkg/message"
)

// emptyPassDelay throttles looping over files that hold no records.
const emptyPassDelay = time.Second

// Publisher is the sink for replayed messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// Options configures an Engine.
type Options struct {
	// Dir is searched recursively for recording files.
	Dir string

	// Speed scales playback: 2.0 replays twice as fast. Defaults to 1.
	Speed float64

	// Start and End bound the file name timestamps, inclusive. Nil means open.
	Start, End *time.Time

	// Loop repeats passes until the context is cancelled.
	Loop bool

	// Topic, when set, is an MQTT filter (+ and # wildcards) selecting the
	// records to publish.
	Topic string

	// Location interprets file name timestamps. Defaults to time.Local.
	Location *time.Location

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger defaults to logging.Nop().
	Logger *slog.Logger
}

// Summary counts what one pass did.
type Summary struct {
	Files   int `json:"files"`
	Emitted int `json:"emitted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Engine replays a recording directory to a Publisher.
type Engine struct {
	pub  Publisher
	opts Options
	log  *slog.Logger
}

// New creates a replay engine.
func New(pub Publisher, opts Options) (*Engine, error) {
	if pub == nil {
		return nil, errors.New("replay: nil publisher")
	}
	if opts.Speed == 0 {
		opts.Speed = 1
	}
	if opts.Speed < 0 {
		return nil, fmt.Errorf("%w: %g", config.ErrInvalidSpeed, opts.Speed)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Engine{pub: pub, opts: opts, log: opts.Logger}, nil
}

// Run replays until one pass completes or, with Loop set, until ctx is
// cancelled. Cancellation is not an error. A pass that finds no files ends
// the replay with a warning.
func (e *Engine) Run(ctx context.Context) error {
	for pass := 1; ; pass++ {
		sum, err := e.RunPass(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			e.log.Info("replay cancelled", "pass", pass)
			return nil
		}
		if sum.Files == 0 {
			e.log.Warn("no recording files to replay", "dir", e.opts.Dir)
			return nil
		}

		e.log.Info("replay pass complete",
			"pass", pass, "files", sum.Files, "emitted", sum.Emitted,
			"skipped", sum.Skipped, "failed", sum.Failed)
		if !e.opts.Loop {
			return nil
		}
		if sum.Emitted == 0 {
			if err := e.opts.Sleep(ctx, emptyPassDelay); err != nil {
				return nil
			}
		}
	}
}

// RunPass discovers the files once and replays them in order.
func (e *Engine) RunPass(ctx context.Context) (Summary, error) {
	var sum Summary

	files, err := Discover(e.opts.Dir, e.opts.Start, e.opts.End, e.opts.Location)
	if err != nil {
		return sum, err
	}
	sum.Files = len(files)

	p := &pacer{speed: e.opts.Speed, sleep: e.opts.Sleep}
	for _, path := range files {
		if ctx.Err() != nil {
			return sum, nil
		}
		e.replayFile(ctx, path, p, &sum)
	}
	return sum, nil
}

func (e *Engine) replayFile(ctx context.Context, path string, p *pacer, sum *Summary) {
	f, err := os.Open(path)
	if err != nil {
		e.log.Error("skipping unreadable recording", "path", path, "error", err)
		return
	}
	defer f.Close()

	e.log.Debug("replaying file", "path", path)
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if !e.replayLine(ctx, path, lineNo, line, p, sum) {
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				e.log.Error("failed reading recording", "path", path, "line", lineNo, "error", readErr)
			}
			return
		}
	}
}

// replayLine publishes one record line; it returns false once ctx is done.
func (e *Engine) replayLine(ctx context.Context, path string, lineNo int, line []byte, p *pacer, sum *Summary) bool {
	rec, err := message.Decode(line)
	if err != nil {
		e.log.Warn("skipping malformed record", "path", path, "line", lineNo, "error", err)
		sum.Skipped++
		return true
	}
	if e.opts.Topic != "" && !matchTopic(e.opts.Topic, rec.Topic) {
		sum.Skipped++
		return true
	}
	if !rec.ValidQoS() {
		e.log.Warn("invalid QoS, publishing at most once",
			"path", path, "line", lineNo, "topic", rec.Topic, "qos", rec.QoS)
		rec.QoS = message.AtMostOnce
	}

	if err := p.wait(ctx, rec.Time); err != nil {
		return false
	}
	if err := e.pub.Publish(ctx, rec.Topic, byte(rec.QoS), rec.Retain, rec.Payload); err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.log.Error("failed to publish record", "path", path, "line", lineNo, "topic", rec.Topic, "error", err)
		sum.Failed++
		return true
	}
	sum.Emitted++
	return true
}

// pacer reproduces the gaps between consecutive records.
type pacer struct {
	speed   float64
	sleep   func(ctx context.Context, d time.Duration) error
	prev    float64
	started bool
}

// wait sleeps for the scaled gap since the previous record. The first record
// of a pass is not delayed.
func (p *pacer) wait(ctx context.Context, t float64) error {
	prev, started := p.prev, p.started
	p.prev, p.started = t, true
	if !started {
		return ctx.Err()
	}
	return p.sleep(ctx, Delay(prev, t, p.speed))
}

// Delay is the wall-clock wait between records captured at prev and next
// seconds when replaying at speed. Backward jumps yield zero.
func Delay(prev, next, speed float64) time.Duration {
	gap := (next - prev) / speed
	if gap <= 0 {
		return 0
	}
	return time.Duration(gap * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

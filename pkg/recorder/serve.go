package recorder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getmockd/mqtt-recorder/pkg/logging"
	"github.com/getmockd/mqtt-recorder/pkg/message"
)

// Sink is a destination for encoded record lines.
type Sink interface {
	WriteMessage(topic string, line []byte) error
	CleanupTimeoutFiles()
	Close() error
}

var (
	_ Sink = (*StreamManager)(nil)
	_ Sink = (*MinuteRecorder)(nil)
)

// Inputs are the event sources feeding the recording loop.
type Inputs struct {
	// Messages delivers received messages in arrival order.
	Messages <-chan message.Record

	// Cleanup ticks request an idle-stream sweep.
	Cleanup <-chan struct{}

	// Lost reports a fatal broker error.
	Lost <-chan error
}

// Serve is the single writer of sink. It records every message from in until
// ctx is cancelled, Messages is closed or the broker connection is lost, then
// closes the sink. Messages already queued when ctx is cancelled are still
// written. A message that cannot be written is logged and dropped.
func Serve(ctx context.Context, sink Sink, in Inputs, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = logging.Nop()
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			logger.Error("failed to close recordings", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("recording stopped", "flushed", drain(sink, in.Messages, logger))
			return nil

		case lostErr := <-in.Lost:
			return fmt.Errorf("broker connection lost: %w", lostErr)

		case <-in.Cleanup:
			sink.CleanupTimeoutFiles()

		case rec, ok := <-in.Messages:
			if !ok {
				return nil
			}
			record(sink, rec, logger)
		}
	}
}

// drain writes the messages already queued on msgs without waiting for more
// and returns how many it took.
func drain(sink Sink, msgs <-chan message.Record, logger *slog.Logger) int {
	n := 0
	for {
		select {
		case rec, ok := <-msgs:
			if !ok {
				return n
			}
			record(sink, rec, logger)
			n++
		default:
			return n
		}
	}
}

func record(sink Sink, rec message.Record, logger *slog.Logger) {
	line, err := message.Encode(rec)
	if err != nil {
		logger.Warn("dropping message", "topic", rec.Topic, "error", err)
		return
	}
	if err := sink.WriteMessage(rec.Topic, line); err != nil {
		logger.Error("failed to record message, dropped", "topic", rec.Topic, "error", err)
		return
	}
	logger.Debug("recorded message", "topic", rec.Topic, "bytes", len(rec.Payload))
}

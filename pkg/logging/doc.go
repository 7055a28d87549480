// Package logging provides structured logging configuration for mqtt-recorder.
//
// This package wraps log/slog so the recorder, the statistics engine and the
// replay engine all log the same way. It supports configurable log levels,
// text or JSON output, and an optional JSON log file next to the console.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("created stream file", "topic", "sensors/temp", "path", path)
//	logger.Error("write failed", "topic", topic, "error", err)
//
// # Integration
//
// Components accept a *slog.Logger in their constructor or options.
// If no logger is provided, they use logging.Nop().
package logging

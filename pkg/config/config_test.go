package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqtt-recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost", cfg.Broker.Address)
	assert.Equal(t, 1883, cfg.Broker.Port)
	assert.Equal(t, 1, cfg.Broker.QoS)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout())
	assert.Equal(t, time.Minute, cfg.StatsInterval())
	assert.Equal(t, 100_000, cfg.Record.MaxMessages)
	assert.Equal(t, 1.0, cfg.Replay.Speed)
	assert.Equal(t, SourceDefault, cfg.Source("broker.port"))
}

func TestLoadFile_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
broker:
  address: broker.local
  port: 8883
record:
  topics: ["a/#", "b"]
  stats: true
replay:
  speed: 2.5
`)
	cfg := Default()
	require.NoError(t, LoadFile(path, cfg))

	assert.Equal(t, "broker.local", cfg.Broker.Address)
	assert.Equal(t, 8883, cfg.Broker.Port)
	assert.Equal(t, 1, cfg.Broker.QoS, "unset keys keep defaults")
	assert.Equal(t, []string{"a/#", "b"}, cfg.Record.Topics)
	assert.True(t, cfg.Record.Stats)
	assert.Equal(t, 30, cfg.Record.IdleTimeout)
	assert.Equal(t, 2.5, cfg.Replay.Speed)

	assert.Equal(t, SourceFile, cfg.Source("broker.port"))
	assert.Equal(t, SourceFile, cfg.Source("record.topics"))
	assert.Equal(t, SourceDefault, cfg.Source("broker.qos"))
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr error
	}{
		{
			name:    "missing",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") },
			wantErr: ErrFileNotFound,
		},
		{
			name:    "empty",
			path:    func(t *testing.T) string { return writeFile(t, "") },
			wantErr: ErrEmptyFile,
		},
		{
			name:    "comments only",
			path:    func(t *testing.T) string { return writeFile(t, "# nothing here\n") },
			wantErr: ErrEmptyFile,
		},
		{
			name:    "invalid syntax",
			path:    func(t *testing.T) string { return writeFile(t, "broker: [unclosed\n") },
			wantErr: ErrInvalidYAML,
		},
		{
			name:    "wrong type",
			path:    func(t *testing.T) string { return writeFile(t, "broker:\n  port: lots\n") },
			wantErr: ErrInvalidYAML,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := LoadFile(tt.path(t), Default())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("directory", func(t *testing.T) {
		assert.Error(t, LoadFile(t.TempDir(), Default()))
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvAddress, "env-host")
	t.Setenv(EnvPort, "1884")
	t.Setenv(EnvCAFile, "/tmp/ca.pem")
	t.Setenv(EnvClientID, "recorder-1")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "json")

	cfg := Default()
	ApplyEnv(cfg)

	assert.Equal(t, "env-host", cfg.Broker.Address)
	assert.Equal(t, 1884, cfg.Broker.Port)
	assert.Equal(t, "/tmp/ca.pem", cfg.Broker.CAFile)
	assert.Equal(t, "recorder-1", cfg.Broker.ClientID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, SourceEnv, cfg.Source("broker.port"))
}

func TestApplyEnv_IgnoresBadPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	cfg := Default()
	ApplyEnv(cfg)
	assert.Equal(t, 1883, cfg.Broker.Port)
	assert.Equal(t, SourceDefault, cfg.Source("broker.port"))
}

func TestPrecedence_EnvOverFile(t *testing.T) {
	path := writeFile(t, "broker:\n  address: file-host\n  port: 2000\n")
	t.Setenv(EnvAddress, "env-host")

	cfg := Default()
	require.NoError(t, LoadFile(path, cfg))
	ApplyEnv(cfg)

	assert.Equal(t, "env-host", cfg.Broker.Address)
	assert.Equal(t, 2000, cfg.Broker.Port)
	assert.Equal(t, SourceEnv, cfg.Source("broker.address"))
	assert.Equal(t, SourceFile, cfg.Source("broker.port"))
}

func TestFilePath(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/mqtt-recorder.yaml")
	assert.Equal(t, "/etc/mqtt-recorder.yaml", FilePath(""))
	assert.Equal(t, "local.yaml", FilePath("local.yaml"))
}

func TestParseReplayTime(t *testing.T) {
	got, err := ParseReplayTime("2025-06-01 10:30", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), *got)

	got, err = ParseReplayTime("", time.UTC)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"2025-06-01", "2025-06-01T10:30", "10:30", "2025-13-01 10:30"} {
		_, err := ParseReplayTime(bad, time.UTC)
		assert.ErrorIs(t, err, ErrInvalidTime, bad)
	}
}

func TestValidateReplay(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ValidateReplay())

	cfg.Replay.Speed = 0
	assert.ErrorIs(t, cfg.ValidateReplay(), ErrInvalidSpeed)

	cfg = Default()
	cfg.Replay.StartTime = "yesterday"
	assert.ErrorIs(t, cfg.ValidateReplay(), ErrInvalidTime)

	cfg = Default()
	cfg.Replay.StartTime = "2025-06-02 00:00"
	cfg.Replay.EndTime = "2025-06-01 00:00"
	assert.Error(t, cfg.ValidateReplay())
}

func TestValidateRecord(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateRecord(), "topics are required")

	cfg.Record.Topics = []string{"#"}
	require.NoError(t, cfg.ValidateRecord())

	cfg.Record.IdleTimeout = 0
	assert.Error(t, cfg.ValidateRecord())

	cfg = Default()
	cfg.Record.Topics = []string{"#"}
	cfg.Broker.QoS = 3
	assert.ErrorIs(t, cfg.ValidateRecord(), ErrInvalidQoS)

	cfg.Broker.QoS = 0
	cfg.Broker.Port = 70000
	assert.ErrorIs(t, cfg.ValidateRecord(), ErrInvalidPort)
}

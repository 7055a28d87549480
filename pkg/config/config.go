package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors.
var (
	ErrInvalidSpeed = errors.New("speed must be greater than zero")
	ErrInvalidTime  = errors.New(`time must be formatted as "YYYY-MM-DD HH:MM"`)
	ErrInvalidPort  = errors.New("port must be between 1 and 65535")
	ErrInvalidQoS   = errors.New("qos must be 0, 1 or 2")
)

// ReplayTimeLayout is the format of --start-time and --end-time.
const ReplayTimeLayout = "2006-01-02 15:04"

// Source identifies where a setting came from.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
	SourceFlag    = "flag"
)

// Config is the complete mqtt-recorder configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Log    LogConfig    `yaml:"log"`
	Record RecordConfig `yaml:"record"`
	Replay ReplayConfig `yaml:"replay"`

	// Sources maps a setting key (e.g. "broker.port") to the layer that last
	// set it. Keys absent from the map hold their default.
	Sources map[string]string `yaml:"-"`
}

// BrokerConfig describes the MQTT connection.
type BrokerConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	CAFile   string `yaml:"cafile"`
	ClientID string `yaml:"clientId"`
	// QoS is used for subscriptions.
	QoS int `yaml:"qos"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File additionally writes JSON logs to this path.
	File string `yaml:"file"`
}

// RecordConfig drives the record and irecord commands.
type RecordConfig struct {
	Topics []string `yaml:"topics"`
	Dir    string   `yaml:"dir"`
	// IdleTimeout in seconds closes a topic's file after this much silence.
	IdleTimeout int  `yaml:"idleTimeout"`
	Stats       bool `yaml:"stats"`
	// StatsInterval in seconds.
	StatsInterval int  `yaml:"statsInterval"`
	AllTopics     bool `yaml:"allTopics"`
	MaxMessages   int  `yaml:"maxMessages"`
	Sync          bool `yaml:"sync"`
}

// ReplayConfig drives the replay command.
type ReplayConfig struct {
	Dir       string  `yaml:"dir"`
	Speed     float64 `yaml:"speed"`
	StartTime string  `yaml:"startTime"`
	EndTime   string  `yaml:"endTime"`
	Loop      bool    `yaml:"loop"`
	Topic     string  `yaml:"topic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Address: "localhost",
			Port:    1883,
			QoS:     1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Record: RecordConfig{
			Dir:           ".",
			IdleTimeout:   30,
			StatsInterval: 60,
			MaxMessages:   100_000,
		},
		Replay: ReplayConfig{
			Dir:   ".",
			Speed: 1.0,
		},
		Sources: make(map[string]string),
	}
}

// Source reports which layer set key.
func (c *Config) Source(key string) string {
	if s, ok := c.Sources[key]; ok {
		return s
	}
	return SourceDefault
}

// SetSource records that key was set by source.
func (c *Config) SetSource(key, source string) {
	if c.Sources == nil {
		c.Sources = make(map[string]string)
	}
	c.Sources[key] = source
}

// IdleTimeout is Record.IdleTimeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Record.IdleTimeout) * time.Second
}

// StatsInterval is Record.StatsInterval as a duration.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Record.StatsInterval) * time.Second
}

// ValidateBroker checks the settings every command needs.
func (c *Config) ValidateBroker() error {
	if c.Broker.Address == "" {
		return errors.New("broker address is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Broker.Port)
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, c.Broker.QoS)
	}
	return nil
}

// ValidateRecord checks the broker and recording settings.
func (c *Config) ValidateRecord() error {
	if err := c.ValidateBroker(); err != nil {
		return err
	}
	if len(c.Record.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	if c.Record.Dir == "" {
		return errors.New("recording directory is required")
	}
	if c.Record.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %d", c.Record.IdleTimeout)
	}
	if c.Record.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive, got %d", c.Record.StatsInterval)
	}
	if c.Record.MaxMessages <= 0 {
		return fmt.Errorf("max messages per file must be positive, got %d", c.Record.MaxMessages)
	}
	return nil
}

// ValidateReplay checks the broker and replay settings.
func (c *Config) ValidateReplay() error {
	if err := c.ValidateBroker(); err != nil {
		return err
	}
	if c.Replay.Dir == "" {
		return errors.New("replay directory is required")
	}
	if c.Replay.Speed <= 0 {
		return fmt.Errorf("%w: %g", ErrInvalidSpeed, c.Replay.Speed)
	}
	_, _, err := c.ReplayWindow(time.Local)
	return err
}

// ReplayWindow parses the replay start and end times in loc. Unset bounds
// are nil.
func (c *Config) ReplayWindow(loc *time.Location) (start, end *time.Time, err error) {
	if start, err = ParseReplayTime(c.Replay.StartTime, loc); err != nil {
		return nil, nil, fmt.Errorf("start time: %w", err)
	}
	if end, err = ParseReplayTime(c.Replay.EndTime, loc); err != nil {
		return nil, nil, fmt.Errorf("end time: %w", err)
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, fmt.Errorf("end time %s is before start time %s", c.Replay.EndTime, c.Replay.StartTime)
	}
	return start, end, nil
}

// ParseReplayTime parses "YYYY-MM-DD HH:MM" in loc (time.Local when nil).
// An empty string yields nil.
func ParseReplayTime(s string, loc *time.Location) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(ReplayTimeLayout, s, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return &t, nil
}

package config

import (
	"os"
	"strconv"
)

// Environment variable names
const (
	EnvAddress   = "MQTT_RECORDER_ADDRESS"
	EnvPort      = "MQTT_RECORDER_PORT"
	EnvCAFile    = "MQTT_RECORDER_CAFILE"
	EnvClientID  = "MQTT_RECORDER_CLIENT_ID"
	EnvLogLevel  = "MQTT_RECORDER_LOG_LEVEL"
	EnvLogFormat = "MQTT_RECORDER_LOG_FORMAT"
	EnvConfig    = "MQTT_RECORDER_CONFIG"
)

// ApplyEnv overlays values present in the environment. Unparseable numbers
// are ignored.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvAddress); v != "" {
		cfg.Broker.Address = v
		cfg.SetSource("broker.address", SourceEnv)
	}

	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
			cfg.SetSource("broker.port", SourceEnv)
		}
	}

	if v := os.Getenv(EnvCAFile); v != "" {
		cfg.Broker.CAFile = v
		cfg.SetSource("broker.cafile", SourceEnv)
	}

	if v := os.Getenv(EnvClientID); v != "" {
		cfg.Broker.ClientID = v
		cfg.SetSource("broker.clientId", SourceEnv)
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
		cfg.SetSource("log.level", SourceEnv)
	}

	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
		cfg.SetSource("log.format", SourceEnv)
	}
}

// FilePath returns the config file to load: flagValue when set, otherwise
// MQTT_RECORDER_CONFIG. Empty means no file.
func FilePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfig)
}

// Package cli provides the mqtt-recorder command-line interface.
//
// Commands:
//   - record: write every message to one file per wall-clock minute
//   - irecord: write one file stream per topic, with idle and size rotation
//     and optional per-topic payload statistics
//   - replay: publish a recording directory back to a broker with the
//     original timing, optionally scaled, filtered and looped
//   - version: show build information
//
// Broker and logging settings are global flags. Every setting can also come
// from a YAML file (--config or MQTT_RECORDER_CONFIG) and a subset from
// MQTT_RECORDER_* environment variables; flags win over both.
package cli

// Package config holds the mqtt-recorder settings and loads them from a YAML
// file and the environment.
//
// Values are layered, later sources overriding earlier ones:
//
//	defaults < config file < MQTT_RECORDER_* environment < command-line flags
//
// Flags are applied by the CLI, which only copies flags the user actually set.
// A minimal file:
//
//	broker:
//	  address: broker.local
//	  port: 8883
//	  cafile: /etc/ssl/broker-ca.pem
//	log:
//	  level: debug
//	record:
//	  topics: ["sensors/#"]
//	  dir: /var/lib/mqtt-recorder
//	  idleTimeout: 30
//	  stats: true
//	replay:
//	  speed: 2.0
//	  startTime: "2025-06-01 10:00"
package config

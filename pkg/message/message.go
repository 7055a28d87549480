// Package message defines the on-disk record of one captured MQTT message.
//
// A record file is UTF-8 text with one JSON object per line:
//
//	{"time":1718000000.25,"qos":1,"retain":false,"topic":"sensors/temp","msg_b64":"MjEuNQ=="}
//
// The payload is stored base64 encoded so arbitrary bytes survive the
// line-oriented format unchanged.
package message

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Errors returned while decoding record lines.
var (
	ErrEmptyTopic     = errors.New("record has an empty topic")
	ErrInvalidPayload = errors.New("record payload is not valid base64")
)

// QoS levels.
const (
	AtMostOnce  = 0
	AtLeastOnce = 1
	ExactlyOnce = 2
)

// Record is one received or replayed message.
type Record struct {
	// Time is the capture time in seconds since the Unix epoch.
	Time float64

	// QoS is the delivery level the message arrived with.
	QoS int

	// Retain is the broker retain flag.
	Retain bool

	// Topic the message was published to.
	Topic string

	// Payload is the raw message body.
	Payload []byte
}

// wireRecord is the JSON shape of a record line.
type wireRecord struct {
	Time   float64 `json:"time"`
	QoS    int     `json:"qos"`
	Retain bool    `json:"retain"`
	Topic  string  `json:"topic"`
	MsgB64 string  `json:"msg_b64"`
}

// New creates a record stamped with the given capture time.
func New(at time.Time, topic string, qos int, retain bool, payload []byte) Record {
	return Record{
		Time:    Seconds(at),
		QoS:     qos,
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	}
}

// Seconds converts t into fractional seconds since the Unix epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Timestamp returns the capture time as a time.Time.
func (r Record) Timestamp() time.Time {
	sec, frac := math.Modf(r.Time)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// ValidQoS reports whether the record carries a QoS level the broker accepts.
func (r Record) ValidQoS() bool {
	return r.QoS >= AtMostOnce && r.QoS <= ExactlyOnce
}

// Encode renders the record as a single JSON line without the trailing newline.
func Encode(r Record) ([]byte, error) {
	if r.Topic == "" {
		return nil, ErrEmptyTopic
	}
	data, err := json.Marshal(wireRecord{
		Time:   r.Time,
		QoS:    r.QoS,
		Retain: r.Retain,
		Topic:  r.Topic,
		MsgB64: base64.StdEncoding.EncodeToString(r.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

// Decode parses a single record line. The QoS value is returned as stored;
// callers decide how to treat values outside 0..2.
func Decode(line []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	if w.Topic == "" {
		return Record{}, ErrEmptyTopic
	}
	payload, err := base64.StdEncoding.DecodeString(w.MsgB64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return Record{
		Time:    w.Time,
		QoS:     w.QoS,
		Retain:  w.Retain,
		Topic:   w.Topic,
		Payload: payload,
	}, nil
}

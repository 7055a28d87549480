package message

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 2, 3, 17, 255, 4096}
	for _, n := range sizes {
		payload := make([]byte, n)
		_, _ = rand.Read(payload)

		rec := Record{Time: 1718000000.5, QoS: AtLeastOnce, Topic: "a/b", Payload: payload}
		line, err := Encode(rec)
		require.NoError(t, err)

		got, err := Decode(line)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(got.Payload), "size %d", n)
		assert.True(t, string(payload) == string(got.Payload), "payload mismatch for size %d", n)
	}
}

func TestEncodeWireFormat(t *testing.T) {
	line, err := Encode(Record{Time: 12.5, QoS: 2, Retain: true, Topic: "sensors/temp", Payload: []byte("21.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"time":12.5,"qos":2,"retain":true,"topic":"sensors/temp","msg_b64":"MjEuNQ=="}`, string(line))
	assert.NotContains(t, string(line), "\n")
}

func TestEncodeRejectsEmptyTopic(t *testing.T) {
	_, err := Encode(Record{Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrEmptyTopic)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"not json", `time=1`, nil},
		{"bad base64", `{"time":1,"qos":0,"retain":false,"topic":"t","msg_b64":"***"}`, ErrInvalidPayload},
		{"missing topic", `{"time":1,"qos":0,"retain":false,"msg_b64":""}`, ErrEmptyTopic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}

func TestDecodeKeepsOutOfRangeQoS(t *testing.T) {
	rec, err := Decode([]byte(`{"time":1,"qos":7,"retain":false,"topic":"t","msg_b64":""}`))
	require.NoError(t, err)
	assert.Equal(t, 7, rec.QoS)
	assert.False(t, rec.ValidQoS())
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 250_000_000, time.UTC)
	rec := New(at, "t", 0, false, nil)
	assert.InDelta(t, float64(at.UnixNano()), float64(rec.Timestamp().UnixNano()), float64(time.Microsecond))
}

package broker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/getmockd/mqtt-recorder/internal/testbroker"
	"github.com/getmockd/mqtt-recorder/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, b *testbroker.Broker) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{Address: b.Host, Port: b.Port}, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.setDefaults()
	assert.Equal(t, "tcp://localhost:1883", o.URL())
	assert.True(t, strings.HasPrefix(o.ClientID, "mqtt-recorder-"))
	assert.Equal(t, DefaultKeepAlive, o.KeepAlive)

	o.CAFile = "ca.pem"
	assert.Equal(t, "ssl://localhost:1883", o.URL())
}

func TestSubscribeReceivesRecords(t *testing.T) {
	b := testbroker.Start(t)
	c := dial(t, b)

	got := make(chan message.Record, 4)
	err := c.Subscribe(context.Background(), []string{"sensors/#"}, 1, func(r message.Record) {
		got <- r
	})
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, b.Publish("sensors/temp", []byte(`{"v":1}`), 1, false))

	select {
	case r := <-got:
		assert.Equal(t, "sensors/temp", r.Topic)
		assert.Equal(t, `{"v":1}`, string(r.Payload))
		assert.Equal(t, 1, r.QoS)
		assert.False(t, r.Retain)
		assert.GreaterOrEqual(t, r.Time, message.Seconds(before)-1)
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestPublishReachesBroker(t *testing.T) {
	b := testbroker.Start(t)
	c := dial(t, b)

	require.NoError(t, c.Publish(context.Background(), "replay/out", 1, true, []byte("hello")))

	msgs := b.WaitForMessages(t, 1, 5*time.Second)
	assert.Equal(t, "replay/out", msgs[0].Topic)
	assert.Equal(t, "hello", string(msgs[0].Payload))
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, c.ClientID(), msgs[0].ClientID)
}

func TestLostFiresWhenBrokerStops(t *testing.T) {
	b := testbroker.Start(t)
	c := dial(t, b)

	b.Close()

	select {
	case err := <-c.Lost():
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("connection loss not reported")
	}
}

func TestSubscribeRequiresTopics(t *testing.T) {
	b := testbroker.Start(t)
	c := dial(t, b)
	assert.Error(t, c.Subscribe(context.Background(), nil, 0, func(message.Record) {}))
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Options{Address: "127.0.0.1", Port: 1, ConnectTimeout: time.Second}, nil)
	assert.Error(t, err)
}

func TestDialRejectsBadCAFile(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0o644))

	_, err := Dial(context.Background(), Options{CAFile: ca}, nil)
	assert.ErrorIs(t, err, ErrInvalidCA)

	_, err = Dial(context.Background(), Options{CAFile: filepath.Join(t.TempDir(), "missing.pem")}, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// Package testbroker runs an embedded MQTT broker for tests.
package testbroker

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Message is a publish seen by the broker.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// Broker is a running embedded broker bound to a loopback port.
type Broker struct {
	Host string
	Port int

	server *mqtt.Server

	mu       sync.Mutex
	received []Message
	closed   bool
}

// Start launches a broker on a free port and stops it when the test ends.
func Start(t testing.TB) *Broker {
	t.Helper()

	port := freePort(t)
	b := &Broker{
		Host:   "127.0.0.1",
		Port:   port,
		server: mqtt.New(&mqtt.Options{InlineClient: true}),
	}

	// mochi-mqtt requires an auth hook
	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add allow hook: %v", err)
	}
	if err := b.server.AddHook(&captureHook{broker: b}, nil); err != nil {
		t.Fatalf("add capture hook: %v", err)
	}

	listener := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("test-%d", port),
		Address: fmt.Sprintf("%s:%d", b.Host, port),
	})
	if err := b.server.AddListener(listener); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	go func() {
		_ = b.server.Serve()
	}()
	waitListening(t, b.Addr())

	t.Cleanup(b.Close)
	return b
}

// Addr is host:port.
func (b *Broker) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Publish injects a message as the broker's inline client.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, qos)
}

// Received returns a copy of every publish seen so far.
func (b *Broker) Received() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.received))
	copy(out, b.received)
	return out
}

// WaitForMessages polls until at least n publishes arrived or the timeout
// passes, and returns what was received.
func (b *Broker) WaitForMessages(t testing.TB, n int, timeout time.Duration) []Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := b.Received()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(got))
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops the broker, disconnecting every client. Safe to call twice.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	_ = b.server.Close()
}

type captureHook struct {
	mqtt.HookBase
	broker *Broker
}

func (h *captureHook) ID() string {
	return "capture-hook"
}

func (h *captureHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mqtt.OnPublish}, []byte{b})
}

func (h *captureHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	msg := Message{
		Topic:   pk.TopicName,
		Payload: append([]byte(nil), pk.Payload...),
		QoS:     pk.FixedHeader.Qos,
		Retain:  pk.FixedHeader.Retain,
	}
	if cl != nil {
		msg.ClientID = cl.ID
	}
	h.broker.mu.Lock()
	h.broker.received = append(h.broker.received, msg)
	h.broker.mu.Unlock()
	return pk, nil
}

func freePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func waitListening(t testing.TB, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			// let mochi release the probe connection before clients attach
			time.Sleep(50 * time.Millisecond)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("broker did not start listening on %s", addr)
}

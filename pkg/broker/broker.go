// Package broker connects to an MQTT broker with the Paho client and exposes
// the small surface the recorder and the replay engine need.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/getmockd/mqtt-recorder/pkg/logging"
	"github.com/getmockd/mqtt-recorder/pkg/message"
	"github.com/getmockd/mqtt-recorder/pkg/naming"
)

// Defaults for Options.
const (
	DefaultAddress        = "localhost"
	DefaultPort           = 1883
	DefaultKeepAlive      = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	disconnectQuiesceMs = 250
)

// ErrInvalidCA is returned when the CA file holds no usable certificate.
var ErrInvalidCA = errors.New("no certificates found in CA file")

// Options configures a broker connection.
type Options struct {
	Address string
	Port    int

	// CAFile switches the connection to TLS and trusts the PEM
	// certificates it contains.
	CAFile string

	// ClientID defaults to mqtt-recorder-<uuid>.
	ClientID string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Address == "" {
		o.Address = DefaultAddress
	}
	if o.Port <= 0 {
		o.Port = DefaultPort
	}
	if o.ClientID == "" {
		o.ClientID = naming.Prefix + uuid.NewString()
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
}

// URL is the broker URL Paho dials.
func (o Options) URL() string {
	scheme := "tcp"
	if o.CAFile != "" {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Address, o.Port)
}

// Client is a connected broker session. Reconnection is disabled: once the
// connection drops the error is delivered on Lost and the client is done.
type Client struct {
	client paho.Client
	lost   chan error
	log    *slog.Logger
	id     string
}

// Dial connects to the broker described by opts.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	opts.setDefaults()

	c := &Client{
		lost: make(chan error, 1),
		log:  logger,
		id:   opts.ClientID,
	}

	po := paho.NewClientOptions().
		AddBroker(opts.URL()).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetConnectionLostHandler(c.onLost)

	if opts.CAFile != "" {
		tlsConfig, err := newTLSConfig(opts.CAFile)
		if err != nil {
			return nil, err
		}
		po.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(po)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.URL(), err)
	}

	logger.Info("connected to broker", "url", opts.URL(), "clientId", opts.ClientID)
	return c, nil
}

// ClientID returns the id the session connected with.
func (c *Client) ClientID() string {
	return c.id
}

// Subscribe subscribes to every topic filter at qos. handler runs on Paho's
// delivery goroutine, in arrival order.
func (c *Client) Subscribe(ctx context.Context, topics []string, qos byte, handler func(message.Record)) error {
	if len(topics) == 0 {
		return errors.New("no topics to subscribe to")
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}

	cb := func(_ paho.Client, m paho.Message) {
		handler(message.New(time.Now(), m.Topic(), int(m.Qos()), m.Retained(), m.Payload()))
	}
	if err := wait(ctx, c.client.SubscribeMultiple(filters, cb)); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}

	c.log.Info("subscribed", "topics", topics, "qos", qos)
	return nil
}

// Publish sends one message and waits for the broker acknowledgement the QoS
// level requires.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if err := wait(ctx, c.client.Publish(topic, qos, retain, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Lost yields the error that ended the connection.
func (c *Client) Lost() <-chan error {
	return c.lost
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesceMs)
	}
}

func (c *Client) onLost(_ paho.Client, err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	c.log.Error("broker connection lost", "error", err)
	select {
	case c.lost <- err:
	default:
	}
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTLSConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%s: %w", caFile, ErrInvalidCA)
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

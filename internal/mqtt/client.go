// Package mqtt adapts the paho MQTT client to the session transport.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/jackalope/internal/eventbus"
	"github.com/dokzlo13/jackalope/internal/work"
)

// ErrNotConnected is returned for actions attempted without a broker session.
var ErrNotConnected = errors.New("mqtt: not connected")

// subackFailure is the SUBACK return code for a rejected filter.
const subackFailure = 0x80

// Config contains broker connection settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool

	// Reconnect backoff bounds; paho doubles the delay between them.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Listener is told about broker session changes.
type Listener interface {
	Connected()
	Disconnected(err error)
}

// Client is a session.Transport backed by paho.
type Client struct {
	cfg      Config
	client   paho.Client
	bus      *eventbus.Bus
	listener Listener
}

// New creates a client. Nothing is dialed until Connect.
func New(cfg Config, bus *eventbus.Bus, listener Listener) *Client {
	c := &Client{
		cfg:      cfg,
		bus:      bus,
		listener: listener,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.MinRetryBackoff).
		SetMaxReconnectInterval(cfg.MaxRetryBackoff).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	c.client = paho.NewClient(opts)
	return c
}

// Connect starts dialing in the background. paho keeps retrying until the
// first connection succeeds and reconnects on its own afterwards.
func (c *Client) Connect() {
	log.Info().Str("broker", c.cfg.Broker).Str("client_id", c.cfg.ClientID).Msg("Connecting to MQTT broker")
	c.client.Connect()
}

// Disconnect closes the broker session, waiting up to quiesce for in-flight work.
func (c *Client) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce / time.Millisecond))
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish implements session.Transport.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return wait(ctx, c.client.Publish(topic, qos, retain, payload))
}

// Subscribe implements session.Transport.
func (c *Client) Subscribe(ctx context.Context, filters []work.Filter) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	m := make(map[string]byte, len(filters))
	for _, f := range filters {
		m[f.Topic] = f.QoS
	}

	tok := c.client.SubscribeMultiple(m, nil)
	if err := wait(ctx, tok); err != nil {
		return err
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subackFailure {
				return fmt.Errorf("broker rejected subscription to %q", topic)
			}
		}
	}
	return nil
}

// Unsubscribe implements session.Transport.
func (c *Client) Unsubscribe(ctx context.Context, topics []string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return wait(ctx, c.client.Unsubscribe(topics...))
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) onConnect(paho.Client) {
	log.Info().Str("broker", c.cfg.Broker).Msg("Connected to MQTT broker")
	c.bus.Publish(eventbus.Event{Type: eventbus.EventTypeConnected})
	c.listener.Connected()
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	log.Warn().Err(err).Str("broker", c.cfg.Broker).Msg("MQTT connection lost, reconnecting")
	c.bus.Publish(eventbus.Event{Type: eventbus.EventTypeDisconnected, Err: err})
	c.listener.Disconnected(err)
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.bus.Publish(eventbus.Event{
		Type:     eventbus.EventTypeMessage,
		Topic:    msg.Topic(),
		Payload:  msg.Payload(),
		QoS:      msg.Qos(),
		Retained: msg.Retained(),
	})
}

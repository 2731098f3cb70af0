// v1
// internal/mqttbus/client.go

// Package mqttbus carries device events and monitor commands over MQTT.
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Handler receives the topic and payload of an inbound message.
type Handler func(topic string, payload []byte)

// Transport is the publish/subscribe surface used by the bus helpers.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// Options configures a Client.
type Options struct {
	Broker   string
	ClientID string
	// QoS applies to every publish and subscription.
	QoS            byte
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// Client is a paho client that reconnects on its own and restores its
// subscriptions after every reconnect.
type Client struct {
	opts   Options
	logger *slog.Logger
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]Handler
}

// NewClient builds an unconnected client. An empty ClientID gets a random
// suffix so several processes can share a broker.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", opts.QoS)
	}
	if opts.ClientID == "" {
		opts.ClientID = "tapmonitor-" + uuid.NewString()[:8]
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		opts:   opts,
		logger: logger.With(slog.String("client_id", opts.ClientID)),
		subs:   make(map[string]Handler),
	}
	mo := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(opts.RetryInterval).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("mqtt_connection_lost", slog.Any("err", err))
		})
	c.client = mqtt.NewClient(mo)
	return c, nil
}

// Connect starts the connection. With connect retry enabled the token only
// completes once the broker accepted us, so ctx bounds the wait.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("mqtt_connecting", slog.String("broker", c.opts.Broker))
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.opts.Broker, err)
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()
	c.logger.Info("mqtt_connected", slog.Int("subscriptions", len(subs)))
	for topic, h := range subs {
		tok := client.Subscribe(topic, c.opts.QoS, wrap(h))
		go func(topic string, tok mqtt.Token) {
			if tok.WaitTimeout(c.opts.ConnectTimeout) && tok.Error() != nil {
				c.logger.Error("mqtt_resubscribe_failed", slog.String("topic", topic), slog.Any("err", tok.Error()))
			}
		}(topic, tok)
	}
}

func wrap(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// Publish sends payload on topic.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, c.client.Publish(topic, c.opts.QoS, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic (wildcards allowed). The subscription is
// replayed after reconnects.
func (c *Client) Subscribe(ctx context.Context, topic string, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()
	if err := wait(ctx, c.client.Subscribe(topic, c.opts.QoS, wrap(h))); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	c.logger.Info("mqtt_subscribed", slog.String("topic", topic))
	return nil
}

// Close disconnects after letting in-flight work drain for up to 250ms.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("mqtt_disconnected")
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

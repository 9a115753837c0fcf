package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/cotgate/errors"
)

// MessageHandler receives one published message
type MessageHandler func(topic string, payload []byte)

// Client is the subset of an MQTT client the adapter uses
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Disconnect(timeout time.Duration)
}

// ClientConfig configures the paho client
type ClientConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// PahoClient wraps a paho client. Subscriptions are remembered and replayed
// after every reconnect, since the session is clean.
type PahoClient struct {
	client paho.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// NewPahoClient creates a client for cfg; it connects on Connect
func NewPahoClient(cfg ClientConfig, logger *slog.Logger) *PahoClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	c := &PahoClient{
		logger: logger.With("component", "mqtt_client", "broker", cfg.BrokerURL),
		subs:   make(map[string]subscription),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("MQTT connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c.client = paho.NewClient(opts)
	return c
}

func (c *PahoClient) onConnect(client paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	c.logger.Info("MQTT connected", "subscriptions", len(subs))
	for topic, sub := range subs {
		client.Subscribe(topic, sub.qos, wrap(sub.handler))
	}
}

// Connect blocks until the first connection succeeds or ctx ends
func (c *PahoClient) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err), "PahoClient", "Connect", "mqtt connect")
	}
	return nil
}

// Subscribe registers handler for topic
func (c *PahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := wait(ctx, c.client.Subscribe(topic, qos, wrap(handler))); err != nil {
		return errors.WrapTransient(err, "PahoClient", "Subscribe", "subscribe "+topic)
	}
	return nil
}

// Unsubscribe drops topics
func (c *PahoClient) Unsubscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if err := wait(ctx, c.client.Unsubscribe(topics...)); err != nil {
		return errors.WrapTransient(err, "PahoClient", "Unsubscribe", "unsubscribe")
	}
	return nil
}

// Publish sends payload to topic
func (c *PahoClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := wait(ctx, c.client.Publish(topic, qos, false, payload)); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDeviceUnreachable, err), "PahoClient", "Publish", "publish "+topic)
	}
	return nil
}

// Disconnect closes the connection after letting in-flight work finish
func (c *PahoClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func wrap(handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package mqtt wraps the paho client for the bridge's publishers.
package mqtt

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/tlsconfig"
)

// Will is the message the broker publishes when the client drops.
type Will struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	Timeout   time.Duration
	Logger    *zap.Logger
	Debug     bool
	Will      *Will
	// OnConnect runs after every successful (re)connect.
	OnConnect func(*Client)
}

// Handler receives messages for a subscription.
type Handler func(topic string, payload []byte)

// Client wraps an MQTT connection.
type Client struct {
	client  paho.Client
	log     *zap.Logger
	debug   bool
	timeout time.Duration
}

// NewClient connects to MQTT.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{log: opts.Logger, debug: opts.Debug, timeout: opts.Timeout}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("mqtt connection lost", zap.Error(err))
	})
	if opts.OnConnect != nil {
		clientOpts.SetOnConnectHandler(func(paho.Client) {
			opts.OnConnect(c)
		})
	}
	if opts.Will != nil {
		clientOpts.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, 1, opts.Will.Retained)
	}

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := tlsconfig.Load(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

// Publish publishes a message at QoS 1.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	if c.debug {
		c.log.Debug("mqtt publish", zap.String("topic", topic), zap.Bool("retained", retained), zap.String("payload", truncatePayload(payload)))
	}
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return errTimeout(topic)
	}
	return token.Error()
}

// Subscribe subscribes to a topic filter.
func (c *Client) Subscribe(filter string, handler Handler) error {
	if c.debug {
		c.log.Debug("mqtt subscribe", zap.String("topic", filter))
	}
	token := c.client.Subscribe(filter, 1, func(_ paho.Client, msg paho.Message) {
		if c.debug {
			c.log.Debug("mqtt message", zap.String("topic", msg.Topic()), zap.String("payload", truncatePayload(msg.Payload())))
		}
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.timeout) {
		return errTimeout(filter)
	}
	return token.Error()
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(filter string) error {
	token := c.client.Unsubscribe(filter)
	if !token.WaitTimeout(c.timeout) {
		return errTimeout(filter)
	}
	return token.Error()
}

// Close disconnects after letting in-flight work drain.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

func truncatePayload(payload []byte) string {
	const max = 2048
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "..."
}

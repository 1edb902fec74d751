// Package broker provides the MQTT client used by both publish planes,
// with last-will registration, explicit connect/disconnect lifecycle and
// connection callbacks.
package broker

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// ConnectionStatus represents the state of the broker connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives messages for a subscription.
type Handler func(topic string, payload []byte)

// Publisher is the surface the publish pipeline depends on. The fake
// used in tests implements the same interface.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Subscribe(topic string, qos byte, handler Handler) error
}

// Will is the last-will message registered before connect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Client wraps the paho MQTT client. Auto-reconnect is deliberately
// off: the lifecycle publisher owns session numbering, so reconnects go
// through the orchestrator which re-births the session.
type Client struct {
	url      string
	clientID string
	username string
	password string

	keepalive      time.Duration
	connectTimeout time.Duration
	tlsCAFile      string
	tlsCertFile    string
	tlsKeyFile     string

	logger Logger

	mu     sync.Mutex
	mqtt   mqtt.Client
	will   *Will
	status atomic.Int32

	onConnectionLost func(error)
	onConnect        func()
}

// NewClient creates a broker client for the given URL.
func NewClient(url, clientID string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		clientID:       clientID,
		keepalive:      60 * time.Second,
		connectTimeout: 10 * time.Second,
		logger:         &defaultLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetWill registers the last-will message. Must be called before
// Connect; the broker delivers it on ungraceful disconnect.
func (c *Client) SetWill(will Will) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.will = &will
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Connect establishes the broker session. The registered will and
// subscriptions-to-come ride on this session.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status() == StatusConnected {
		return nil
	}
	c.status.Store(int32(StatusConnecting))

	opts := mqtt.NewClientOptions().
		AddBroker(c.url).
		SetClientID(c.clientID).
		SetKeepAlive(c.keepalive).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectTimeout(c.connectTimeout)

	if c.username != "" {
		opts.SetUsername(c.username)
		opts.SetPassword(c.password)
	}
	if c.tlsCAFile != "" || c.tlsCertFile != "" {
		tlsConfig, err := loadTLSConfig(c.tlsCAFile, c.tlsCertFile, c.tlsKeyFile)
		if err != nil {
			c.status.Store(int32(StatusDisconnected))
			return errors.WrapFatal(err, "Client", "Connect", "load TLS material")
		}
		opts.SetTLSConfig(tlsConfig)
	}
	if c.will != nil {
		opts.SetBinaryWill(c.will.Topic, c.will.Payload, c.will.QoS, c.will.Retain)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.status.Store(int32(StatusDisconnected))
		c.logger.Errorf("broker connection lost: %v", err)
		if c.onConnectionLost != nil {
			c.onConnectionLost(err)
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.connectTimeout) {
		c.status.Store(int32(StatusDisconnected))
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "Connect", "wait for broker")
	}
	if err := token.Error(); err != nil {
		c.status.Store(int32(StatusDisconnected))
		if isAuthError(err) {
			return errors.WrapFatal(errors.ErrAuthRejected, "Client", "Connect", "authenticate")
		}
		return errors.WrapTransient(err, "Client", "Connect", "establish session")
	}

	c.mqtt = client
	c.status.Store(int32(StatusConnected))
	c.logger.Printf("connected to broker %s as %s", c.url, c.clientID)
	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

// Publish sends a message on the current session.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) error {
	client := c.session()
	if client == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", topic)
	}

	token := client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(c.connectTimeout) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "Publish", topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", topic)
	}
	return nil
}

// Subscribe registers a handler for a topic filter on the session.
func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	client := c.session()
	if client == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Subscribe", topic)
	}

	token := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.connectTimeout) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "Subscribe", topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "Client", "Subscribe", topic)
	}
	return nil
}

// Disconnect closes the session gracefully; the will is not delivered.
func (c *Client) Disconnect(quiesce time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mqtt != nil && c.mqtt.IsConnected() {
		c.mqtt.Disconnect(uint(quiesce.Milliseconds()))
	}
	c.mqtt = nil
	c.status.Store(int32(StatusDisconnected))
}

func (c *Client) session() mqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mqtt == nil || c.Status() != StatusConnected {
		return nil
	}
	return c.mqtt
}

func isAuthError(err error) bool {
	return stderrors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		stderrors.Is(err, packets.ErrorRefusedBadUsernameOrPassword)
}

// Package mqtt connects the sequencer to its control servers over an MQTT
// broker: registration, heartbeats, request/reply actions and clock reports.
package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

const (
	defaultQoS      = 1
	operationWait   = 10 * time.Second
	disconnectQuiet = 1000
)

// Handler receives one message.
type Handler func(topic string, payload []byte)

// Transport is the broker surface the rest of the package needs. Client
// implements it; tests use an in-memory broker.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler Handler) error
	IsConnected() bool
}

// Options configures a Client.
type Options struct {
	URL      string
	ClientID string
	// OnConnectionChange is called from paho's goroutines on connect and
	// connection loss.
	OnConnectionChange func(connected bool)
}

// Client wraps the Paho MQTT client.
type Client struct {
	client paho.Client
	url    string
	mu     sync.Mutex
}

// NewClient creates a new MQTT client but does not connect.
func NewClient(o Options) *Client {
	opts := paho.NewClientOptions().
		AddBroker(o.URL).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	if fn := o.OnConnectionChange; fn != nil {
		opts.SetOnConnectHandler(func(paho.Client) { fn(true) })
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
			logging.Warn("mqtt connection lost", zap.Error(err))
			fn(false)
		})
	}

	return &Client{
		client: paho.NewClient(opts),
		url:    o.URL,
	}
}

// Connect attempts to connect to the broker without blocking indefinitely.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(operationWait) {
		return &ConnectTimeoutError{URL: c.url}
	}
	return token.Error()
}

// Subscribe subscribes to a topic, which may contain wildcards.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Subscribe(topic, defaultQoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(operationWait) {
		return &SubscribeTimeoutError{Topic: topic}
	}
	return token.Error()
}

// Publish sends payload and waits for the broker to accept it.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, defaultQoS, false, payload)
	if !token.WaitTimeout(operationWait) {
		return &PublishTimeoutError{Topic: topic}
	}
	return token.Error()
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.Disconnect(disconnectQuiet)
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct {
	URL string
}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout: " + e.URL
}

// SubscribeTimeoutError indicates subscription timed out.
type SubscribeTimeoutError struct {
	Topic string
}

func (e *SubscribeTimeoutError) Error() string {
	return "mqtt subscribe timeout: " + e.Topic
}

// PublishTimeoutError indicates the broker did not acknowledge a publish.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}

// RequestTimeoutError indicates a server did not reply to an action in time.
type RequestTimeoutError struct {
	Server string
	Action string
}

func (e *RequestTimeoutError) Error() string {
	return "mqtt request timeout: " + e.Action + " on " + e.Server
}

// StartWithRetry connects and runs subscribe, logging errors but not
// crashing. Returns true if connected and subscribed.
func (c *Client) StartWithRetry(subscribe func() error) bool {
	if err := c.Connect(); err != nil {
		logging.Error("mqtt connect failed", zap.String("url", c.url), zap.Error(err))
		return false
	}

	if err := subscribe(); err != nil {
		logging.Error("mqtt subscribe failed", zap.Error(err))
		return false
	}

	logging.Info("mqtt connected", zap.String("url", c.url))
	return true
}

package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/config"
)

// Client is one broker session built on paho.mqtt.golang.
//
// Dial starts the connect handshake and returns immediately; every later
// outcome is reported through Hooks. There is no automatic reconnection:
// once OnConnectionLost fires the client is finished.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Hooks are invoked from paho goroutines and must not block for long.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	broker   broker
	clientID string
	topics   []string
	status   Topics
	hooks    Hooks

	connected atomic.Bool
	closed    atomic.Bool
	lostOnce  sync.Once

	// mu guards the handshake window: publishes made before the broker
	// acknowledges the connect are queued in pending.
	mu      sync.Mutex
	pending []pendingPublish
	lost    bool

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// PacketInfo describes one PUBLISH packet sent or received.
type PacketInfo struct {
	Topic     string `json:"topic"`
	Bytes     int    `json:"bytes"`
	QoS       byte   `json:"qos"`
	MessageID uint16 `json:"message_id,omitempty"`
}

// Hooks receives broker session events. Nil hooks are skipped.
type Hooks struct {
	// OnConnect fires when the handshake completes.
	OnConnect func()
	// OnPacketSent fires when a publish completes.
	OnPacketSent func(PacketInfo)
	// OnPacketReceived fires for every inbound publish, before OnMessage.
	OnPacketReceived func(PacketInfo)
	// OnMessage fires for every inbound publish.
	OnMessage func(topic string, payload []byte)
	// OnError reports non-fatal failures (publish, subscribe).
	OnError func(err error)
	// OnConnectionLost reports a failed handshake or a dropped session.
	// It fires at most once and never after Close.
	OnConnectionLost func(err error)
}

// Dial validates the connection string and starts connecting.
//
// It performs the following setup:
//  1. Normalises the connection string (scheme, default port, credentials)
//  2. Builds paho options with a unique client id and no auto-reconnect
//  3. Configures Last Will and Testament on the gateway status topic
//  4. Starts the connect handshake in the background
//
// topics are subscribed as soon as the handshake completes.
func Dial(cfg config.MQTTConfig, connectionString string, topics []string, hooks Hooks) (*Client, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}

	b, err := parseBroker(connectionString)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		broker:   b,
		clientID: newClientID(cfg.ClientIDPrefix),
		topics:   append([]string(nil), topics...),
		status:   Topics{Prefix: cfg.TopicPrefix},
		hooks:    hooks,
	}

	opts := buildClientOptions(cfg, b, c.clientID)
	configureLWT(opts, c.status, c.clientID)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleLost(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	})
	opts.SetDefaultPublishHandler(c.wrapHandler())

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.handleLost(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
		}
	}()

	return c, nil
}

// handleConnect is called when the connection is established. Publishes
// queued during the handshake go out before any later ones.
func (c *Client) handleConnect() {
	if c.closed.Load() {
		return
	}

	c.subscribeAll()
	c.client.Publish(c.status.GatewayStatus(c.clientID), byte(c.cfg.QoS), true, buildOnlinePayload(c.clientID))

	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	for _, p := range queued {
		c.publish(p.topic, p.payload)
	}
	c.connected.Store(true)
	c.mu.Unlock()

	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect()
	}
}

// handleLost reports a terminal session failure once.
func (c *Client) handleLost(err error) {
	c.mu.Lock()
	c.lost = true
	c.pending = nil
	c.connected.Store(false)
	c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	c.lostOnce.Do(func() {
		if c.hooks.OnConnectionLost != nil {
			c.hooks.OnConnectionLost(err)
		}
	})
}

// reportError forwards a non-fatal error to the OnError hook.
func (c *Client) reportError(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
		return
	}
	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT error", "client_id", c.clientID, "error", err)
	}
}

// Close disconnects from the broker in the background and calls done (if
// non-nil) once the session is gone. A graceful offline status is published
// first when connected. Close is idempotent; only the first done is called.
func (c *Client) Close(done func()) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	go func() {
		if c.connected.Load() {
			token := c.client.Publish(c.status.GatewayStatus(c.clientID), byte(c.cfg.QoS), true, buildOfflinePayload(c.clientID))
			token.WaitTimeout(defaultStatusTimeout)
		}
		c.client.Disconnect(defaultDisconnectQuiesce)
		c.connected.Store(false)

		if done != nil {
			done()
		}
	}()
}

// HealthCheck verifies the MQTT connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && !c.closed.Load() && c.client.IsConnected()
}

// ClientID returns the client identifier presented to the broker.
func (c *Client) ClientID() string {
	return c.clientID
}

// BrokerURL returns the normalised broker URL.
func (c *Client) BrokerURL() string {
	return c.broker.URL
}

// SetLogger sets a logger for error and panic logging.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

package mqttlink

import (
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/mqtt"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// State is the lifecycle state of a Connection.
type State int

// Connection states.
const (
	StateUnconnected State = iota
	StateConnected
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is one broker session exposed as a bus endpoint.
//
// Inbound types: mqtt.connection.connect, mqtt.connection.send and
// mqtt.connection.disconnect. Broker events are broadcast with the
// transaction of the connect that opened the session.
type Connection struct {
	*bus.Port

	router *bus.Router
	dialer Dialer
	logger Logger

	mu               sync.Mutex
	state            State
	dialing          bool
	closing          bool
	handshaken       bool // the broker acknowledged the session
	session          Session
	connectionString string
	transaction      string

	teardown sync.Once
}

// NewConnection creates an unconnected connection and registers it.
func NewConnection(router *bus.Router, dialer Dialer) *Connection {
	c := &Connection{
		Port:   bus.NewPort(bus.NewAddress("mqtt.connection")),
		router: router,
		dialer: dialer,
		logger: noopLogger{},
	}
	c.Inbound().Subscribe(bus.ForMe(c, c.handle))
	router.Register(c)
	return c
}

// SetLogger sets the logger for the connection.
func (c *Connection) SetLogger(logger Logger) {
	c.logger = logger
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionString returns the broker this connection was asked to reach.
func (c *Connection) ConnectionString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionString
}

// usable reports whether sends can be accepted right now. Sends made
// before the broker handshake completes are queued by the session.
func (c *Connection) usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && !c.closing
}

// ready reports whether the connection is usable and the broker has
// acknowledged the session.
func (c *Connection) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && !c.closing && c.handshaken
}

func (c *Connection) markHandshaken() {
	c.mu.Lock()
	c.handshaken = true
	c.mu.Unlock()
	c.logger.Debug("mqtt session established", "addr", c.Addr())
}

func (c *Connection) handle(env bus.Envelope) {
	switch env.Type {
	case TypeConnect:
		c.connect(env)
	case TypeSend:
		c.send(env)
	case TypeDisconnect:
		c.disconnect(env)
	default:
		bus.Warn(c, env, fmt.Sprintf("ignore message with msgtype %s", env.Type))
	}
}

func (c *Connection) connect(env bus.Envelope) {
	props, ok := bus.PayloadAs[ConnectProps](env)
	if !ok || props.ConnectionString == "" {
		bus.Fail(c, env, fmt.Sprintf("connect without connection string on: %s", c.Addr()))
		return
	}

	c.mu.Lock()
	switch {
	case c.state == StateConnected || c.dialing:
		c.mu.Unlock()
		bus.Warn(c, env, fmt.Sprintf("double connect on: %s", c.Addr()))
		return
	case c.state == StateDisconnected:
		c.mu.Unlock()
		bus.Warn(c, env, fmt.Sprintf("connect on disconnected: %s", c.Addr()))
		return
	}
	c.dialing = true
	c.connectionString = props.ConnectionString
	c.transaction = bus.TransactionOf(env)
	c.mu.Unlock()

	session, err := c.dialer.Dial(props.ConnectionString, props.Topics, c.hooks())
	if err != nil {
		c.fatal(err)
		return
	}

	c.mu.Lock()
	c.dialing = false
	if c.state == StateDisconnected {
		// The session failed while Dial was still returning.
		c.mu.Unlock()
		session.Close(nil)
		return
	}
	c.session = session
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Debug("mqtt connection opened", "addr", c.Addr(), "broker", props.ConnectionString)
	c.Emit(bus.Envelope{
		Dst:         replyDst(env),
		Transaction: c.transaction,
		Type:        TypeConnected,
		Payload:     ConnectProps{ConnectionString: props.ConnectionString},
	})
}

func (c *Connection) send(env bus.Envelope) {
	c.mu.Lock()
	state, closing, session := c.state, c.closing, c.session
	c.mu.Unlock()

	if state != StateConnected {
		bus.Fail(c, env, "need to connect first")
		return
	}
	if closing {
		bus.Warn(c, env, fmt.Sprintf("send while disconnecting on: %s", c.Addr()))
		return
	}

	msg, ok := bus.PayloadAs[Message](env)
	if !ok {
		bus.Fail(c, env, fmt.Sprintf("send without message on: %s", c.Addr()))
		return
	}
	if err := session.Publish(msg.Topic, msg.Message); err != nil {
		bus.Fail(c, env, fmt.Sprintf("publish to %s failed: %v", msg.Topic, err))
	}
}

func (c *Connection) disconnect(env bus.Envelope) {
	c.mu.Lock()
	switch {
	case c.state != StateConnected:
		c.mu.Unlock()
		bus.Warn(c, env, fmt.Sprintf("try to disconnect on not connected: %s", c.Addr()))
		return
	case c.closing:
		c.mu.Unlock()
		bus.Warn(c, env, fmt.Sprintf("disconnect already in progress on: %s", c.Addr()))
		return
	}
	c.closing = true
	session := c.session
	c.mu.Unlock()

	session.Close(func() {
		c.finish(func() {
			c.Emit(bus.Envelope{
				Dst:         replyDst(env),
				Transaction: bus.TransactionOf(env),
				Type:        TypeDisconnected,
				Payload:     ConnectProps{ConnectionString: c.ConnectionString()},
			})
		})
	})
}

// hooks maps broker session events to broadcast envelopes.
func (c *Connection) hooks() mqtt.Hooks {
	return mqtt.Hooks{
		OnConnect: c.markHandshaken,
		OnPacketSent: func(p mqtt.PacketInfo) {
			c.broadcast(TypePacketSend, p)
		},
		OnPacketReceived: func(p mqtt.PacketInfo) {
			c.broadcast(TypePacketReceive, p)
		},
		OnMessage: func(topic string, payload []byte) {
			c.broadcast(TypeMessage, Message{
				Topic:   topic,
				Message: append([]byte(nil), payload...),
			})
		},
		OnError: func(err error) {
			c.broadcast(TypeError, c.errorPayload(err, false))
		},
		OnConnectionLost: c.fatal,
	}
}

func (c *Connection) broadcast(typ string, payload any) {
	c.mu.Lock()
	tx := c.transaction
	c.mu.Unlock()
	c.Broadcast(typ, tx, payload)
}

func (c *Connection) errorPayload(err error, fatal bool) ConnectionError {
	return ConnectionError{
		Addr:             c.Addr(),
		ConnectionString: c.ConnectionString(),
		Error:            err.Error(),
		Fatal:            fatal,
	}
}

// fatal handles a transport error: the connection ends with a broadcast
// mqtt.connection.error.
func (c *Connection) fatal(err error) {
	c.logger.Warn("mqtt connection failed", "addr", c.Addr(), "error", err)
	payload := c.errorPayload(err, true)
	c.finish(func() {
		c.broadcast(TypeError, payload)
	})
}

// finish runs the teardown exactly once: unregister, emit the terminal
// event, close both streams.
func (c *Connection) finish(emit func()) {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.closing = false
		c.handshaken = false
		c.session = nil
		c.mu.Unlock()

		c.router.Unregister(c)
		emit()
		c.Close()
		c.logger.Debug("mqtt connection closed", "addr", c.Addr())
	})
}

// replyDst addresses a response to the sender of env.
func replyDst(env bus.Envelope) string {
	if env.Src == "" {
		return bus.Broadcast
	}
	return env.Src
}

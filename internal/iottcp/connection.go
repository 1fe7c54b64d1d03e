package iottcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
)

// readBufferSize is the size of one socket read.
const readBufferSize = 4096

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

// Connection is one accepted device socket exposed as a bus endpoint.
type Connection struct {
	*bus.Port

	router *bus.Router
	conn   net.Conn
	logger Logger

	writeMu  sync.Mutex
	teardown sync.Once
}

// NewConnection wraps conn and registers it with the router. Reading starts
// with Serve, so the caller can subscribe before the first byte arrives.
func NewConnection(router *bus.Router, conn net.Conn, logger Logger) *Connection {
	if logger == nil {
		logger = noopLogger{}
	}
	c := &Connection{
		Port:   bus.NewPort(bus.NewAddress("iotTcp.connection") + ":" + conn.RemoteAddr().String()),
		router: router,
		conn:   conn,
		logger: logger,
	}
	c.Inbound().Subscribe(bus.ForMe(c, c.handle))
	router.Register(c)
	return c
}

// RemoteAddr returns the peer address of the socket.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the socket. The read loop then ends the connection with a
// Close event.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Done is closed once the connection has ended.
func (c *Connection) Done() <-chan struct{} {
	return c.Outbound().Done()
}

func (c *Connection) handle(env bus.Envelope) {
	if env.Type != TypeData {
		bus.Warn(c, env, fmt.Sprintf("ignore message with msgtype %s", env.Type))
		return
	}

	data, err := dataBytes(env.Payload)
	if err != nil {
		bus.Warn(c, env, fmt.Sprintf("ignore data with payload %T", env.Payload))
		return
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("write: %w", err))
	}
}

// Serve reads the socket until it closes or fails. It blocks.
func (c *Connection) Serve() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.Broadcast(TypeData, "", append([]byte(nil), buf[:n]...))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			c.end(TypeClose, c.Addr())
			return
		}
		c.fail(fmt.Errorf("read: %w", err))
		return
	}
}

func (c *Connection) fail(err error) {
	c.logger.Warn("device connection failed", "addr", c.Addr(), "error", err)
	c.end(TypeError, ConnectionError{Addr: c.Addr(), Error: err.Error()})
}

// end runs the teardown exactly once: unregister, emit the terminal event,
// close both streams and the socket.
func (c *Connection) end(typ string, payload any) {
	c.teardown.Do(func() {
		c.router.Unregister(c)
		c.Broadcast(typ, "", payload)
		c.Port.Close()
		_ = c.conn.Close()
		c.logger.Debug("device connection closed", "addr", c.Addr())
	})
}

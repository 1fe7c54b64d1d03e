package iottcp

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
)

// server is one bound socket and the connections it accepted.
type server struct {
	binding Binding
	ln      net.Listener
	conns   map[string]*Connection
}

// Listener owns bound TCP sockets and the connections accepted on them.
//
// Inbound types: iotTcp.Listener.Listen, iotTcp.Listener.Close and
// iotTcp.Listener.CloseAll.
type Listener struct {
	*bus.Port

	router *bus.Router
	logger Logger

	mu      sync.Mutex
	servers map[string]*server // keyed by bound address
	closed  bool

	wg sync.WaitGroup
}

// NewListener creates a listener with no bound sockets and registers it.
func NewListener(router *bus.Router) *Listener {
	l := &Listener{
		Port:    bus.NewPort(bus.NewAddress("iotTcp.listener")),
		router:  router,
		logger:  noopLogger{},
		servers: make(map[string]*server),
	}
	l.Inbound().Subscribe(bus.ForMe(l, l.handle))
	router.Register(l)
	return l
}

// SetLogger sets the logger for the listener and its connections.
func (l *Listener) SetLogger(logger Logger) {
	l.logger = logger
}

// Listen binds address ("host:port") and starts accepting. It broadcasts
// iotTcp.Listener.Bound and returns the bound address.
func (l *Listener) Listen(address string) (net.Addr, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrListenerClosed
	}
	for _, s := range l.servers {
		if s.binding.Address == address {
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyListening, address)
		}
	}
	l.mu.Unlock()

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}

	s := &server{
		binding: Binding{Address: address, Bound: ln.Addr().String()},
		ln:      ln,
		conns:   make(map[string]*Connection),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		return nil, ErrListenerClosed
	}
	l.servers[s.binding.Bound] = s
	// Added under the lock so Close cannot reach Wait first.
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Info("device listener bound", "address", address, "bound", s.binding.Bound)
	l.Broadcast(TypeBound, "", s.binding)

	go l.acceptLoop(s)

	return ln.Addr(), nil
}

// Unlisten closes the socket bound for address (either the requested or the
// bound form) and every connection accepted on it.
func (l *Listener) Unlisten(address string) error {
	l.mu.Lock()
	s := l.lookup(address)
	if s == nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotListening, address)
	}
	delete(l.servers, s.binding.Bound)
	conns := connsOf(s)
	l.mu.Unlock()

	l.shutdown(s, conns)
	return nil
}

// lookup finds a server by requested or bound address. Caller holds l.mu.
func (l *Listener) lookup(address string) *server {
	if s, ok := l.servers[address]; ok {
		return s
	}
	for _, s := range l.servers {
		if s.binding.Address == address {
			return s
		}
	}
	return nil
}

func connsOf(s *server) []*Connection {
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (l *Listener) shutdown(s *server, conns []*Connection) {
	_ = s.ln.Close()
	l.logger.Info("device listener closed", "address", s.binding.Address)
	l.Broadcast(TypeClosed, "", s.binding)
	for _, c := range conns {
		_ = c.Close()
	}
}

// Bindings returns the bound sockets sorted by bound address.
func (l *Listener) Bindings() []Binding {
	l.mu.Lock()
	out := make([]Binding, 0, len(l.servers))
	for _, s := range l.servers {
		out = append(out, s.binding)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Bound < out[j].Bound })
	return out
}

// Connections returns the addresses of the live connections, sorted.
func (l *Listener) Connections() []string {
	l.mu.Lock()
	var out []string
	for _, s := range l.servers {
		for addr := range s.conns {
			out = append(out, addr)
		}
	}
	l.mu.Unlock()

	sort.Strings(out)
	return out
}

// Close unbinds every socket, closes every connection, unregisters the
// listener and waits for its goroutines.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	servers := l.servers
	l.servers = make(map[string]*server)
	conns := make([][]*Connection, 0, len(servers))
	for _, s := range servers {
		conns = append(conns, connsOf(s))
	}
	l.mu.Unlock()

	i := 0
	for _, s := range servers {
		l.shutdown(s, conns[i])
		i++
	}

	l.wg.Wait()
	l.router.Unregister(l)
	l.Port.Close()
	return nil
}

func (l *Listener) handle(env bus.Envelope) {
	switch env.Type {
	case TypeListen:
		b, ok := bus.PayloadAs[Binding](env)
		if !ok || b.Address == "" {
			bus.Fail(l, env, "listen without address")
			return
		}
		if _, err := l.Listen(b.Address); err != nil {
			bus.Fail(l, env, err.Error())
		}
	case TypeListenerClose:
		b, _ := bus.PayloadAs[Binding](env)
		key := b.Bound
		if key == "" {
			key = b.Address
		}
		if err := l.Unlisten(key); err != nil {
			bus.Warn(l, env, err.Error())
		}
	case TypeCloseAll:
		for _, b := range l.Bindings() {
			_ = l.Unlisten(b.Bound)
		}
	default:
		bus.Warn(l, env, fmt.Sprintf("ignore message with msgtype %s", env.Type))
	}
}

func (l *Listener) acceptLoop(s *server) {
	defer l.wg.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error("device listener accept failed", "address", s.binding.Address, "error", err)
			}
			return
		}
		l.accept(s, nc)
	}
}

func (l *Listener) accept(s *server, nc net.Conn) {
	c := NewConnection(l.router, nc, l.logger)
	addr := c.Addr()

	l.mu.Lock()
	if _, live := l.servers[s.binding.Bound]; !live {
		l.mu.Unlock()
		_ = nc.Close()
		l.router.Unregister(c)
		c.Port.Close()
		return
	}
	s.conns[addr] = c
	l.wg.Add(1)
	l.mu.Unlock()

	c.Outbound().Subscribe(func(env bus.Envelope) {
		if env.Src != addr {
			return
		}
		if env.Type == TypeClose || env.Type == TypeError {
			l.release(s, addr)
		}
	})

	l.logger.Debug("device connected", "addr", addr)
	l.Broadcast(TypeConnected, "", addr)

	go func() {
		defer l.wg.Done()
		c.Serve()
	}()
}

// release drops a finished connection and broadcasts Disconnected.
func (l *Listener) release(s *server, addr string) {
	l.mu.Lock()
	delete(s.conns, addr)
	l.mu.Unlock()

	l.logger.Debug("device disconnected", "addr", addr)
	l.Broadcast(TypeDisconnected, "", addr)
}

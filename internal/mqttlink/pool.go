package mqttlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
)

// member is one pool slot.
type member struct {
	conn             *Connection
	connectionString string
	transaction      string // transaction of the add that created the slot
	sub              bus.Subscription

	mu        sync.Mutex
	requester string // receives member replies addressed to the pool
}

func (m *member) replyTo() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requester
}

func (m *member) setRequester(addr string) {
	m.mu.Lock()
	m.requester = addr
	m.mu.Unlock()
}

// MemberInfo is a snapshot of one pool member.
type MemberInfo struct {
	Addr             string `json:"addr"`
	ConnectionString string `json:"connectionString"`
	State            string `json:"state"`
	Ready            bool   `json:"ready"`
	Transaction      string `json:"transaction"`
}

// Pool owns a dynamic set of MQTT connections keyed by router address.
//
// Inbound types: mqtt.endpoints.add, mqtt.endpoints.delete and
// mqtt.endpoints.publish. Member events are republished on the pool's
// outbound stream; replies a member addresses to the pool are re-addressed
// to whoever asked for the add (or the delete, once one is in flight).
type Pool struct {
	*bus.Port

	router *bus.Router
	dialer Dialer
	topics []string
	logger Logger

	mu      sync.Mutex
	members []*member
	next    int // round-robin cursor
	closed  bool
}

// NewPool creates a pool and registers it. topics are subscribed by every
// member connection.
func NewPool(router *bus.Router, dialer Dialer, topics []string) *Pool {
	p := &Pool{
		Port:   bus.NewPort(bus.NewAddress("mqtt.endpoints")),
		router: router,
		dialer: dialer,
		topics: append([]string(nil), topics...),
		logger: noopLogger{},
	}
	p.Inbound().Subscribe(bus.ForMe(p, p.handle))
	router.Register(p)
	return p
}

// SetLogger sets the logger for the pool and the connections it creates.
func (p *Pool) SetLogger(logger Logger) {
	p.logger = logger
}

// Members returns a snapshot of the pool in insertion order.
func (p *Pool) Members() []MemberInfo {
	p.mu.Lock()
	members := append([]*member(nil), p.members...)
	p.mu.Unlock()

	out := make([]MemberInfo, 0, len(members))
	for _, m := range members {
		out = append(out, MemberInfo{
			Addr:             m.conn.Addr(),
			ConnectionString: m.connectionString,
			State:            m.conn.State().String(),
			Ready:            m.conn.ready(),
			Transaction:      m.transaction,
		})
	}
	return out
}

func (p *Pool) handle(env bus.Envelope) {
	switch env.Type {
	case TypeAdd:
		p.add(env)
	case TypeDelete:
		p.delete(env)
	case TypePublish:
		p.publish(env)
	default:
		bus.Warn(p, env, fmt.Sprintf("ignore message with msgtype %s", env.Type))
	}
}

func (p *Pool) add(env bus.Envelope) {
	props, ok := bus.PayloadAs[ConnectProps](env)
	if !ok || props.ConnectionString == "" {
		p.emitError(env, EndpointsError{Msg: "add without connection string"})
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.emitError(env, EndpointsError{ConnectionString: props.ConnectionString, Msg: "pool is closed"})
		return
	}

	tx := bus.TransactionOf(env)
	conn := NewConnection(p.router, p.dialer)
	conn.SetLogger(p.logger)

	m := &member{
		conn:             conn,
		connectionString: props.ConnectionString,
		transaction:      tx,
		requester:        env.Src,
	}
	m.sub = p.router.Subscribe(conn.Addr(), p.relay(m))

	p.mu.Lock()
	p.members = append(p.members, m)
	p.mu.Unlock()

	p.logger.Info("mqtt endpoint added", "addr", conn.Addr(), "broker", props.ConnectionString)

	p.Emit(bus.Envelope{
		Dst:         replyDst(env),
		Transaction: tx,
		Type:        TypeAdded,
		Payload: EndpointAddr{
			Addr:             conn.Addr(),
			ConnectionString: props.ConnectionString,
		},
	})

	topics := props.Topics
	if len(topics) == 0 {
		topics = p.topics
	}
	conn.Inbound().Next(bus.Envelope{
		Src:         p.Addr(),
		Dst:         conn.Addr(),
		Transaction: tx,
		Type:        TypeConnect,
		Payload: ConnectProps{
			ConnectionString: props.ConnectionString,
			Topics:           topics,
		},
	})
}

func (p *Pool) delete(env bus.Envelope) {
	req, _ := bus.PayloadAs[EndpointAddr](env)

	p.mu.Lock()
	idx := p.find(req)
	if idx < 0 {
		p.mu.Unlock()
		key := req.Addr
		if key == "" {
			key = req.ConnectionString
		}
		p.emitError(env, EndpointsError{
			Addr:             req.Addr,
			ConnectionString: req.ConnectionString,
			Msg:              fmt.Sprintf("not found:%s", key),
		})
		return
	}
	m := p.members[idx]
	p.members = append(p.members[:idx:idx], p.members[idx+1:]...)
	p.mu.Unlock()

	tx := env.Transaction
	if tx == "" {
		tx = m.transaction
	}
	m.setRequester(env.Src)

	p.logger.Info("mqtt endpoint deleted", "addr", m.conn.Addr(), "broker", m.connectionString)

	p.Emit(bus.Envelope{
		Dst:         replyDst(env),
		Transaction: tx,
		Type:        TypeDeleted,
		Payload: EndpointAddr{
			Addr:             m.conn.Addr(),
			ConnectionString: m.connectionString,
		},
	})

	m.conn.Inbound().Next(bus.Envelope{
		Src:         p.Addr(),
		Dst:         m.conn.Addr(),
		Transaction: tx,
		Type:        TypeDisconnect,
		Payload:     EndpointAddr{Addr: m.conn.Addr()},
	})
}

// find returns the index of the member matching req: by address, or by
// connection string when no address is given. Caller holds p.mu.
func (p *Pool) find(req EndpointAddr) int {
	for i, m := range p.members {
		if req.Addr != "" {
			if m.conn.Addr() == req.Addr {
				return i
			}
			continue
		}
		if req.ConnectionString != "" && m.connectionString == req.ConnectionString {
			return i
		}
	}
	return -1
}

// publish forwards a send to one member. An explicit Addr must name a
// member; otherwise the next connected member in round-robin order is used,
// preferring members whose broker handshake has completed.
// The send keeps the requester as source so member errors reach it directly.
func (p *Pool) publish(env bus.Envelope) {
	req, ok := bus.PayloadAs[PublishRequest](env)
	if !ok || req.Topic == "" {
		p.emitError(env, EndpointsError{Addr: req.Addr, Msg: "publish without topic"})
		return
	}

	m, errMsg := p.pick(req.Addr)
	if m == nil {
		p.emitError(env, EndpointsError{Addr: req.Addr, Msg: errMsg})
		return
	}

	p.router.Send(bus.Envelope{
		Src:         env.Src,
		Dst:         m.conn.Addr(),
		Transaction: bus.TransactionOf(env),
		Type:        TypeSend,
		Payload:     Message{Topic: req.Topic, Message: req.Message},
	})
}

func (p *Pool) pick(addr string) (*member, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr != "" {
		for _, m := range p.members {
			if m.conn.Addr() == addr {
				return m, ""
			}
		}
		return nil, fmt.Sprintf("not found:%s", addr)
	}

	// Members the broker has acknowledged first; members still in their
	// handshake queue the send and are used only when nothing else is up.
	for _, ok := range []func(*Connection) bool{(*Connection).ready, (*Connection).usable} {
		if m := p.nextMember(ok); m != nil {
			return m, ""
		}
	}
	return nil, "no connected endpoint"
}

// nextMember advances the round-robin cursor to the next member accepted by
// ok. Caller holds p.mu.
func (p *Pool) nextMember(ok func(*Connection) bool) *member {
	n := len(p.members)
	for i := 0; i < n; i++ {
		m := p.members[(p.next+i)%n]
		if ok(m.conn) {
			p.next = (p.next + i + 1) % n
			return m
		}
	}
	return nil
}

// relay republishes member events. Replies addressed to the pool go to the
// member's requester. Terminal events drop the member.
func (p *Pool) relay(m *member) bus.Handler {
	return func(env bus.Envelope) {
		if env.Dst == p.Addr() {
			env.Dst = m.replyTo()
			if env.Dst == "" {
				env.Dst = bus.Broadcast
			}
		}

		if isTerminal(env) {
			p.drop(m)
		}
		p.Outbound().Next(env)
	}
}

func isTerminal(env bus.Envelope) bool {
	switch env.Type {
	case TypeDisconnected:
		return true
	case TypeError:
		ce, ok := bus.PayloadAs[ConnectionError](env)
		return ok && ce.Fatal
	}
	return false
}

func (p *Pool) drop(m *member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.members {
		if x == m {
			p.members = append(p.members[:i:i], p.members[i+1:]...)
			break
		}
	}
	m.sub.Unsubscribe()
}

func (p *Pool) emitError(cause bus.Envelope, e EndpointsError) {
	p.Emit(bus.Envelope{
		Dst:         replyDst(cause),
		Transaction: bus.TransactionOf(cause),
		Type:        TypeEndpointsError,
		Payload:     e,
	})
}

// Close disconnects every member, unregisters the pool and waits until the
// members are gone or ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	members := p.members
	p.members = nil
	p.mu.Unlock()

	for _, m := range members {
		m.conn.Inbound().Next(bus.Envelope{
			Src:         p.Addr(),
			Dst:         m.conn.Addr(),
			Transaction: m.transaction,
			Type:        TypeDisconnect,
		})
	}

	var err error
	for _, m := range members {
		select {
		case <-m.conn.Outbound().Done():
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("closing mqtt pool: %w", ctx.Err())
			}
		}
	}

	p.router.Unregister(p)
	p.Port.Close()
	return err
}

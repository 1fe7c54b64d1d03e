package bus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Logger defines the logging interface used by the Router.
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

// Router owns the address directory and forwards point-to-point traffic.
//
// The router is itself an Endpoint registered under its own address:
// Register and Unregister post ordinary router.register/router.unregister
// envelopes into its inbound stream, so control traffic takes the same path
// as data traffic and is observable the same way.
//
// All directory failures are emitted on the router's outbound stream.
// No method returns an error.
type Router struct {
	*Port

	mu      sync.Mutex
	entries map[string]Endpoint

	control  Subscription
	disposed atomic.Bool
	logger   Logger
}

// NewRouter creates a router and registers it under its own address.
func NewRouter() *Router {
	r := &Router{
		Port:    NewPort(NewAddress("router.map")),
		entries: make(map[string]Endpoint),
		logger:  noopLogger{},
	}
	r.control = r.Inbound().Subscribe(ForMe(r, r.handleControl))
	r.Register(r)
	return r
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// Register adds ep to the directory. A second registration of the same
// address emits router.error to ep's address and leaves the directory
// unchanged. When Register returns the outcome has already been emitted.
func (r *Router) Register(ep Endpoint) {
	r.post(TypeRegister, ep)
}

// Unregister removes ep from the directory. Unregistering an unknown
// address emits router.error.
func (r *Router) Unregister(ep Endpoint) {
	r.post(TypeUnregister, ep)
}

func (r *Router) post(typ string, ep Endpoint) {
	if r.disposed.Load() {
		return
	}
	r.Inbound().Next(Envelope{
		Src:         ep.Addr(),
		Dst:         r.Addr(),
		Transaction: NewTransaction(),
		Type:        typ,
		Payload:     ep,
	})
}

// Send delivers env into the inbound stream of env.Dst, synchronously.
// An unknown destination emits log.error back to env.Src. Broadcast
// envelopes are not routable and are answered with log.warn.
func (r *Router) Send(env Envelope) {
	if r.disposed.Load() {
		return
	}
	if env.Transaction == "" {
		env.Transaction = NewTransaction()
	}
	if env.IsBroadcast() {
		Warn(r, env, fmt.Sprintf("broadcast is not routable:%s:%s", env.Src, env.Type))
		return
	}

	ep, ok := r.Lookup(env.Dst)
	if !ok {
		Fail(r, env, fmt.Sprintf("endpoint was not found %s", env.Dst))
		return
	}
	ep.Inbound().Next(env)
}

// Subscribe attaches fn to the outbound stream of the endpoint at addr.
// An unknown address emits log.error addressed to addr and returns a no-op
// subscription.
func (r *Router) Subscribe(addr string, fn Handler) Subscription {
	if r.disposed.Load() {
		return Subscription{}
	}

	ep, ok := r.Lookup(addr)
	if !ok {
		r.Emit(Envelope{
			Dst:     addr,
			Type:    TypeLogError,
			Payload: fmt.Sprintf("endpoint was not found %s", addr),
		})
		return Subscription{}
	}
	return ep.Outbound().Subscribe(fn)
}

// Lookup returns the endpoint registered at addr.
func (r *Router) Lookup(addr string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.entries[addr]
	return ep, ok
}

// Addresses returns the registered addresses in sorted order.
func (r *Router) Addresses() []string {
	r.mu.Lock()
	addrs := make([]string, 0, len(r.entries))
	for addr := range r.entries {
		addrs = append(addrs, addr)
	}
	r.mu.Unlock()

	sort.Strings(addrs)
	return addrs
}

// Endpoints returns a snapshot of the registered endpoints.
func (r *Router) Endpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := make([]Endpoint, 0, len(r.entries))
	for _, ep := range r.entries {
		eps = append(eps, ep)
	}
	return eps
}

// Len returns the number of registered endpoints, the router included.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Disposed reports whether Dispose has been called.
func (r *Router) Disposed() bool {
	return r.disposed.Load()
}

// Dispose stops the router. Every later Register, Unregister, Send and
// Subscribe is a silent no-op. The state is terminal.
func (r *Router) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	r.control.Unsubscribe()
	r.Close()

	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[string]Endpoint)
	r.mu.Unlock()

	r.logger.Debug("router disposed", "addr", r.Addr(), "entries", n)
}

func (r *Router) handleControl(env Envelope) {
	switch env.Type {
	case TypeRegister, TypeUnregister:
	default:
		Warn(r, env, fmt.Sprintf("ignore message with msgtype %s", env.Type))
		return
	}

	ep, ok := PayloadAs[Endpoint](env)
	if !ok || ep == nil {
		Fail(r, env, fmt.Sprintf("%s without endpoint payload", env.Type))
		return
	}

	if env.Type == TypeRegister {
		r.register(env, ep)
		return
	}
	r.unregister(env, ep)
}

func (r *Router) register(env Envelope, ep Endpoint) {
	addr := ep.Addr()

	r.mu.Lock()
	_, dup := r.entries[addr]
	if !dup {
		r.entries[addr] = ep
	}
	r.mu.Unlock()

	if dup {
		r.emitError(env, RouterError{Addr: addr, Msg: fmt.Sprintf("can not double register:%s", addr)})
		return
	}

	r.logger.Debug("endpoint registered", "addr", addr)
	r.Broadcast(TypeRegistered, env.Transaction, ep)
}

func (r *Router) unregister(env Envelope, ep Endpoint) {
	addr := ep.Addr()

	r.mu.Lock()
	removed, ok := r.entries[addr]
	if ok {
		delete(r.entries, addr)
	}
	r.mu.Unlock()

	if !ok {
		r.emitError(env, RouterError{Addr: addr, Msg: fmt.Sprintf("unregister was not found:%s", addr)})
		return
	}

	r.logger.Debug("endpoint unregistered", "addr", addr)
	r.Broadcast(TypeUnregistered, env.Transaction, removed)
}

func (r *Router) emitError(cause Envelope, rerr RouterError) {
	r.logger.Warn("router error", "addr", rerr.Addr, "error", rerr.Msg)
	r.Outbound().Next(cause.Reply(r.Addr(), TypeRouterError, rerr))
}

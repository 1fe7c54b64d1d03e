package bus

import "sync"

// Tap observes every envelope emitted on the bus: the router's own outbound
// stream plus the outbound stream of every endpoint registered now or later.
// An endpoint stays observed until its outbound stream completes, so its
// terminal event is seen even though it unregisters first. Envelopes an
// aggregate republishes for its members keep the member's Src and are
// skipped there; the tap already saw them on the member's own stream.
//
// fn runs in the emitter's goroutine and must not block. The returned
// function detaches the tap.
func Tap(r *Router, fn Handler) (stop func()) {
	t := &tap{
		router:  r,
		fn:      fn,
		subs:    make(map[string]Subscription),
		stopped: make(chan struct{}),
	}

	t.routerSub = r.Outbound().Subscribe(t.onRouter)
	for _, ep := range r.Endpoints() {
		t.attach(ep)
	}

	var once sync.Once
	return func() {
		once.Do(t.stop)
	}
}

type tap struct {
	router    *Router
	fn        Handler
	routerSub Subscription

	mu      sync.Mutex
	subs    map[string]Subscription
	stopped chan struct{}
}

func (t *tap) onRouter(env Envelope) {
	if env.Type == TypeRegistered {
		if ep, ok := PayloadAs[Endpoint](env); ok && ep != nil {
			t.attach(ep)
		}
	}
	t.fn(env)
}

func (t *tap) attach(ep Endpoint) {
	addr := ep.Addr()
	if addr == t.router.Addr() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.stopped:
		return
	default:
	}
	if _, ok := t.subs[addr]; ok {
		return
	}
	out := ep.Outbound()
	t.subs[addr] = out.Subscribe(func(env Envelope) {
		if env.Src != addr {
			return
		}
		t.fn(env)
	})

	go func() {
		select {
		case <-out.Done():
		case <-t.stopped:
			return
		}
		t.mu.Lock()
		delete(t.subs, addr)
		t.mu.Unlock()
	}()
}

func (t *tap) stop() {
	t.routerSub.Unsubscribe()

	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.stopped)
	for addr, sub := range t.subs {
		sub.Unsubscribe()
		delete(t.subs, addr)
	}
}

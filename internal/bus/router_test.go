package bus

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder collects envelopes emitted on a stream.
type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) handle(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) all() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

func (r *recorder) ofType(typ string) []Envelope {
	var out []Envelope
	for _, env := range r.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *recorder) {
	t.Helper()
	r := NewRouter()
	t.Cleanup(r.Dispose)
	rec := &recorder{}
	r.Outbound().Subscribe(rec.handle)
	return r, rec
}

func TestRouterRegistersItself(t *testing.T) {
	r, _ := newTestRouter(t)

	if !strings.HasPrefix(r.Addr(), "router.map.") {
		t.Errorf("Addr() = %q, want router.map.* prefix", r.Addr())
	}
	ep, ok := r.Lookup(r.Addr())
	if !ok || ep != Endpoint(r) {
		t.Fatal("router not registered under its own address")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRouterRegisterBroadcastsRegistered(t *testing.T) {
	r, rec := newTestRouter(t)
	ep := NewPort("test")

	r.Register(ep)

	got := rec.ofType(TypeRegistered)
	if len(got) != 1 {
		t.Fatalf("registered events = %d, want 1", len(got))
	}
	if got[0].Dst != Broadcast {
		t.Errorf("Dst = %q, want %q", got[0].Dst, Broadcast)
	}
	if got[0].Src != r.Addr() {
		t.Errorf("Src = %q, want router address", got[0].Src)
	}
	if p, ok := PayloadAs[Endpoint](got[0]); !ok || p.Addr() != "test" {
		t.Errorf("payload = %v, want endpoint test", got[0].Payload)
	}
}

func TestRouterDoubleRegister(t *testing.T) {
	r, rec := newTestRouter(t)
	e := NewPort("dup")
	e2 := NewPort("dup")

	r.Register(e)
	r.Register(e2)

	if n := len(rec.ofType(TypeRegistered)); n != 1 {
		t.Errorf("registered events = %d, want 1", n)
	}
	errs := rec.ofType(TypeRouterError)
	if len(errs) != 1 {
		t.Fatalf("router.error events = %d, want 1", len(errs))
	}
	if errs[0].Dst != "dup" {
		t.Errorf("error Dst = %q, want caller address dup", errs[0].Dst)
	}
	rerr, ok := PayloadAs[RouterError](errs[0])
	if !ok || rerr.Addr != "dup" {
		t.Errorf("payload = %#v, want RouterError for dup", errs[0].Payload)
	}

	got, _ := r.Lookup("dup")
	if got != Endpoint(e) {
		t.Error("directory no longer maps dup to the first endpoint")
	}
}

func TestRouterDoubleUnregister(t *testing.T) {
	r, rec := newTestRouter(t)
	e := NewPort("gone")

	r.Register(e)
	r.Unregister(e)
	r.Unregister(e)

	if n := len(rec.ofType(TypeUnregistered)); n != 1 {
		t.Errorf("unregistered events = %d, want 1", n)
	}
	errs := rec.ofType(TypeRouterError)
	if len(errs) != 1 {
		t.Fatalf("router.error events = %d, want 1", len(errs))
	}
	rerr, _ := PayloadAs[RouterError](errs[0])
	if rerr.Msg != "unregister was not found:gone" {
		t.Errorf("Msg = %q", rerr.Msg)
	}
	if _, ok := r.Lookup("gone"); ok {
		t.Error("gone still registered")
	}
}

func TestRouterSendToUnknown(t *testing.T) {
	r, rec := newTestRouter(t)
	before := r.Addresses()

	r.Send(Envelope{Src: "caller", Dst: "nowhere", Transaction: "tr-1", Type: "x"})

	all := rec.all()
	if len(all) != 1 {
		t.Fatalf("emitted %d envelopes, want exactly 1", len(all))
	}
	got := all[0]
	if got.Type != TypeLogError {
		t.Errorf("Type = %q, want %q", got.Type, TypeLogError)
	}
	if got.Dst != "caller" || got.Transaction != "tr-1" {
		t.Errorf("error not addressed back to caller: %+v", got)
	}
	if got.Payload != "endpoint was not found nowhere" {
		t.Errorf("Payload = %v", got.Payload)
	}
	if after := r.Addresses(); len(after) != len(before) {
		t.Errorf("directory changed: %v -> %v", before, after)
	}
}

func TestRouterSendDeliversSynchronously(t *testing.T) {
	r, _ := newTestRouter(t)
	ep := NewPort("target")
	r.Register(ep)

	var got []Envelope
	ep.Inbound().Subscribe(func(env Envelope) { got = append(got, env) })

	r.Send(Envelope{Src: "caller", Dst: "target", Type: "m1"})
	r.Send(Envelope{Src: "caller", Dst: "target", Type: "m2", Transaction: "keep"})

	if len(got) != 2 {
		t.Fatalf("delivered %d envelopes, want 2", len(got))
	}
	if got[0].Type != "m1" || got[1].Type != "m2" {
		t.Errorf("order = %s,%s", got[0].Type, got[1].Type)
	}
	if got[0].Transaction == "" {
		t.Error("missing transaction was not minted")
	}
	if got[1].Transaction != "keep" {
		t.Errorf("Transaction = %q, want keep", got[1].Transaction)
	}
}

func TestRouterSendBroadcastIsNotRouted(t *testing.T) {
	r, rec := newTestRouter(t)

	r.Send(Envelope{Src: "caller", Dst: Broadcast, Type: "x"})

	if n := len(rec.ofType(TypeLogWarn)); n != 1 {
		t.Errorf("log.warn events = %d, want 1", n)
	}
}

func TestRouterReentrantSend(t *testing.T) {
	r, _ := newTestRouter(t)
	a := NewPort("a")
	b := NewPort("b")
	r.Register(a)
	r.Register(b)

	done := make(chan struct{})
	a.Inbound().Subscribe(func(env Envelope) {
		r.Send(Envelope{Src: "a", Dst: "b", Transaction: env.Transaction, Type: "pong"})
	})
	b.Inbound().Subscribe(func(env Envelope) {
		if env.Type == "pong" {
			close(done)
		}
	})

	r.Send(Envelope{Src: "test", Dst: "a", Type: "ping"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant send did not complete")
	}
}

func TestRouterRegisterThroughSend(t *testing.T) {
	r, rec := newTestRouter(t)
	ep := NewPort("via-send")

	r.Send(Envelope{Src: "via-send", Dst: r.Addr(), Type: TypeRegister, Payload: ep})

	if _, ok := r.Lookup("via-send"); !ok {
		t.Fatal("register envelope sent through Send was not applied")
	}
	if n := len(rec.ofType(TypeRegistered)); n != 1 {
		t.Errorf("registered events = %d, want 1", n)
	}
}

func TestRouterSubscribeAndUnsubscribe(t *testing.T) {
	r, _ := newTestRouter(t)
	ep := NewPort("test")
	r.Register(ep)

	var first, second []string
	r.Subscribe("test", func(env Envelope) { first = append(first, env.Type) })
	var sub Subscription
	sub = r.Subscribe("test", func(env Envelope) {
		second = append(second, env.Type)
		sub.Unsubscribe()
	})

	ep.Emit(Envelope{Dst: Broadcast, Type: "m1"})
	ep.Emit(Envelope{Dst: Broadcast, Type: "m2"})

	if len(first) != 2 || first[0] != "m1" || first[1] != "m2" {
		t.Errorf("first subscriber got %v, want [m1 m2]", first)
	}
	if len(second) != 1 || second[0] != "m1" {
		t.Errorf("second subscriber got %v, want [m1]", second)
	}
}

func TestRouterSubscribeUnknown(t *testing.T) {
	r, rec := newTestRouter(t)

	sub := r.Subscribe("missing", func(Envelope) {
		t.Error("handler must never be called")
	})
	sub.Unsubscribe()

	if sub.Active() {
		t.Error("subscription to unknown address is active")
	}
	errs := rec.ofType(TypeLogError)
	if len(errs) != 1 {
		t.Fatalf("log.error events = %d, want 1", len(errs))
	}
	if errs[0].Dst != "missing" || errs[0].Payload != "endpoint was not found missing" {
		t.Errorf("unexpected error envelope %+v", errs[0])
	}
}

func TestRouterUnknownControlType(t *testing.T) {
	r, rec := newTestRouter(t)

	r.Send(Envelope{Src: "caller", Dst: r.Addr(), Type: "router.bogus"})

	if n := len(rec.ofType(TypeLogWarn)); n != 1 {
		t.Errorf("log.warn events = %d, want 1", n)
	}
}

func TestRouterDispose(t *testing.T) {
	r := NewRouter()
	ep := NewPort("test")
	r.Register(ep)

	calls := make(chan Envelope, 16)
	r.Outbound().Subscribe(func(env Envelope) { calls <- env })
	ep.Inbound().Subscribe(func(env Envelope) { calls <- env })

	r.Dispose()
	r.Dispose()

	r.Register(NewPort("late"))
	r.Unregister(ep)
	r.Send(Envelope{Src: "x", Dst: "test", Type: "m"})
	r.Send(Envelope{Src: "x", Dst: "nowhere", Type: "m"})
	sub := r.Subscribe("test", func(env Envelope) { calls <- env })
	ep.Emit(Envelope{Dst: Broadcast, Type: "after"})

	select {
	case env := <-calls:
		t.Fatalf("emission after Dispose: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	if sub.Active() {
		t.Error("Subscribe after Dispose returned an active subscription")
	}
	if !r.Disposed() {
		t.Error("Disposed() = false")
	}
}

func TestRouterConcurrentRegistration(t *testing.T) {
	r, rec := newTestRouter(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep := NewPort(NewAddress("worker"))
			r.Register(ep)
			r.Send(Envelope{Src: ep.Addr(), Dst: ep.Addr(), Type: "self"})
			r.Unregister(ep)
		}()
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want only the router", r.Len())
	}
	if n := len(rec.ofType(TypeRouterError)); n != 0 {
		t.Errorf("router.error events = %d, want 0", n)
	}
}

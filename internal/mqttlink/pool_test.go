package mqttlink

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
)

func newTestPool(t *testing.T) (*bus.Router, *fakeDialer, *Pool, *recorder) {
	t.Helper()
	r := newTestRouter(t)
	d := &fakeDialer{}
	p := NewPool(r, d, []string{"fanout/device/+/down"})
	rec := &recorder{}
	p.Outbound().Subscribe(rec.handle)
	return r, d, p, rec
}

func addEnv(p *Pool, src, tx, broker string) bus.Envelope {
	return bus.Envelope{
		Src:         src,
		Dst:         p.Addr(),
		Transaction: tx,
		Type:        TypeAdd,
		Payload:     ConnectProps{ConnectionString: broker},
	}
}

func addedAddr(t *testing.T, env bus.Envelope) string {
	t.Helper()
	ea, ok := bus.PayloadAs[EndpointAddr](env)
	if !ok {
		t.Fatalf("added payload = %T", env.Payload)
	}
	return ea.Addr
}

// ============================================================================
// Add
// ============================================================================

func TestPoolAddCorrelatesRequester(t *testing.T) {
	r, d, p, rec := newTestPool(t)

	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))

	added := rec.ofType(TypeAdded)
	if len(added) != 1 {
		t.Fatalf("added events = %d, want 1", len(added))
	}
	if added[0].Dst != "me-0" || added[0].Transaction != "tr-0" {
		t.Errorf("added dst/tx = %q/%q, want me-0/tr-0", added[0].Dst, added[0].Transaction)
	}
	addr := addedAddr(t, added[0])
	if _, ok := r.Lookup(addr); !ok {
		t.Errorf("member %q not registered", addr)
	}

	connected := rec.ofType(TypeConnected)
	if len(connected) != 1 {
		t.Fatalf("connected events = %d, want 1", len(connected))
	}
	if connected[0].Src != addr || connected[0].Dst != "me-0" || connected[0].Transaction != "tr-0" {
		t.Errorf("connected = %s", connected[0])
	}

	s := d.session(t, 0)
	if s.broker != "mqtt://0" {
		t.Errorf("dialled %q", s.broker)
	}
	if len(s.topics) != 1 || s.topics[0] != "fanout/device/+/down" {
		t.Errorf("topics = %v", s.topics)
	}
}

func TestPoolAddedBeforeConnected(t *testing.T) {
	r, _, p, rec := newTestPool(t)

	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))

	all := rec.all()
	if len(all) < 2 || all[0].Type != TypeAdded || all[1].Type != TypeConnected {
		t.Errorf("order = %v", all)
	}
}

func TestPoolSequentialAdds(t *testing.T) {
	r, _, p, rec := newTestPool(t)

	for i := 0; i < 4; i++ {
		r.Send(addEnv(p, fmt.Sprintf("me-%d", i), fmt.Sprintf("tr-%d", i), fmt.Sprintf("mqtt://%d", i)))
	}

	added := rec.ofType(TypeAdded)
	if len(added) != 4 {
		t.Fatalf("added events = %d, want 4", len(added))
	}
	seen := make(map[string]bool)
	for i, env := range added {
		if env.Dst != fmt.Sprintf("me-%d", i) || env.Transaction != fmt.Sprintf("tr-%d", i) {
			t.Errorf("added[%d] dst/tx = %q/%q", i, env.Dst, env.Transaction)
		}
		ea, _ := bus.PayloadAs[EndpointAddr](env)
		if ea.ConnectionString != fmt.Sprintf("mqtt://%d", i) {
			t.Errorf("added[%d] broker = %q", i, ea.ConnectionString)
		}
		if seen[ea.Addr] {
			t.Errorf("address %q reused", ea.Addr)
		}
		seen[ea.Addr] = true
	}
	if n := len(p.Members()); n != 4 {
		t.Errorf("Members() = %d, want 4", n)
	}
}

func TestPoolAddWithoutBroker(t *testing.T) {
	r, d, p, rec := newTestPool(t)

	r.Send(bus.Envelope{Src: "me-0", Dst: p.Addr(), Type: TypeAdd, Payload: ConnectProps{}})

	if n := len(rec.ofType(TypeEndpointsError)); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
	if d.count() != 0 {
		t.Error("dialled without a broker")
	}
}

func TestPoolAddDialFailureDropsMember(t *testing.T) {
	r, d, p, rec := newTestPool(t)
	d.fail = map[string]error{"mqtt://down": errRefused}

	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://down"))

	if n := len(rec.ofType(TypeAdded)); n != 1 {
		t.Errorf("added events = %d, want 1", n)
	}
	errs := rec.ofType(TypeError)
	if len(errs) != 1 {
		t.Fatalf("relayed errors = %d, want 1", len(errs))
	}
	if len(p.Members()) != 0 {
		t.Error("failed member kept in pool")
	}
}

// ============================================================================
// Delete
// ============================================================================

func TestPoolDeleteByAddr(t *testing.T) {
	r, d, p, rec := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))
	addr := addedAddr(t, rec.ofType(TypeAdded)[0])

	r.Send(bus.Envelope{
		Src:         "me-1",
		Dst:         p.Addr(),
		Transaction: "tr-1",
		Type:        TypeDelete,
		Payload:     EndpointAddr{Addr: addr},
	})

	deleted := rec.ofType(TypeDeleted)
	if len(deleted) != 1 {
		t.Fatalf("deleted events = %d, want 1", len(deleted))
	}
	if deleted[0].Dst != "me-1" || deleted[0].Transaction != "tr-1" {
		t.Errorf("deleted dst/tx = %q/%q", deleted[0].Dst, deleted[0].Transaction)
	}
	disc := rec.ofType(TypeDisconnected)
	if len(disc) != 1 {
		t.Fatalf("disconnected events = %d, want 1", len(disc))
	}
	if disc[0].Dst != "me-1" {
		t.Errorf("disconnected Dst = %q, want me-1", disc[0].Dst)
	}
	if d.session(t, 0).closeCount() != 1 {
		t.Error("session not closed")
	}
	if _, ok := r.Lookup(addr); ok {
		t.Error("member still registered")
	}
	if len(p.Members()) != 0 {
		t.Error("member still in pool")
	}

	r.Send(bus.Envelope{Src: "me-1", Dst: p.Addr(), Type: TypeDelete, Payload: EndpointAddr{Addr: addr}})

	errs := rec.ofType(TypeEndpointsError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	ee, _ := bus.PayloadAs[EndpointsError](errs[0])
	if !strings.Contains(ee.Msg, addr) {
		t.Errorf("error = %q", ee.Msg)
	}
}

func TestPoolDeleteByConnectionStringUsesAddTransaction(t *testing.T) {
	r, _, p, rec := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))
	r.Send(addEnv(p, "me-0", "tr-1", "mqtt://1"))

	p.Inbound().Next(bus.Envelope{
		Src:     "me-0",
		Dst:     p.Addr(),
		Type:    TypeDelete,
		Payload: EndpointAddr{ConnectionString: "mqtt://1"},
	})

	deleted := rec.ofType(TypeDeleted)
	if len(deleted) != 1 {
		t.Fatalf("deleted events = %d, want 1", len(deleted))
	}
	if deleted[0].Transaction != "tr-1" {
		t.Errorf("Transaction = %q, want tr-1", deleted[0].Transaction)
	}
	members := p.Members()
	if len(members) != 1 || members[0].ConnectionString != "mqtt://0" {
		t.Errorf("Members() = %+v", members)
	}
}

// ============================================================================
// Publish
// ============================================================================

func TestPoolPublishRoundRobin(t *testing.T) {
	r, d, p, _ := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))
	r.Send(addEnv(p, "me-0", "tr-1", "mqtt://1"))

	for i := 0; i < 3; i++ {
		r.Send(bus.Envelope{
			Src:     "me-0",
			Dst:     p.Addr(),
			Type:    TypePublish,
			Payload: PublishRequest{Topic: "fanout/device/d1/up", Message: []byte{byte(i)}},
		})
	}

	if n := len(d.session(t, 0).publishes()); n != 2 {
		t.Errorf("member 0 publishes = %d, want 2", n)
	}
	if n := len(d.session(t, 1).publishes()); n != 1 {
		t.Errorf("member 1 publishes = %d, want 1", n)
	}
}

func TestPoolPublishPrefersHandshakenMembers(t *testing.T) {
	r, d, p, _ := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))
	r.Send(addEnv(p, "me-0", "tr-1", "mqtt://1"))

	// Only the second broker has acknowledged its session.
	d.session(t, 1).hooks.OnConnect()

	for i := 0; i < 3; i++ {
		r.Send(bus.Envelope{
			Src:     "me-0",
			Dst:     p.Addr(),
			Type:    TypePublish,
			Payload: PublishRequest{Topic: "t", Message: []byte{byte(i)}},
		})
	}

	if n := len(d.session(t, 0).publishes()); n != 0 {
		t.Errorf("handshaking member publishes = %d, want 0", n)
	}
	if n := len(d.session(t, 1).publishes()); n != 3 {
		t.Errorf("ready member publishes = %d, want 3", n)
	}

	members := p.Members()
	if members[0].Ready || !members[1].Ready {
		t.Errorf("Ready = %v/%v, want false/true", members[0].Ready, members[1].Ready)
	}
}

func TestPoolPublishExplicitAddr(t *testing.T) {
	r, d, p, rec := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))
	r.Send(addEnv(p, "me-0", "tr-1", "mqtt://1"))
	second := addedAddr(t, rec.ofType(TypeAdded)[1])

	for i := 0; i < 2; i++ {
		r.Send(bus.Envelope{
			Src:     "me-0",
			Dst:     p.Addr(),
			Type:    TypePublish,
			Payload: PublishRequest{Addr: second, Topic: "t", Message: []byte("x")},
		})
	}

	if n := len(d.session(t, 0).publishes()); n != 0 {
		t.Errorf("member 0 publishes = %d, want 0", n)
	}
	if n := len(d.session(t, 1).publishes()); n != 2 {
		t.Errorf("member 1 publishes = %d, want 2", n)
	}
}

func TestPoolPublishWithoutMembers(t *testing.T) {
	r, _, p, rec := newTestPool(t)

	r.Send(bus.Envelope{
		Src:     "me-0",
		Dst:     p.Addr(),
		Type:    TypePublish,
		Payload: PublishRequest{Topic: "t"},
	})

	errs := rec.ofType(TypeEndpointsError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if errs[0].Dst != "me-0" {
		t.Errorf("Dst = %q, want me-0", errs[0].Dst)
	}
}

// ============================================================================
// Member lifecycle
// ============================================================================

func TestPoolDropsLostMember(t *testing.T) {
	r, d, p, rec := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))

	d.session(t, 0).hooks.OnConnectionLost(errRefused)

	errs := rec.ofType(TypeError)
	if len(errs) != 1 {
		t.Fatalf("relayed errors = %d, want 1", len(errs))
	}
	if errs[0].Transaction != "tr-0" {
		t.Errorf("Transaction = %q, want tr-0", errs[0].Transaction)
	}
	if len(p.Members()) != 0 {
		t.Error("lost member kept in pool")
	}
}

func TestPoolMemberEventsTappedOnce(t *testing.T) {
	r, d, p, rec := newTestPool(t)
	tapped := &recorder{}
	stop := bus.Tap(r, tapped.handle)
	defer stop()

	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))
	d.session(t, 0).hooks.OnMessage("fanout/device/d1/down", []byte("hi"))

	for _, typ := range []string{TypeAdded, TypeConnected, TypeMessage} {
		if n := len(tapped.ofType(typ)); n != 1 {
			t.Errorf("tapped %s = %d, want 1", typ, n)
		}
	}

	member := addedAddr(t, rec.ofType(TypeAdded)[0])
	republished := rec.ofType(TypeConnected)
	if len(republished) != 1 || republished[0].Src != member || republished[0].Dst != "me-0" {
		t.Errorf("republished connected = %+v, want src %s dst me-0", republished, member)
	}
}

func TestPoolRelaysMessages(t *testing.T) {
	r, d, p, rec := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))

	d.session(t, 0).hooks.OnMessage("fanout/device/d1/down", []byte("hi"))

	msgs := rec.ofType(TypeMessage)
	if len(msgs) != 1 {
		t.Fatalf("relayed messages = %d, want 1", len(msgs))
	}
	if msgs[0].Dst != bus.Broadcast {
		t.Errorf("Dst = %q, want broadcast", msgs[0].Dst)
	}
}

func TestPoolClose(t *testing.T) {
	r, d, p, _ := newTestPool(t)
	r.Send(addEnv(p, "me-0", "tr-0", "mqtt://0"))
	r.Send(addEnv(p, "me-0", "tr-1", "mqtt://1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if d.session(t, i).closeCount() != 1 {
			t.Errorf("session %d not closed", i)
		}
	}
	if r.Len() != 1 {
		t.Errorf("router entries = %v, want router only", r.Addresses())
	}
	if err := p.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

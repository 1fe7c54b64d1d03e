package bus

import "fmt"

// Endpoint is the contract every participant of the bus satisfies.
//
// The outbound stream is fed only by the endpoint itself. The inbound stream
// is fed only by the router (or directly by a test harness).
type Endpoint interface {
	Addr() string
	Outbound() *Stream
	Inbound() *Stream
}

// Port is the embeddable base of an Endpoint: an address and a pair of
// streams.
type Port struct {
	addr     string
	outbound *Stream
	inbound  *Stream
}

// NewPort creates a port with the given address.
func NewPort(addr string) *Port {
	return &Port{
		addr:     addr,
		outbound: NewStream(),
		inbound:  NewStream(),
	}
}

// Addr returns the address of the port.
func (p *Port) Addr() string { return p.addr }

// Outbound returns the stream the port emits to.
func (p *Port) Outbound() *Stream { return p.outbound }

// Inbound returns the stream the router delivers to.
func (p *Port) Inbound() *Stream { return p.inbound }

// Emit publishes env on the outbound stream. An empty Src is filled with the
// port address and an empty Transaction is minted.
func (p *Port) Emit(env Envelope) {
	if env.Src == "" {
		env.Src = p.addr
	}
	if env.Transaction == "" {
		env.Transaction = NewTransaction()
	}
	p.outbound.Next(env)
}

// Broadcast emits an envelope with Dst "*".
func (p *Port) Broadcast(typ, transaction string, payload any) {
	p.Emit(Envelope{
		Dst:         Broadcast,
		Transaction: transaction,
		Type:        typ,
		Payload:     payload,
	})
}

// Close completes both streams. Further envelopes are dropped.
func (p *Port) Close() {
	p.inbound.Close()
	p.outbound.Close()
}

// ForMe wraps an inbound handler with the destination re-check. Envelopes
// not addressed to ep are dropped with a log.warn on ep's outbound stream.
func ForMe(ep Endpoint, fn Handler) Handler {
	return func(env Envelope) {
		if env.Dst != ep.Addr() {
			Warn(ep, env, fmt.Sprintf("ignore message not for me:%s:%s:%s", ep.Addr(), env.Dst, env.Type))
			return
		}
		fn(env)
	}
}

// Warn emits a log.warn envelope on ep's outbound stream, addressed back to
// the sender of cause.
func Warn(ep Endpoint, cause Envelope, msg string) {
	ep.Outbound().Next(cause.Reply(ep.Addr(), TypeLogWarn, msg))
}

// Fail emits a log.error envelope on ep's outbound stream, addressed back to
// the sender of cause.
func Fail(ep Endpoint, cause Envelope, msg string) {
	ep.Outbound().Next(cause.Reply(ep.Addr(), TypeLogError, msg))
}

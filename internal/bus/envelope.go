package bus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Broadcast is the destination used for envelopes meant only for local
// subscribers of the emitter's outbound stream.
const Broadcast = "*"

// Router envelope types.
const (
	TypeRegister     = "router.register"
	TypeUnregister   = "router.unregister"
	TypeRegistered   = "router.registered"
	TypeUnregistered = "router.unregistered"
	TypeRouterError  = "router.error"
)

// Diagnostic envelope types. Their payload is a plain string.
const (
	TypeLogWarn  = "log.warn"
	TypeLogError = "log.error"
)

// Envelope is the unit of traffic on the bus.
type Envelope struct {
	Src         string `json:"src"`
	Dst         string `json:"dst"`
	Transaction string `json:"transaction"`
	Type        string `json:"type"`
	Payload     any    `json:"payload,omitempty"`
}

// IsBroadcast reports whether the envelope is addressed to local subscribers only.
func (e Envelope) IsBroadcast() bool {
	return e.Dst == Broadcast
}

// Reply builds an envelope from src back to the sender of e, keeping the
// transaction of e (or minting one if e carried none).
func (e Envelope) Reply(src, typ string, payload any) Envelope {
	dst := e.Src
	if dst == "" {
		dst = Broadcast
	}
	return Envelope{
		Src:         src,
		Dst:         dst,
		Transaction: TransactionOf(e),
		Type:        typ,
		Payload:     payload,
	}
}

// String renders the routing header, mostly for log lines.
func (e Envelope) String() string {
	return fmt.Sprintf("%s:%s->%s:%s", e.Type, e.Src, e.Dst, e.Transaction)
}

// RouterError is the payload of router.error envelopes.
type RouterError struct {
	Addr string `json:"addr"`
	Msg  string `json:"msg"`
}

// Error implements error so a RouterError can be logged or wrapped directly.
func (r RouterError) Error() string {
	return r.Msg
}

// NewTransaction mints a fresh correlation id.
func NewTransaction() string {
	return uuid.NewString()
}

// TransactionOf returns the transaction carried by env, or a new one if empty.
func TransactionOf(env Envelope) string {
	if env.Transaction != "" {
		return env.Transaction
	}
	return NewTransaction()
}

// NewAddress mints a unique address below prefix, e.g. "mqtt.connection.<uuid>".
func NewAddress(prefix string) string {
	return prefix + "." + uuid.NewString()
}

// PayloadAs decodes the payload of env as T. Both T and *T are accepted, so
// emitters may send values or pointers. The envelope Type is the discriminant;
// callers switch on it before decoding.
func PayloadAs[T any](env Envelope) (T, bool) {
	switch v := env.Payload.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// Summary renders a payload into something safe to marshal as JSON.
// Endpoints are reduced to their address, byte slices to their length and
// errors to their message.
func Summary(payload any) any {
	switch v := payload.(type) {
	case nil:
		return nil
	case Endpoint:
		return map[string]string{"addr": v.Addr()}
	case []byte:
		return map[string]int{"bytes": len(v)}
	case error:
		return v.Error()
	case string, fmt.Stringer:
		return fmt.Sprint(v)
	}
	if _, err := json.Marshal(payload); err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return payload
}

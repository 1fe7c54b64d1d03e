// Package bus provides the in-process message router of the fanout gateway.
//
// Every participant (TCP device connection, TCP listener, MQTT connection,
// MQTT connection pool, relay, admin API) is an Endpoint: a stable address
// plus an outbound stream it emits to and an inbound stream the router
// delivers to. The Router owns the address directory and is the single
// arbitration point for all addressing decisions.
//
// # Envelopes
//
// All traffic is carried in an Envelope:
//
//	{Src, Dst, Transaction, Type, Payload}
//
// Dst "*" (Broadcast) means the envelope is meant for local subscribers of
// the emitter's outbound stream and is never looked up in the directory.
// Transaction correlates a request with its responses and later events; it
// is propagated unchanged when present and minted otherwise.
//
// # Failure reporting
//
// Nothing crosses an endpoint boundary as a returned error. Directory
// failures (double register, unregister of an unknown address, send to an
// unknown address) are emitted as router.error or log.error envelopes on
// the router's outbound stream, so any observer can build alerting on top
// of the bus without touching the router.
//
// # Concurrency
//
// Directory reads and writes are serialised by a mutex held only around the
// map access. Delivery into an endpoint's inbound stream happens in the
// caller's goroutine after the lookup, so handlers may send further
// envelopes from inside a delivery without deadlocking.
//
// # Usage
//
//	router := bus.NewRouter()
//	defer router.Dispose()
//
//	ep := bus.NewPort("test")
//	router.Register(ep)
//	sub := router.Subscribe("test", func(env bus.Envelope) {
//	    fmt.Println(env.Type)
//	})
//	defer sub.Unsubscribe()
package bus

// Package api implements the admin HTTP API and the live bus tap of the
// fanout gateway.
//
// This package provides:
//   - REST endpoints for the router directory, the MQTT pool, the device
//     listener and the lifecycle journal
//   - WebSocket hub streaming bus envelopes to subscribed clients
//   - Prometheus exposition on /metrics
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server is itself a bus endpoint registered as api.<uuid>. Pool
// operations are sent as envelopes with the server as source; the replies
// are matched back to the HTTP request by transaction. Every bus delivery is
// synchronous, so the outcome of a request is known when Send returns.
//
// Reads (directory, pool members, device connections) are snapshots taken
// directly from the components.
package api

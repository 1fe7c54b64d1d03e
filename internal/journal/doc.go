// Package journal records bus lifecycle events in SQLite.
//
// Only lifecycle traffic is kept: registrations, connects and disconnects,
// listener bindings, and every warning or error an endpoint reports. Device
// data and broker messages are not. Recording never blocks the emitter;
// entries go through a bounded queue drained by Run, and overflow is
// counted rather than waited on.
//
// The journal is an operator's history, not a registry. Nothing is
// reloaded from it at start-up.
package journal

// Package iottcp exposes raw TCP device sockets as bus endpoints.
//
// A Listener owns any number of bound sockets. Every accepted socket becomes
// a Connection registered with the router under
// "iotTcp.connection.<uuid>:<remote>". Bytes read from the socket are
// broadcast as iotTcp.Connection.Data; Data envelopes sent to the
// connection are written to the socket. A closed or failed socket ends the
// connection with exactly one iotTcp.Connection.Close or
// iotTcp.Connection.Error event.
//
// The listener broadcasts iotTcp.Connection.Connected when it accepts a
// socket and iotTcp.Connection.Disconnected when that connection ends.
// Sockets are bound either through the Go API (Listen) or by sending
// iotTcp.Listener.Listen to the listener's address.
package iottcp

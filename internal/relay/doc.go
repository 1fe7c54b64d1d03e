// Package relay bridges device sockets and MQTT.
//
// A Relay watches one iottcp.Listener and one mqttlink.Pool. Bytes from a
// device are published to the pool on the device's uplink topic (fan-in).
// Broker messages republished by the pool are written to one device when
// the topic is that device's downlink, or to every device when it is the
// broadcast downlink (fan-out).
package relay

// Package mqttlink puts MQTT broker sessions on the bus.
//
// A Connection is one broker session exposed as a bus endpoint with a small
// state machine:
//
//	Unconnected --connect--> Connected --disconnect/lost--> Disconnected
//
// Disconnected is terminal: reconnecting needs a new Connection and a new
// address. A Pool owns a dynamic set of connections, creates them on
// mqtt.endpoints.add, tears them down on mqtt.endpoints.delete, republishes
// their events on its own outbound stream and picks a member for
// mqtt.endpoints.publish (explicit address, otherwise round-robin over
// connected members).
package mqttlink

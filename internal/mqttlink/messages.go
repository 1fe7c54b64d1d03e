package mqttlink

// Connection envelope types.
const (
	TypeConnect       = "mqtt.connection.connect"
	TypeConnected     = "mqtt.connection.connected"
	TypeSend          = "mqtt.connection.send"
	TypeDisconnect    = "mqtt.connection.disconnect"
	TypeDisconnected  = "mqtt.connection.disconnected"
	TypeMessage       = "mqtt.connection.message"
	TypePacketSend    = "mqtt.connection.packetsend"
	TypePacketReceive = "mqtt.connection.packetreceive"
	TypeError         = "mqtt.connection.error"
)

// Pool envelope types.
const (
	TypeAdd            = "mqtt.endpoints.add"
	TypeAdded          = "mqtt.endpoints.added"
	TypeDelete         = "mqtt.endpoints.delete"
	TypeDeleted        = "mqtt.endpoints.deleted"
	TypePublish        = "mqtt.endpoints.publish"
	TypeEndpointsError = "mqtt.endpoints.error"
)

// ConnectProps is the payload of connect, connected, disconnected and add.
type ConnectProps struct {
	ConnectionString string   `json:"connectionString"`
	Topics           []string `json:"topics,omitempty"`
}

// Message is the payload of send and message envelopes.
type Message struct {
	Topic   string `json:"topic"`
	Message []byte `json:"message"`
}

// ConnectionError is the payload of mqtt.connection.error. Fatal errors end
// the connection; the others (failed publish or subscribe) do not.
type ConnectionError struct {
	Addr             string `json:"addr"`
	ConnectionString string `json:"connectionString"`
	Error            string `json:"error"`
	Fatal            bool   `json:"fatal"`
}

// EndpointAddr is the payload of added, delete and deleted.
type EndpointAddr struct {
	Addr             string `json:"addr"`
	ConnectionString string `json:"connectionString"`
}

// PublishRequest is the payload of mqtt.endpoints.publish. An empty Addr
// lets the pool choose a connected member.
type PublishRequest struct {
	Addr    string `json:"addr,omitempty"`
	Topic   string `json:"topic"`
	Message []byte `json:"message"`
}

// EndpointsError is the payload of mqtt.endpoints.error.
type EndpointsError struct {
	Addr             string `json:"addr,omitempty"`
	ConnectionString string `json:"connectionString,omitempty"`
	Msg              string `json:"msg"`
}

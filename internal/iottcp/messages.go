package iottcp

// Connection envelope types.
const (
	TypeData         = "iotTcp.Connection.Data"
	TypeClose        = "iotTcp.Connection.Close"
	TypeError        = "iotTcp.Connection.Error"
	TypeConnected    = "iotTcp.Connection.Connected"
	TypeDisconnected = "iotTcp.Connection.Disconnected"
)

// Listener envelope types.
const (
	TypeListen        = "iotTcp.Listener.Listen"
	TypeListenerClose = "iotTcp.Listener.Close"
	TypeCloseAll      = "iotTcp.Listener.CloseAll"
	TypeBound         = "iotTcp.Listener.Bound"
	TypeClosed        = "iotTcp.Listener.Closed"
)

// ConnectionError is the payload of iotTcp.Connection.Error.
type ConnectionError struct {
	Addr  string `json:"addr"`
	Error string `json:"error"`
}

// Binding is the payload of the listener control messages and of Bound and
// Closed. Address is what was asked for, Bound what the socket got.
type Binding struct {
	Address string `json:"address"`
	Bound   string `json:"bound,omitempty"`
}

// dataBytes extracts the bytes of a Data payload.
func dataBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case *[]byte:
		if v != nil {
			return *v, nil
		}
	}
	return nil, ErrInvalidPayload
}

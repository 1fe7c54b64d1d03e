package relay

// Direction labels used by Telemetry implementations.
const (
	DirectionUplink   = "uplink"
	DirectionDownlink = "downlink"
)

// Telemetry receives one call per relayed message.
type Telemetry interface {
	Relayed(direction, device string, bytes int)
}

// TelemetryFunc adapts a function to the Telemetry interface.
type TelemetryFunc func(direction, device string, bytes int)

// Relayed calls f.
func (f TelemetryFunc) Relayed(direction, device string, bytes int) {
	f(direction, device, bytes)
}

// MultiTelemetry reports to every non-nil sink.
func MultiTelemetry(sinks ...Telemetry) Telemetry {
	out := make(multiTelemetry, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiTelemetry []Telemetry

func (m multiTelemetry) Relayed(direction, device string, bytes int) {
	for _, s := range m {
		s.Relayed(direction, device, bytes)
	}
}

package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementTraffic   = "relay_traffic"
	measurementLifecycle = "bus_lifecycle"
)

// Relayed records one relayed message. It satisfies relay.Telemetry.
//
//	relay_traffic,device=<addr>,direction=uplink bytes=5i,messages=1i
func (c *Client) Relayed(direction, device string, bytes int) {
	c.WritePoint(measurementTraffic,
		map[string]string{
			"direction": direction,
			"device":    device,
		},
		map[string]any{
			"bytes":    bytes,
			"messages": 1,
		},
	)
}

// Lifecycle records one lifecycle envelope type, for dashboards that plot
// connects and disconnects next to traffic.
func (c *Client) Lifecycle(typ, src string) {
	c.WritePoint(measurementLifecycle,
		map[string]string{"type": typ},
		map[string]any{"src": src, "count": 1},
	)
}

// WritePoint writes a point stamped now. Writes on a closed client are
// dropped.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

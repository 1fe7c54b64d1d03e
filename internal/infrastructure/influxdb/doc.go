// Package influxdb writes relay traffic telemetry to InfluxDB v2.
//
// Every relayed message becomes one point of the relay_traffic measurement,
// tagged with direction and device. Writes go through the client's
// non-blocking, batched write API, so the relay never waits on the network.
// Write failures arrive asynchronously through SetOnError.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
package influxdb

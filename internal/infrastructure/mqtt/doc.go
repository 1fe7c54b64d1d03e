// Package mqtt provides broker sessions for the fanout gateway.
//
// This package manages:
//   - Connection string parsing (mqtt://, mqtts://, tcp://, ssl://, ws://, wss://)
//   - One paho session per Client, with no automatic reconnection
//   - Asynchronous publishing reported through hooks
//   - Topic subscriptions issued on every successful connect
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// A Client is owned by exactly one MQTT connection endpoint. The endpoint
// turns Hooks into bus envelopes; this package knows nothing about the bus.
//
//	device <-> iottcp <-> bus router <-> mqttlink <-> Client <-> broker
//
// A dropped session is terminal for the Client: the owning endpoint tears
// itself down and a new connection gets a new Client and a new address.
//
// # Usage
//
//	c, err := mqtt.Dial(cfg.MQTT, "mqtt://127.0.0.1", mqtt.Topics{}.Downlinks(), mqtt.Hooks{
//	    OnMessage: func(topic string, payload []byte) {
//	        log.Printf("received %s (%d bytes)", topic, len(payload))
//	    },
//	    OnConnectionLost: func(err error) {
//	        log.Printf("session ended: %v", err)
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(nil)
//
//	_ = c.Publish(mqtt.Topics{}.DeviceUplink("dev-1"), []byte("hello"))
package mqtt

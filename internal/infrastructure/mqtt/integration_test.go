//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"
)

// Integration tests against a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

const integrationBroker = "mqtt://127.0.0.1:1883"

func TestIntegration_ConnectPublishReceive(t *testing.T) {
	cfg := testConfig()
	topics := Topics{Prefix: cfg.TopicPrefix}

	connected := make(chan struct{}, 1)
	received := make(chan string, 1)
	sent := make(chan PacketInfo, 4)

	var mu sync.Mutex
	var packetsIn int

	c, err := Dial(cfg, integrationBroker, topics.Downlinks(), Hooks{
		OnConnect:    func() { connected <- struct{}{} },
		OnPacketSent: func(p PacketInfo) { sent <- p },
		OnPacketReceived: func(PacketInfo) {
			mu.Lock()
			packetsIn++
			mu.Unlock()
		},
		OnMessage: func(topic string, payload []byte) {
			if topic == topics.DeviceDownlink("dev-1") {
				received <- string(payload)
			}
		},
		OnConnectionLost: func(err error) { t.Errorf("connection lost: %v", err) },
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close(nil)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connect")
	}

	// Subscriptions are issued asynchronously on connect.
	time.Sleep(200 * time.Millisecond)

	if err := c.Publish(topics.DeviceDownlink("dev-1"), []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case p := <-sent:
		if p.Bytes != 5 {
			t.Errorf("PacketInfo.Bytes = %d", p.Bytes)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for packet sent")
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("payload = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if packetsIn == 0 {
		t.Error("OnPacketReceived never fired")
	}
}

func TestIntegration_CloseCallsDone(t *testing.T) {
	connected := make(chan struct{}, 1)
	c, err := Dial(testConfig(), integrationBroker, nil, Hooks{
		OnConnect: func() { connected <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connect")
	}

	done := make(chan struct{})
	c.Close(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() never completed")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

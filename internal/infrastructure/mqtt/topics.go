package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "fanout"

// Topics provides builders for gateway MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{Prefix: "fanout"}
//	up := topics.DeviceUplink("iotTcp.connection.1234:[::1]:5000")
//	// Returns: "fanout/device/iotTcp.connection.1234:[::1]:5000/up"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceUplink returns the topic device traffic is published on.
//
// Example: fanout/device/{device}/up
func (t Topics) DeviceUplink(device string) string {
	return fmt.Sprintf("%s/device/%s/up", t.prefix(), device)
}

// DeviceDownlink returns the topic that addresses one device.
//
// Example: fanout/device/{device}/down
func (t Topics) DeviceDownlink(device string) string {
	return fmt.Sprintf("%s/device/%s/down", t.prefix(), device)
}

// BroadcastDownlink returns the topic that addresses every connected device.
//
// Example: fanout/broadcast/down
func (t Topics) BroadcastDownlink() string {
	return fmt.Sprintf("%s/broadcast/down", t.prefix())
}

// ParseDownlink extracts the device from a DeviceDownlink topic.
func (t Topics) ParseDownlink(topic string) (device string, ok bool) {
	head := t.prefix() + "/device/"
	if !strings.HasPrefix(topic, head) || !strings.HasSuffix(topic, "/down") {
		return "", false
	}
	device = strings.TrimSuffix(strings.TrimPrefix(topic, head), "/down")
	if device == "" {
		return "", false
	}
	return device, true
}

// =============================================================================
// Gateway Topics
// =============================================================================

// GatewayStatus returns the retained online/offline topic of one client.
//
// Example: fanout/gateway/{client_id}/status
func (t Topics) GatewayStatus(clientID string) string {
	return fmt.Sprintf("%s/gateway/%s/status", t.prefix(), clientID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDownlinks returns a pattern matching every per-device downlink.
//
// Pattern: fanout/device/+/down
func (t Topics) AllDownlinks() string {
	return fmt.Sprintf("%s/device/+/down", t.prefix())
}

// Downlinks returns the subscriptions a relaying connection needs.
func (t Topics) Downlinks() []string {
	return []string{t.AllDownlinks(), t.BroadcastDownlink()}
}

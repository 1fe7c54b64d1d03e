package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// maxPendingPublishes bounds the queue kept while the handshake is running.
const maxPendingPublishes = 1024

// pendingPublish is a publish accepted before the broker acknowledged the
// connect.
type pendingPublish struct {
	topic   string
	payload []byte
}

// Publish sends payload to topic at the configured QoS without waiting.
//
// Publishes made while the connect handshake is still running are queued
// and sent once it completes. Validation failures are returned directly.
// Completion is reported asynchronously: OnPacketSent on success, OnError
// on failure.
func (c *Client) Publish(topic string, payload []byte) error {
	if err := validatePublish(topic, payload, c.cfg.QoS); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if c.connected.Load() {
		if !c.client.IsConnected() {
			return ErrNotConnected
		}
		c.publish(topic, payload)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.connected.Load():
		// The handshake finished while we waited for the lock.
		c.publish(topic, payload)
		return nil
	case c.lost:
		return ErrNotConnected
	case len(c.pending) >= maxPendingPublishes:
		return fmt.Errorf("%w: %d publishes already queued while connecting", ErrPublishFailed, maxPendingPublishes)
	}
	c.pending = append(c.pending, pendingPublish{
		topic:   topic,
		payload: append([]byte(nil), payload...),
	})
	return nil
}

// Pending returns how many publishes wait for the handshake.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// publish hands one message to paho and reports the outcome through hooks.
func (c *Client) publish(topic string, payload []byte) {
	qos := byte(c.cfg.QoS)
	token := c.client.Publish(topic, qos, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.reportError(fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err))
			return
		}
		if c.hooks.OnPacketSent != nil {
			info := PacketInfo{Topic: topic, Bytes: len(payload), QoS: qos}
			if pt, ok := token.(*pahomqtt.PublishToken); ok {
				info.MessageID = pt.MessageID()
			}
			c.hooks.OnPacketSent(info)
		}
	}()
}

// validatePublish checks inputs before they reach paho.
func validatePublish(topic string, payload []byte, qos int) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos < 0 || qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}

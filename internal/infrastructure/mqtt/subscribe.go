package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// subscribeAll subscribes every configured topic. Called from the paho
// on-connect handler, so failures are reported through OnError.
func (c *Client) subscribeAll() {
	handler := c.wrapHandler()
	qos := byte(c.cfg.QoS)

	for _, topic := range c.topics {
		if topic == "" {
			continue
		}
		topic := topic
		token := c.client.Subscribe(topic, qos, handler)
		go func() {
			<-token.Done()
			if err := token.Error(); err != nil {
				c.reportError(fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err))
			}
		}()
	}
}

// Topics returns the topics subscribed on connect.
func (c *Client) Topics() []string {
	return append([]string(nil), c.topics...)
}

// wrapHandler turns inbound publishes into hook calls, with panic recovery
// so a faulty hook cannot kill the paho router goroutine.
func (c *Client) wrapHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if c.closed.Load() {
			return
		}

		payload := msg.Payload()
		if c.hooks.OnPacketReceived != nil {
			c.hooks.OnPacketReceived(PacketInfo{
				Topic:     msg.Topic(),
				Bytes:     len(payload),
				QoS:       msg.Qos(),
				MessageID: msg.MessageID(),
			})
		}
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(msg.Topic(), payload)
		}
	}
}

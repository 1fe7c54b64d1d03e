package mqttlink

import (
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/mqtt"
)

// Session is one live broker session.
type Session interface {
	// Publish sends without waiting; completion arrives through the hooks.
	Publish(topic string, payload []byte) error
	// Close ends the session and calls done once it is gone.
	Close(done func())
}

// Dialer opens broker sessions. Dial must not block on the network.
type Dialer interface {
	Dial(connectionString string, topics []string, hooks mqtt.Hooks) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(connectionString string, topics []string, hooks mqtt.Hooks) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(connectionString string, topics []string, hooks mqtt.Hooks) (Session, error) {
	return f(connectionString, topics, hooks)
}

// BrokerDialer dials real brokers with paho.
func BrokerDialer(cfg config.MQTTConfig, logger mqtt.Logger) Dialer {
	return DialerFunc(func(connectionString string, topics []string, hooks mqtt.Hooks) (Session, error) {
		c, err := mqtt.Dial(cfg, connectionString, topics, hooks)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			c.SetLogger(logger)
		}
		return c, nil
	})
}

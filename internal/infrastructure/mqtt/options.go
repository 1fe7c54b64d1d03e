package mqtt

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds the connect handshake when config leaves it unset.
	defaultConnectTimeout = 10 * time.Second

	// defaultStatusTimeout is the maximum time to wait for the offline status publish on close.
	defaultStatusTimeout = 2 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval when config leaves it unset.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// clientIDSuffixLen is the number of uuid characters appended to the client id prefix.
	clientIDSuffixLen = 8
)

// broker is a parsed connection string.
type broker struct {
	URL      string // paho form, e.g. tcp://host:1883
	TLS      bool
	Username string
	Password string
}

// parseBroker normalises a connection string.
//
// Accepted schemes: mqtt, tcp (port 1883), mqtts, ssl, tls (port 8883),
// ws (port 80) and wss (port 443). A bare "host" or "host:port" is
// treated as mqtt. Credentials in the userinfo part override config.
func parseBroker(connectionString string) (broker, error) {
	s := strings.TrimSpace(connectionString)
	if s == "" {
		return broker{}, ErrInvalidBroker
	}
	if !strings.Contains(s, "://") {
		s = "mqtt://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return broker{}, fmt.Errorf("%w: %w", ErrInvalidBroker, err)
	}

	var scheme, port string
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
		scheme, port = "tcp", "1883"
	case "mqtts", "ssl", "tls":
		scheme, port = "ssl", "8883"
	case "ws":
		scheme, port = "ws", "80"
	case "wss":
		scheme, port = "wss", "443"
	default:
		return broker{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBroker, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return broker{}, fmt.Errorf("%w: missing host in %q", ErrInvalidBroker, connectionString)
	}
	if p := u.Port(); p != "" {
		port = p
	}

	b := broker{
		URL: fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port)),
		TLS: scheme == "ssl" || scheme == "wss",
	}
	if scheme == "ws" || scheme == "wss" {
		path := u.Path
		if path == "" {
			path = "/mqtt"
		}
		b.URL += path
	}
	if u.User != nil {
		b.Username = u.User.Username()
		b.Password, _ = u.User.Password()
	}
	return b, nil
}

// newClientID builds a unique client id from the configured prefix.
func newClientID(prefix string) string {
	if prefix == "" {
		prefix = "fanout"
	}
	return prefix + "-" + uuid.NewString()[:clientIDSuffixLen]
}

// buildClientOptions creates paho MQTT options for one broker session.
//
// Auto-reconnect is off: a lost session is terminal and a new connection
// needs a new Client.
func buildClientOptions(cfg config.MQTTConfig, b broker, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(b.URL)
	opts.SetClientID(clientID)

	username, password := cfg.Auth.Username, cfg.Auth.Password
	if b.Username != "" {
		username, password = b.Username, b.Password
	}
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	connectTimeout := defaultConnectTimeout
	if cfg.ConnectTimeout > 0 {
		connectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := defaultKeepAlive
	if cfg.KeepAlive > 0 {
		keepAlive = time.Duration(cfg.KeepAlive) * time.Second
	}
	opts.SetKeepAlive(keepAlive)

	if b.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will on the gateway status topic if the session
// drops without a clean disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)

	opts.SetWill(topics.GatewayStatus(clientID), willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

package relay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-fanout/internal/iottcp"
	"github.com/nerrad567/gray-logic-fanout/internal/mqttlink"
)

// Logger defines the logging interface used by the relay.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Relay.
type Options struct {
	// Listener is the address of the iottcp listener to watch.
	Listener string
	// Pool is the address of the mqttlink pool to publish to.
	Pool string
	// Topics builds device topics.
	Topics mqtt.Topics
	// Telemetry is optional.
	Telemetry Telemetry
}

// Relay is a registered endpoint moving traffic between devices and MQTT.
type Relay struct {
	*bus.Port

	router    *bus.Router
	opts      Options
	telemetry Telemetry
	logger    Logger

	mu       sync.Mutex
	devices  map[string]bus.Subscription
	watchers []bus.Subscription
	closed   bool
}

// New creates a relay and registers it. Devices already connected to the
// listener are not picked up; start the relay before binding sockets.
func New(router *bus.Router, opts Options) *Relay {
	r := &Relay{
		Port:      bus.NewPort(bus.NewAddress("relay")),
		router:    router,
		opts:      opts,
		telemetry: opts.Telemetry,
		logger:    noopLogger{},
		devices:   make(map[string]bus.Subscription),
	}
	if r.telemetry == nil {
		r.telemetry = TelemetryFunc(func(string, string, int) {})
	}

	r.Inbound().Subscribe(bus.ForMe(r, r.handle))
	router.Register(r)

	r.watchers = []bus.Subscription{
		router.Subscribe(opts.Listener, r.onListener),
		router.Subscribe(opts.Pool, r.onPool),
	}
	return r
}

// SetLogger sets the logger for the relay.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
}

// Devices returns the addresses of the tracked devices, sorted.
func (r *Relay) Devices() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.devices))
	for addr := range r.devices {
		out = append(out, addr)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Close detaches from the listener, the pool and every device, and
// unregisters the relay.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.watchers
	for addr, sub := range r.devices {
		subs = append(subs, sub)
		delete(r.devices, addr)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	r.router.Unregister(r)
	r.Port.Close()
}

// handle logs what other endpoints report back to the relay.
func (r *Relay) handle(env bus.Envelope) {
	r.report(env)
}

func (r *Relay) report(env bus.Envelope) bool {
	switch env.Type {
	case bus.TypeLogWarn:
		r.logger.Warn("relay warning", "src", env.Src, "msg", bus.Summary(env.Payload))
	case bus.TypeLogError, bus.TypeRouterError, mqttlink.TypeEndpointsError, mqttlink.TypeError:
		r.logger.Error("relay error", "src", env.Src, "type", env.Type, "detail", bus.Summary(env.Payload))
	default:
		return false
	}
	return true
}

func (r *Relay) onListener(env bus.Envelope) {
	addr, ok := bus.PayloadAs[string](env)
	if !ok {
		return
	}
	switch env.Type {
	case iottcp.TypeConnected:
		r.track(addr)
	case iottcp.TypeDisconnected:
		r.untrack(addr)
	}
}

func (r *Relay) track(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.devices[addr]; ok {
		return
	}
	r.devices[addr] = r.router.Subscribe(addr, r.onDevice(addr))
	r.logger.Debug("relay tracking device", "device", addr)
}

func (r *Relay) untrack(addr string) {
	r.mu.Lock()
	sub, ok := r.devices[addr]
	delete(r.devices, addr)
	r.mu.Unlock()

	if ok {
		sub.Unsubscribe()
		r.logger.Debug("relay released device", "device", addr)
	}
}

// onDevice publishes device bytes on the device's uplink topic.
func (r *Relay) onDevice(addr string) bus.Handler {
	topic := r.opts.Topics.DeviceUplink(addr)
	return func(env bus.Envelope) {
		switch env.Type {
		case iottcp.TypeData:
		case iottcp.TypeClose, iottcp.TypeError:
			r.untrack(addr)
			return
		default:
			return
		}

		data, ok := bus.PayloadAs[[]byte](env)
		if !ok {
			return
		}
		r.router.Send(bus.Envelope{
			Src:         r.Addr(),
			Dst:         r.opts.Pool,
			Transaction: env.Transaction,
			Type:        mqttlink.TypePublish,
			Payload:     mqttlink.PublishRequest{Topic: topic, Message: data},
		})
		r.telemetry.Relayed(DirectionUplink, addr, len(data))
	}
}

// onPool fans broker messages out to devices and logs failures addressed to
// the relay.
func (r *Relay) onPool(env bus.Envelope) {
	if env.Dst == r.Addr() && r.report(env) {
		return
	}
	if env.Type != mqttlink.TypeMessage {
		return
	}
	msg, ok := bus.PayloadAs[mqttlink.Message](env)
	if !ok {
		return
	}

	for _, device := range r.targets(msg.Topic) {
		r.router.Send(bus.Envelope{
			Src:         r.Addr(),
			Dst:         device,
			Transaction: env.Transaction,
			Type:        iottcp.TypeData,
			Payload:     msg.Message,
		})
		r.telemetry.Relayed(DirectionDownlink, device, len(msg.Message))
	}
}

// targets resolves a downlink topic to device addresses.
func (r *Relay) targets(topic string) []string {
	if topic == r.opts.Topics.BroadcastDownlink() {
		return r.Devices()
	}
	device, ok := r.opts.Topics.ParseDownlink(topic)
	if !ok {
		r.logger.Debug("relay ignored topic", "topic", topic)
		return nil
	}

	r.mu.Lock()
	_, tracked := r.devices[device]
	r.mu.Unlock()
	if !tracked {
		r.logger.Debug("relay dropped downlink for unknown device", "device", device)
		return nil
	}
	return []string{device}
}

// String identifies the relay in logs.
func (r *Relay) String() string {
	return fmt.Sprintf("relay(%s -> %s)", r.opts.Listener, r.opts.Pool)
}

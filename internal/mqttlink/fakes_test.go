package mqttlink

import (
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/mqtt"
)

// fakeSession is a Session that records publishes and closes synchronously.
type fakeSession struct {
	mu         sync.Mutex
	broker     string
	topics     []string
	hooks      mqtt.Hooks
	published  []Message
	publishErr error
	closed     int
}

func (s *fakeSession) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, Message{Topic: topic, Message: payload})
	return nil
}

func (s *fakeSession) Close(done func()) {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	if done != nil {
		done()
	}
}

func (s *fakeSession) publishes() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.published...)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands out fakeSessions. Brokers listed in fail are refused.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	fail     map[string]error
}

func (d *fakeDialer) Dial(connectionString string, topics []string, hooks mqtt.Hooks) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.fail[connectionString]; ok {
		return nil, err
	}
	s := &fakeSession{broker: connectionString, topics: topics, hooks: hooks}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) session(t *testing.T, i int) *fakeSession {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		t.Fatalf("session %d not dialled (have %d)", i, len(d.sessions))
	}
	return d.sessions[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

var errRefused = errors.New("connection refused")

// recorder collects envelopes emitted on a stream.
type recorder struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (r *recorder) handle(env bus.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) all() []bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Envelope(nil), r.envs...)
}

func (r *recorder) ofType(typ string) []bus.Envelope {
	var out []bus.Envelope
	for _, env := range r.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func newTestRouter(t *testing.T) *bus.Router {
	t.Helper()
	r := bus.NewRouter()
	t.Cleanup(r.Dispose)
	return r
}

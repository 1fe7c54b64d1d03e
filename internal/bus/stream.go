package bus

import "sync"

// Handler consumes envelopes delivered on a Stream.
type Handler func(Envelope)

// Stream is a push stream of envelopes. Next calls every subscriber in
// subscription order, synchronously, in the caller's goroutine. There is no
// buffering: when Next returns every subscriber has seen the envelope.
//
// A closed stream drops further envelopes and subscriptions.
type Stream struct {
	mu     sync.RWMutex
	subs   []subscriber // copy-on-write, never mutated in place
	nextID uint64
	closed bool
	done   chan struct{}
}

type subscriber struct {
	id uint64
	fn Handler
}

// NewStream creates an open stream with no subscribers.
func NewStream() *Stream {
	return &Stream{done: make(chan struct{})}
}

// Subscribe attaches fn. The returned Subscription detaches only fn.
// Subscribing to a closed stream returns a no-op subscription.
func (s *Stream) Subscribe(fn Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || fn == nil {
		return Subscription{}
	}

	s.nextID++
	subs := make([]subscriber, len(s.subs), len(s.subs)+1)
	copy(subs, s.subs)
	s.subs = append(subs, subscriber{id: s.nextID, fn: fn})

	return Subscription{stream: s, id: s.nextID}
}

// Next delivers env to the current subscribers.
func (s *Stream) Next(env Envelope) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	subs := s.subs
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(env)
	}
}

// Close drops all subscribers and marks the stream complete.
// Closing twice is a no-op.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.subs = nil
	close(s.done)
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Done is closed when the stream completes.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Len returns the number of attached subscribers.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Stream) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.id != id {
			continue
		}
		subs := make([]subscriber, 0, len(s.subs)-1)
		subs = append(subs, s.subs[:i]...)
		s.subs = append(subs, s.subs[i+1:]...)
		return
	}
}

// Subscription is a handle returned by Subscribe.
// The zero value is a valid no-op subscription.
type Subscription struct {
	stream *Stream
	id     uint64
}

// Unsubscribe detaches the handler. Calling it more than once is safe.
func (s Subscription) Unsubscribe() {
	if s.stream == nil {
		return
	}
	s.stream.remove(s.id)
}

// Active reports whether the subscription is attached to a stream.
func (s Subscription) Active() bool {
	return s.stream != nil
}

package realtime

import "sync"

// Subscription receives the changes of one joined channel. Events is closed
// after Close or when the client gives up reconnecting.
type Subscription struct {
	client *Client
	topic  string
	filter Filter
	events chan Change
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Topic returns the channel topic.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the change stream.
func (s *Subscription) Events() <-chan Change { return s.events }

// Close leaves the channel and releases the stream. It is safe to call more
// than once.
func (s *Subscription) Close() error {
	s.client.leave(s)
	s.terminate()
	return nil
}

func (s *Subscription) deliver(change Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.events <- change:
	case <-s.done:
	}
}

func (s *Subscription) terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.inflight.Wait()
	close(s.events)
}

package chat

import "sync"

// eventLoop runs handle for every posted event on one goroutine. Platform
// callbacks and finished requests post here instead of touching state.
type eventLoop struct {
	events chan any
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventLoop(buffer int, handle func(any)) *eventLoop {
	l := &eventLoop{
		events: make(chan any, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		for {
			select {
			case ev := <-l.events:
				handle(ev)
			case <-l.quit:
				return
			}
		}
	}()
	return l
}

// post queues ev. It reports false once the loop has stopped.
func (l *eventLoop) post(ev any) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.quit:
		return false
	}
}

func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

// signals fans coalesced change notifications out to watchers.
type signals struct {
	mu       sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

func (s *signals) watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[int]chan struct{})
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *signals) changed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

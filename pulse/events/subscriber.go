package events

import "sync"

// subscriber is a mailbox plus the goroutine draining it
type subscriber struct {
	id      uint64
	handler Handler
	kinds   map[Kind]bool
	bus     *Bus

	mu      sync.Mutex
	pending []Event
	closing bool
	signal  chan struct{}
	done    chan struct{}
}

func newSubscriber(id uint64, handler Handler, kinds []Kind, bus *Bus) *subscriber {
	s := &subscriber{
		id:      id,
		handler: handler,
		bus:     bus,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	return s
}

func (s *subscriber) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= s.bus.mailboxSize {
		s.pending = s.pending[1:]
		s.bus.dropped.Add(1)
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closing := s.closing
		s.mu.Unlock()

		for _, ev := range batch {
			s.bus.dispatch(s, ev)
		}

		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-s.signal
	}
}

// close lets the mailbox drain and the goroutine exit. It does not wait, so
// a handler may unsubscribe itself.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) wait() {
	<-s.done
}

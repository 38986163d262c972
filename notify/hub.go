// Package notify fans values out to subscribers in publish order without
// ever blocking the publisher.
package notify

import "sync"

// Hub delivers every published value to every current subscriber
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

// NewHub creates an empty hub
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe registers a subscriber. The initial values are delivered first.
// The returned channel is closed after Close has flushed it or after cancel is called.
func (h *Hub[T]) Subscribe(initial ...T) (<-chan T, func()) {
	s := &subscriber[T]{
		ch:    make(chan T),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		queue: append([]T(nil), initial...),
	}

	h.mu.Lock()
	if h.closed {
		s.closing = true
	} else {
		h.subs[s] = struct{}{}
	}
	h.mu.Unlock()

	go s.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.done)
		})
	}
	return s.ch, cancel
}

// Publish queues v for every subscriber. Publishing on a closed hub is a no-op.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for s := range h.subs {
		s.push(v)
	}
}

// Close flushes pending values and then closes every subscriber channel
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.finish()
	}
	h.subs = nil
}

// Len returns the number of live subscribers
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type subscriber[T any] struct {
	ch   chan T
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	queue   []T
	closing bool
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	defer close(s.ch)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closing {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- v:
		case <-s.done:
			return
		}
	}
}

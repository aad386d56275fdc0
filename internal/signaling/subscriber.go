package signaling

import (
	"context"
	"sync"
)

// subscriber is an unbounded mailbox drained by a single goroutine, so slow
// callbacks never block writers and deliveries keep their order.
type subscriber[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscriber[T any]() *subscriber[T] {
	return &subscriber[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber[T]) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscriber[T]) run(ctx context.Context, fn func(T)) {
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}

			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.stopped() || ctx.Err() != nil {
				return
			}

			fn(v)
		}
	}
}

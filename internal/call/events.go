package call

import "sync"

// Event is delivered to the UI layer on every session state change.
type Event struct {
	CallID    string
	Role      Role
	PeerID    string
	State     State
	Reason    EndReason
	Connected bool
	Err       error
}

type Notifier func(Event)

// eventQueue hands events to the notifier from a dedicated goroutine in the
// order they were pushed. Notifiers may call back into the session.
type eventQueue struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEventQueue(notify Notifier) *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go q.run(notify)

	return q
}

func (q *eventQueue) push(event Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.queue = append(q.queue, event)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close lets the queue drain what was pushed so far, then stops it.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(notify Notifier) {
	defer close(q.done)

	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				closed := q.closed
				q.mu.Unlock()

				if closed {
					return
				}

				break
			}

			event := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()

			if notify != nil {
				notify(event)
			}
		}
	}
}

package nodeservice

import "sync"

// keyedQueue serializes work per key in ticket order. Tickets for different
// keys never wait on each other.
type keyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{tails: make(map[string]chan struct{})}
}

// ticket reserves the next slot for key. The returned wait blocks until every
// earlier ticket for key has been released; release must be called exactly once.
func (q *keyedQueue) ticket(key string) (wait func(), release func()) {
	mine := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = mine
	q.mu.Unlock()

	wait = func() {
		if prev != nil {
			<-prev
		}
	}
	release = func() {
		q.mu.Lock()
		if q.tails[key] == mine {
			delete(q.tails, key)
		}
		q.mu.Unlock()
		close(mine)
	}
	return wait, release
}

// pending reports how many keys currently hold a ticket.
func (q *keyedQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}

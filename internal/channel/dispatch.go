package channel

import "sync"

// serialQueue runs queued functions one at a time, in order, on a goroutine
// that exits once the queue is empty. push never blocks on the functions.
type serialQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

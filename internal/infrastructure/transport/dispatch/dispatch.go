// Package dispatch delivers transport events off the caller's goroutine, in
// the order they were raised.
package dispatch

import "sync"

// Queue runs posted closures one at a time on a single goroutine.
type Queue struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Post never blocks.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue until done is closed.
func (q *Queue) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-q.notify:
		}
		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			fn()
		}
	}
}

// Binder holds events raised before handlers are bound and replays them, in
// order, once they are. The zero value is ready to use.
type Binder[E any] struct {
	mu       sync.Mutex
	events   E
	bound    bool
	detached bool
	pending  []func(E)
}

// Raise queues fire for the bound handlers.
func (b *Binder[E]) Raise(q *Queue, fire func(E)) {
	q.Post(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.detached {
			return
		}
		if !b.bound {
			b.pending = append(b.pending, fire)
			return
		}
		fire(b.events)
	})
}

// Bind installs events behind everything already raised. The returned func
// detaches them; nothing is delivered after it returns.
func (b *Binder[E]) Bind(q *Queue, events E) func() {
	q.Post(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.detached {
			return
		}
		b.events = events
		b.bound = true
		pending := b.pending
		b.pending = nil
		for _, fire := range pending {
			fire(events)
		}
	})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.detached = true
		b.pending = nil
	}
}

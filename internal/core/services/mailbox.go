package services

import "sync"

// mailbox is an unbounded FIFO of closures drained by a single goroutine.
// Posting never blocks, so transport callbacks and timers can hand work to
// the session loop from any goroutine.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// run executes posted closures in order until done is closed.
func (m *mailbox) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-m.notify:
		}

		for _, fn := range m.take() {
			select {
			case <-done:
				return
			default:
			}
			fn()
		}
	}
}

package transport

import "sync"

// Mailbox delivers callbacks on its own goroutine in FIFO order, so a publisher
// never runs subscriber code on its own stack and a slow subscriber can't block it.
// Backends use one Mailbox per subscription.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func NewMailbox() *Mailbox {
	mb := &Mailbox{done: make(chan struct{})}
	mb.cond = sync.NewCond(&mb.mu)
	go mb.run()
	return mb
}

func (mb *Mailbox) Push(fn func()) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.queue = append(mb.queue, fn)
	mb.cond.Signal()
}

// Close drops queued callbacks; a callback already running finishes.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	if !mb.closed {
		mb.closed = true
		mb.queue = nil
		mb.cond.Signal()
	}
	mb.mu.Unlock()
}

func (mb *Mailbox) run() {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			mb.mu.Unlock()
			return
		}
		fn := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()
		fn()
	}
}

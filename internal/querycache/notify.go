package querycache

import (
	"sync"
	"sync/atomic"
)

// notifier runs observer callbacks on a single goroutine, in the order they
// were scheduled. Callbacks may call back into the client.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
	// running is set while a callback runs
	running atomic.Bool
}

func newNotifier() *notifier {
	n := &notifier{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *notifier) schedule(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.stopped)
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				closed := n.closed
				n.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			n.mu.Unlock()

			n.running.Store(true)
			fn()
			n.running.Store(false)
		}
	}
}

// close runs what is already queued, then stops the loop. Called while a
// callback runs, it returns without waiting since the loop cannot stop before
// that callback returns.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	if n.running.Load() {
		return
	}
	<-n.stopped
}

package stream

import "sync"

// Multicast shares one underlying subscription between many listeners. The
// source is subscribed on Connect and torn down when the last listener leaves
// or the source terminates. A Multicast never reconnects.
type Multicast[T any] struct {
	source Stream[T]

	mu        sync.Mutex
	listeners []*subscriber[T]
	connected bool
	done      bool
	err       error
	upstream  Subscription
}

// Share wraps source into a connectable multicast
func Share[T any](source Stream[T]) *Multicast[T] {
	return &Multicast[T]{source: source}
}

// Subscribe adds a listener. Listeners added after the source terminated
// receive the terminal notification immediately.
func (m *Multicast[T]) Subscribe(o Observer[T]) Subscription {
	m.mu.Lock()
	if m.done {
		err := m.err
		m.mu.Unlock()
		if err != nil {
			o.error(err)
		} else {
			o.complete()
		}
		return NewSubscription(nil)
	}

	var sub *subscriber[T]
	sub = newSubscriber(o, func() { m.remove(sub) })
	m.listeners = append(m.listeners, sub)
	m.mu.Unlock()

	return sub
}

// Connect subscribes to the source. Calling it more than once has no effect.
func (m *Multicast[T]) Connect() {
	m.mu.Lock()
	if m.connected || m.done {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.mu.Unlock()

	up := m.source.Subscribe(Observer[T]{
		Next:     m.next,
		Error:    m.fail,
		Complete: func() { m.fail(nil) },
	})

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		up.Unsubscribe()
		return
	}
	if len(m.listeners) == 0 {
		m.done = true
		m.mu.Unlock()
		up.Unsubscribe()
		return
	}
	m.upstream = up
	m.mu.Unlock()
}

// Listeners returns the number of attached listeners
func (m *Multicast[T]) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *Multicast[T]) remove(sub *subscriber[T]) {
	m.mu.Lock()
	for i, l := range m.listeners {
		if l == sub {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			break
		}
	}

	var up Subscription
	if m.connected && !m.done && len(m.listeners) == 0 {
		m.done = true
		up = m.upstream
		m.upstream = nil
	}
	m.mu.Unlock()

	if up != nil {
		up.Unsubscribe()
	}
}

func (m *Multicast[T]) next(v T) {
	m.mu.Lock()
	listeners := make([]*subscriber[T], len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l.next(v)
	}
}

// fail terminates every listener; a nil error means completion
func (m *Multicast[T]) fail(err error) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	m.err = err
	listeners := m.listeners
	m.listeners = nil
	m.upstream = nil
	m.mu.Unlock()

	for _, l := range listeners {
		if err != nil {
			l.error(err)
		} else {
			l.complete()
		}
	}
}

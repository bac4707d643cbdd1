// Package connectivity reports whether the canonical store is reachable.
package connectivity

import "sync"

// Observer delivers online/offline transitions to subscribers.
type Observer interface {
	// Observe registers fn and returns a function that removes it.
	Observe(fn func(online bool)) (unsubscribe func())
	// Online returns the last known status.
	Online() bool
}

// Manual is an Observer whose status is set by the caller.
type Manual struct {
	mu     sync.Mutex
	online bool
	known  bool
	nextID int
	subs   map[int]func(bool)
}

// NewManual returns a Manual observer with the given initial status.
func NewManual(online bool) *Manual {
	return &Manual{online: online, known: true, subs: make(map[int]func(bool))}
}

func newUnknown() *Manual {
	return &Manual{subs: make(map[int]func(bool))}
}

// Observe implements Observer.
func (m *Manual) Observe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Online implements Observer.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the status and notifies subscribers when it changed. It
// reports whether a transition happened. Callbacks run on the caller's
// goroutine, outside the lock.
func (m *Manual) Set(online bool) bool {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.known = true
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

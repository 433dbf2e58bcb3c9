package session

import "sync"

// listeners is an ordered registry of event callbacks. Emission snapshots
// the registration list and invokes it outside every session lock, in
// registration order, so a callback may call back into the session or
// change subscriptions.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns its removal func. Removal is idempotent.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs = append(l.subs, listener[T]{id: id, fn: fn})
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	snap := make([]listener[T], len(l.subs))
	copy(snap, l.subs)
	l.mu.Unlock()
	for _, s := range snap {
		s.fn(v)
	}
}

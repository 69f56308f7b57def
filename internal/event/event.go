// Package event holds the subscriber lists behind the On* methods of
// sessions, channels and bridges.
package event

import "sync"

// List is an ordered subscriber list whose Add returns an unsubscribe
// handle. Callers take a Snapshot before invoking so no lock is held during
// a callback. The zero value is ready to use.
type List[F any] struct {
	mu   sync.Mutex
	seq  uint64
	list []entry[F]
}

type entry[F any] struct {
	id uint64
	fn F
}

func (l *List[F]) Add(fn F) func() {
	l.mu.Lock()
	l.seq++
	id := l.seq
	l.list = append(l.list, entry[F]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.list {
				if e.id == id {
					l.list = append(l.list[:i:i], l.list[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns the current subscribers in registration order.
func (l *List[F]) Snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]F, len(l.list))
	for i, e := range l.list {
		out[i] = e.fn
	}
	return out
}

// Clear drops every subscriber.
func (l *List[F]) Clear() {
	l.mu.Lock()
	l.list = nil
	l.mu.Unlock()
}

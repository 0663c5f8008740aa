package swr

import (
	"sort"
	"sync"
)

// listeners is a set of callbacks that can be removed individually.
type listeners struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func()
}

func newListeners() *listeners {
	return &listeners{fns: make(map[uint64]func())}
}

// add registers fn and returns the function that removes it.
func (l *listeners) add(fn func()) (remove func()) {
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// snapshot returns the callbacks in registration order so they can be run
// without holding the lock.
func (l *listeners) snapshot() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	return fns
}

func (l *listeners) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

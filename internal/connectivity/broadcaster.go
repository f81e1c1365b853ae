// Package connectivity tracks whether the remote store is reachable and
// reconciles when it becomes reachable again.
package connectivity

import "sync"

// Broadcaster is an in-process source of reachability signals.
// Callbacks fire only when the state actually changes.
type Broadcaster struct {
	mu          sync.Mutex
	online      bool
	nextID      int
	reachable   map[int]func()
	unreachable map[int]func()
}

// NewBroadcaster creates a Broadcaster starting in the given state.
func NewBroadcaster(online bool) *Broadcaster {
	return &Broadcaster{
		online:      online,
		reachable:   make(map[int]func()),
		unreachable: make(map[int]func()),
	}
}

// Online reports the last known state.
func (b *Broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// OnReachable registers fn for "became reachable" and returns a func
// that removes it.
func (b *Broadcaster) OnReachable(fn func()) (unsubscribe func()) {
	return b.subscribe(b.reachable, fn)
}

// OnUnreachable registers fn for "became unreachable" and returns a func
// that removes it.
func (b *Broadcaster) OnUnreachable(fn func()) (unsubscribe func()) {
	return b.subscribe(b.unreachable, fn)
}

func (b *Broadcaster) subscribe(set map[int]func(), fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	set[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(set, id)
			b.mu.Unlock()
		})
	}
}

// Set records the current state and, on a transition, calls the matching
// subscribers. Callbacks run on the caller's goroutine, outside the lock.
func (b *Broadcaster) Set(online bool) {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return
	}
	b.online = online

	set := b.unreachable
	if online {
		set = b.reachable
	}
	fns := make([]func(), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

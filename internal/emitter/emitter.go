// Package emitter is the ordered multi-listener registry shared by the
// channel, the module registry, and every module.
package emitter

import "sync"

// ID identifies one registered listener so it can be removed later.
type ID uint64

type entry[T any] struct {
	id ID
	fn func(T)
}

// Emitter maps a name to an ordered list of listeners.
type Emitter[T any] struct {
	mu        sync.Mutex
	next      ID
	listeners map[string][]entry[T]
}

func New[T any]() *Emitter[T] {
	return &Emitter[T]{listeners: make(map[string][]entry[T])}
}

// On appends fn to the listeners of name.
func (e *Emitter[T]) On(name string, fn func(T)) ID {
	return e.add(name, func(ID) func(T) { return fn })
}

// Once registers fn for a single invocation. The wrapper removes itself
// before calling fn, so a re-entrant Emit never sees it twice.
func (e *Emitter[T]) Once(name string, fn func(T)) ID {
	return e.add(name, func(id ID) func(T) {
		var fired sync.Once
		return func(v T) {
			run := false
			fired.Do(func() { run = true })
			if !run {
				return
			}
			e.Off(name, id)
			fn(v)
		}
	})
}

func (e *Emitter[T]) add(name string, wrap func(ID) func(T)) ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	e.listeners[name] = append(e.listeners[name], entry[T]{id: id, fn: wrap(id)})
	return id
}

// Off removes one listener. It reports whether the listener was present.
func (e *Emitter[T]) Off(name string, id ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.listeners[name]
	for i, l := range list {
		if l.id != id {
			continue
		}
		next := make([]entry[T], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, name)
		} else {
			e.listeners[name] = next
		}
		return true
	}
	return false
}

// Emit calls every listener of name in registration order with v.
// Listeners run without the lock held and may register, remove, or emit.
func (e *Emitter[T]) Emit(name string, v T) bool {
	e.mu.Lock()
	list := e.listeners[name]
	snapshot := make([]entry[T], len(list))
	copy(snapshot, list)
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
	return len(snapshot) > 0
}

func (e *Emitter[T]) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[name])
}

func (e *Emitter[T]) RemoveAll(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, name)
}

package util

import "sync"

// Observers is a list of callbacks for one event. Callbacks run outside the
// list's lock, in registration order.
type Observers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
	keys []int
}

// Add registers fn and returns a function that removes it. Removing twice is
// a no-op.
func (o *Observers[T]) Add(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	o.keys = append(o.keys, id)

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := o.fns[id]; !ok {
			return
		}
		delete(o.fns, id)
		for i, k := range o.keys {
			if k == id {
				o.keys = append(o.keys[:i], o.keys[i+1:]...)
				break
			}
		}
	}
}

// Notify calls every registered callback with v.
func (o *Observers[T]) Notify(v T) {
	o.mu.Lock()
	fns := make([]func(T), 0, len(o.keys))
	for _, k := range o.keys {
		fns = append(fns, o.fns[k])
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered callbacks.
func (o *Observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.keys)
}

package servicebus

import (
	"sort"
	"sync"
)

// registry maps a logical message name to a single handler.
// Bindings are last-write-wins.
type registry[H any] struct {
	mu sync.RWMutex
	m  map[string]H
}

func newRegistry[H any]() *registry[H] {
	return &registry[H]{m: make(map[string]H)}
}

// set binds h to name and reports whether a previous binding was replaced.
func (r *registry[H]) set(name string, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.m[name]
	r.m[name] = h

	return replaced
}

func (r *registry[H]) get(name string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.m[name]

	return h, ok
}

func (r *registry[H]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// multiRegistry maps a logical name to an ordered list of handlers.
type multiRegistry[H any] struct {
	mu sync.RWMutex
	m  map[string][]H
}

func newMultiRegistry[H any]() *multiRegistry[H] {
	return &multiRegistry[H]{m: make(map[string][]H)}
}

func (r *multiRegistry[H]) add(name string, h H) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m[name] = append(r.m[name], h)
}

// get returns a snapshot copy so callers can iterate without holding the lock.
func (r *multiRegistry[H]) get(name string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]H(nil), r.m[name]...)
}

package ncp

import "sync"

// pending tracks in-flight requests waiting for a reply keyed by K.
type pending[K comparable, V any] struct {
	mu      sync.Mutex
	waiters map[K]chan V
}

func newPending[K comparable, V any]() *pending[K, V] {
	return &pending[K, V]{waiters: make(map[K]chan V)}
}

// add registers a waiter. The returned cancel func must be called once the
// caller stops waiting.
func (p *pending[K, V]) add(key K) (<-chan V, func()) {
	ch := make(chan V, 1)
	p.mu.Lock()
	p.waiters[key] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		if cur, ok := p.waiters[key]; ok && cur == ch {
			delete(p.waiters, key)
		}
		p.mu.Unlock()
	}
}

// deliver hands v to the waiter for key. It reports whether anyone was waiting.
func (p *pending[K, V]) deliver(key K, v V) bool {
	p.mu.Lock()
	ch, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- v:
	default:
	}
	return true
}

// closeAll wakes every waiter with a closed channel.
func (p *pending[K, V]) closeAll() {
	p.mu.Lock()
	for k, ch := range p.waiters {
		close(ch)
		delete(p.waiters, k)
	}
	p.mu.Unlock()
}

func (p *pending[K, V]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

package audiogate

import "sync"

// PointerBus is an in-process PointerSource. Press fans out synchronously to
// every subscriber.
type PointerBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func()
}

func NewPointerBus() *PointerBus {
	return &PointerBus{subs: make(map[int]func())}
}

func (b *PointerBus) Subscribe(fn func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Press notifies subscribers of one pointer press.
func (b *PointerBus) Press() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Subscribers returns the number of registered listeners.
func (b *PointerBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

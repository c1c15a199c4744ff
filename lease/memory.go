package lease

import (
	"context"
	"sync"
)

// MemoryLeaser is an in-process leaser for single-instance deployments.
type MemoryLeaser struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLeaser creates an empty in-process leaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{held: make(map[string]bool)}
}

// Acquire implements Leaser.
func (l *MemoryLeaser) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, ErrHeld
	}
	l.held[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, nil
}

package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryLeaserExclusive(t *testing.T) {
	l := NewMemoryLeaser()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := l.Acquire(ctx, "run-1"); !errors.Is(err, ErrHeld) {
		t.Errorf("expected ErrHeld for held key, got %v", err)
	}

	// A different key is independent.
	other, err := l.Acquire(ctx, "run-2")
	if err != nil {
		t.Fatalf("acquire of independent key failed: %v", err)
	}
	other()

	release()
	release() // idempotent

	again, err := l.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	again()
}

func TestMemoryLeaserConcurrent(t *testing.T) {
	l := NewMemoryLeaser()
	ctx := context.Background()

	const contenders = 16
	var wg sync.WaitGroup
	winners := make(chan func(), contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, err := l.Acquire(ctx, "run-1"); err == nil {
				winners <- release
			}
		}()
	}
	wg.Wait()
	close(winners)

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	for release := range winners {
		release()
	}
}

func TestLockIDStable(t *testing.T) {
	if lockID("run-1") != lockID("run-1") {
		t.Error("expected stable lock id for the same key")
	}
	if lockID("run-1") == lockID("run-2") {
		t.Error("expected distinct lock ids for distinct keys")
	}
}

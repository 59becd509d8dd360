// Package queue provides the concurrency primitives shared by the engines:
// in-flight request deduplication, named serialization queues, and
// counting semaphores.
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Dedup collapses concurrent identical requests: a second caller with the
// same key receives the in-flight result instead of issuing a duplicate
// call. The entry is cleared on settlement, so a fresh call after
// completion runs again.
type Dedup struct {
	group singleflight.Group
}

// Do runs fn once per key among concurrent callers and shares the result.
func (d *Dedup) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := d.group.Do(key, fn)
	return v, err
}

// Forget drops the in-flight entry for key so the next Do runs fresh even
// if earlier callers are still waiting.
func (d *Dedup) Forget(key string) {
	d.group.Forget(key)
}

// Named serializes operations per logical key. Each key admits up to
// width concurrent runners (width 1 = mutual exclusion); excess callers
// wait in FIFO order.
type Named struct {
	width int

	mu   sync.Mutex
	keys map[string]*namedSlot
}

type namedSlot struct {
	slots chan struct{}
	refs  int
}

// NewNamed returns a named queue admitting width runners per key.
func NewNamed(width int) *Named {
	if width < 1 {
		width = 1
	}
	return &Named{width: width, keys: make(map[string]*namedSlot)}
}

// Run executes fn under the key's slot, waiting for admission first.
func (n *Named) Run(ctx context.Context, key string, fn func() error) error {
	slot := n.acquireRef(key)
	defer n.releaseRef(key, slot)

	select {
	case slot.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot.slots }()

	return fn()
}

func (n *Named) acquireRef(key string) *namedSlot {
	n.mu.Lock()
	defer n.mu.Unlock()
	slot, ok := n.keys[key]
	if !ok {
		slot = &namedSlot{slots: make(chan struct{}, n.width)}
		n.keys[key] = slot
	}
	slot.refs++
	return slot
}

func (n *Named) releaseRef(key string, slot *namedSlot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(n.keys, key)
	}
}

// Semaphore bounds concurrency with a fixed number of slots.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore returns a semaphore with n slots.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire takes a slot, blocking until one frees or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	<-s.slots
}

// InUse returns the number of occupied slots.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

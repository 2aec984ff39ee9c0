/**
 * @description
 * Per-key mutual exclusion for order and account mutations. Keys are always acquired in
 * a fixed global order (the order first, then accounts sorted by id) with a bounded wait,
 * so two operations touching the same rows can never deadlock each other.
 *
 * @dependencies
 * - context, sort, sync, time: Standard Go libraries.
 * - internal/domain: For the Busy error.
 */

package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// Locker serializes mutations scoped to a set of keys.
type Locker interface {
	// Acquire locks every key in the given order or none of them. It returns domain.ErrBusy
	// when the bounded wait elapses.
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// lockKeys returns the canonical acquisition order for an operation.
func lockKeys(orderID *uuid.UUID, accountIDs ...string) []string {
	keys := make([]string, 0, len(accountIDs)+1)
	if orderID != nil {
		keys = append(keys, "order:"+orderID.String())
	}

	seen := make(map[string]bool, len(accountIDs))
	accounts := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	for _, id := range accounts {
		keys = append(keys, "account:"+id)
	}
	return keys
}

// MemoryLocker is an in-process Locker backed by one single-slot channel per key. A slot
// lives only while some caller holds or waits for its key.
type MemoryLocker struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates a Locker that gives up after wait.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{wait: wait, slots: make(map[string]*lockSlot)}
}

// join registers interest in key and returns its slot.
func (l *MemoryLocker) join(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

// leave drops interest in key and forgets the slot once nobody holds or waits for it.
func (l *MemoryLocker) leave(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(l.slots, key)
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, keys []string) (func(), error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	held := make([]string, 0, len(keys))
	slots := make([]*lockSlot, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-slots[i].ch
			l.leave(held[i])
		}
	}

	for _, key := range keys {
		slot := l.join(key)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, key)
			slots = append(slots, slot)
		case <-timer.C:
			l.leave(key)
			release()
			return nil, domain.ErrBusy
		case <-ctx.Done():
			l.leave(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// size reports how many keys currently have a slot.
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Package livebuf is the bounded, newest-first row buffer shared by the scan
// orchestrator, the live listener and the dashboard.
package livebuf

import (
	"sync"

	"whalescan/internal/market"
)

// DefaultCapacity is the canonical row limit.
const DefaultCapacity = 5000

// Buffer is a fixed-capacity ring. Index 0 of a snapshot is the most recent
// insert (or the first row of the last ReplaceAll).
type Buffer struct {
	mu       sync.RWMutex
	items    []market.ClassifiedRecord
	head     int
	n        int
	capacity int
	evicted  uint64
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		items:    make([]market.ClassifiedRecord, capacity),
		capacity: capacity,
	}
}

// PushFront inserts r at the most recent end, evicting the oldest row when full.
func (b *Buffer) PushFront(r market.ClassifiedRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = (b.head - 1 + b.capacity) % b.capacity
	b.items[b.head] = r
	if b.n < b.capacity {
		b.n++
	} else {
		b.evicted++
	}
}

// ReplaceAll swaps in records (display order, first row on top), keeping at
// most Cap of them. The new ring is built before the lock is taken.
func (b *Buffer) ReplaceAll(records []market.ClassifiedRecord) {
	items := make([]market.ClassifiedRecord, b.capacity)
	n := copy(items, records)

	b.mu.Lock()
	b.items = items
	b.head = 0
	b.n = n
	b.mu.Unlock()
}

// Snapshot returns a point-in-time copy, newest first.
func (b *Buffer) Snapshot() []market.ClassifiedRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]market.ClassifiedRecord, b.n)
	first := copy(out, b.items[b.head:min(b.head+b.n, b.capacity)])
	copy(out[first:], b.items[:b.n-first])
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

func (b *Buffer) Cap() int { return b.capacity }

// Evicted counts rows dropped by PushFront since creation.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

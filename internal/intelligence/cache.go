package intelligence

import (
	"sync"
	"time"
)

// CachedRecord is a Record plus its insertion time.
type CachedRecord struct {
	Record
	InsertedAt time.Time `json:"inserted_at"`
}

// Cache is a bounded FIFO of accepted records.
type Cache struct {
	mu       sync.RWMutex
	entries  []CachedRecord
	capacity int
	eventsCh chan CachedRecord
}

// NewCache creates a cache holding at most capacity records.
func NewCache(capacity, eventBuffer int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{
		entries:  make([]CachedRecord, 0, capacity),
		capacity: capacity,
		eventsCh: make(chan CachedRecord, eventBuffer),
	}
}

// Add stores r, evicting the oldest entry at capacity, and emits it.
func (c *Cache) Add(r Record, now time.Time) CachedRecord {
	cr := CachedRecord{Record: r, InsertedAt: now}

	c.mu.Lock()
	c.entries = append(c.entries, cr)
	if len(c.entries) > c.capacity {
		c.entries = c.entries[len(c.entries)-c.capacity:]
	}
	c.mu.Unlock()

	c.emit(cr)
	return cr
}

// Recent returns up to n of the newest records, oldest first. n <= 0 returns all.
func (c *Cache) Recent(n int) []CachedRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.entries) {
		n = len(c.entries)
	}
	out := make([]CachedRecord, n)
	copy(out, c.entries[len(c.entries)-n:])
	return out
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every record.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = c.entries[:0]
	c.mu.Unlock()
}

// Events returns the channel of accepted records.
func (c *Cache) Events() <-chan CachedRecord {
	return c.eventsCh
}

// emit sends without blocking.
func (c *Cache) emit(cr CachedRecord) {
	select {
	case c.eventsCh <- cr:
	default:
	}
}

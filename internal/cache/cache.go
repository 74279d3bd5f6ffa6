// Package cache holds recently computed pipeline results keyed by a content
// fingerprint of the uploaded bytes.
package cache

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/dunamismax/cutout/internal/domain"
)

const DefaultCapacity = 20

// Fingerprint is a non-cryptographic 64-bit hash of raw upload bytes.
// Collisions are possible and accepted.
type Fingerprint uint64

func FingerprintOf(raw []byte) Fingerprint {
	return Fingerprint(xxhash.Sum64(raw))
}

func (f Fingerprint) String() string {
	return strconv.FormatUint(uint64(f), 16)
}

type Stats struct {
	Entries   int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is a count-bounded store that evicts in insertion order. Reads do not
// refresh an entry's position.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[Fingerprint]*domain.ProcessedResult
	order    []Fingerprint

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Fingerprint]*domain.ProcessedResult, capacity+1),
		order:    make([]Fingerprint, 0, capacity+1),
	}
}

func (c *Cache) Get(fp Fingerprint) (*domain.ProcessedResult, bool) {
	c.mu.Lock()
	res, ok := c.entries[fp]
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return res, ok
}

// Peek is Get without touching the hit and miss counters.
func (c *Cache) Peek(fp Fingerprint) (*domain.ProcessedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[fp]
	return res, ok
}

// Put stores res under fp. Replacing an existing key keeps its original
// insertion position.
func (c *Cache) Put(fp Fingerprint, res *domain.ProcessedResult) {
	if res == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[fp]; ok {
		c.entries[fp] = res
		return
	}

	c.entries[fp] = res
	c.order = append(c.order, fp)

	for len(c.entries) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		c.evictions.Add(1)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

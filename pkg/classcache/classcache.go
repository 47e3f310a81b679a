// Package classcache keeps a bounded, byte-budgeted cache of raw class
// files. One cache instance is shared by every safe-call evaluator the
// agent constructs, so a hot helper class is fetched from the runtime
// once rather than once per breakpoint evaluation.
package classcache

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
)

// Loader fetches the raw bytes of a class by fully qualified name
// ("example/Greeter"). Implemented by the runtime's class path.
type Loader interface {
	ClassBytes(name string) ([]byte, error)
}

// Cache is safe for concurrent use. When an insertion pushes the total
// size over the byte budget, the oldest entries are evicted first.
// Blobs larger than the whole budget are returned to the caller but
// never cached.
type Cache struct {
	loader Loader
	limit  int64

	mu      sync.Mutex
	entries map[string][]byte
	order   *queue.Queue // insertion order, oldest at the front
	size    int64
}

// New creates a cache bounded by limit bytes.
func New(loader Loader, limit int64) *Cache {
	return &Cache{
		loader:  loader,
		limit:   limit,
		entries: make(map[string][]byte),
		order:   queue.New(),
	}
}

// Get returns the raw class file for name, loading and caching it on
// first use. The returned slice is shared; callers must not modify it.
func (c *Cache) Get(name string) ([]byte, error) {
	c.mu.Lock()
	if data, ok := c.entries[name]; ok {
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	// Load outside the lock; class path reads may hit disk.
	data, err := c.loader.ClassBytes(name)
	if err != nil {
		return nil, fmt.Errorf("classcache: loading %s: %w", name, err)
	}

	if int64(len(data)) > c.limit {
		// Too large to ever fit; serve it uncached.
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have loaded the same class meanwhile.
	if existing, ok := c.entries[name]; ok {
		return existing, nil
	}

	c.entries[name] = data
	c.order.Add(name)
	c.size += int64(len(data))

	for c.size > c.limit && c.order.Length() > 0 {
		oldest := c.order.Remove().(string)
		c.size -= int64(len(c.entries[oldest]))
		delete(c.entries, oldest)
	}

	return data, nil
}

// Contains reports whether the class is currently cached.
func (c *Cache) Contains(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok
}

// Size returns the cached bytes currently held.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

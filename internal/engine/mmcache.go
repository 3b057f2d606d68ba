package engine

import (
	"container/list"
	"fmt"
	"sync"
)

const defaultMMCacheEntries = 256

// MMCache mirrors the front end's multi-modal input cache. The front end
// omits inputs it knows this side already holds; the engine fills them back in
// by hash. Entries are evicted least-recently-used.
type MMCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type mmEntry struct {
	hash  string
	input []byte
}

func NewMMCache(capacity int) *MMCache {
	if capacity <= 0 {
		capacity = defaultMMCacheEntries
	}
	return &MMCache{capacity: capacity, order: list.New(), entries: make(map[string]*list.Element)}
}

// Resolve returns inputs with every nil entry replaced by the cached input of
// the same hash, and caches every non-nil input.
func (c *MMCache) Resolve(inputs [][]byte, hashes []string) ([][]byte, error) {
	if len(inputs) != len(hashes) {
		return nil, fmt.Errorf("mm cache: %d inputs for %d hashes", len(inputs), len(hashes))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(inputs))
	for i, h := range hashes {
		if inputs[i] != nil {
			c.putLocked(h, inputs[i])
			out[i] = inputs[i]
			continue
		}
		el, ok := c.entries[h]
		if !ok {
			return nil, fmt.Errorf("mm cache: input for hash %s not cached", h)
		}
		c.order.MoveToFront(el)
		out[i] = el.Value.(*mmEntry).input
	}
	return out, nil
}

func (c *MMCache) putLocked(hash string, input []byte) {
	if el, ok := c.entries[hash]; ok {
		el.Value.(*mmEntry).input = input
		c.order.MoveToFront(el)
		return
	}
	c.entries[hash] = c.order.PushFront(&mmEntry{hash: hash, input: input})
	for c.order.Len() > c.capacity {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.entries, last.Value.(*mmEntry).hash)
	}
}

// Reset drops every entry.
func (c *MMCache) Reset() {
	c.mu.Lock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()
}

func (c *MMCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

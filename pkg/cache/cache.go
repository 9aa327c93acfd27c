package cache

import (
	"sync"

	"github.com/rattlesnake/gateway/pkg/proto"
)

// ScanCache stores triage responses keyed by content hash for the life of
// the process. One mutex covers the whole store and is only held for the map
// access. Entries are never evicted.
type ScanCache struct {
	mu      sync.Mutex
	entries map[string]*proto.Response
}

// New creates an empty cache
func New() *ScanCache {
	return &ScanCache{
		entries: make(map[string]*proto.Response),
	}
}

// Get returns the cached response for hash
func (c *ScanCache) Get(hash string) (*proto.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, ok := c.entries[hash]
	return resp, ok
}

// Put stores resp under hash. The last write for a hash wins.
func (c *ScanCache) Put(hash string, resp *proto.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[hash] = resp
}

// Len returns the number of cached responses
func (c *ScanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

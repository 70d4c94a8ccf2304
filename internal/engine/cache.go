package engine

import (
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ResponseCache holds successful responses for one scan, keyed by
// (identity, action, canonical params). No eviction; it lives as long as the
// scan. Concurrent misses on one key share a single invocation.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]any
	hits    int
	misses  int

	flight singleflight.Group
}

// NewResponseCache creates an empty cache.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{entries: make(map[string]any)}
}

// cacheKey builds the lookup key. encoding/json sorts map keys, which makes
// the params encoding canonical. Params that cannot be encoded are not
// cacheable.
func cacheKey(identity []string, action string, params map[string]any) (string, bool) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", false
	}
	var b strings.Builder
	b.WriteString(strings.Join(identity, "\x1f"))
	b.WriteByte('\x1e')
	b.WriteString(action)
	b.WriteByte('\x1e')
	b.Write(encoded)
	return b.String(), true
}

// Get returns the cached response for key.
func (c *ResponseCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Do returns the cached response for key, or runs fetch once for all
// concurrent callers of the same key. A successful fetch is stored. Callers
// that did not run fetch get a copy of its outcome marked Cached.
func (c *ResponseCache) Do(key string, fetch func() CallOutcome) CallOutcome {
	if resp, ok := c.Get(key); ok {
		return CallOutcome{Response: resp, Cached: true}
	}

	ran := false
	v, _, _ := c.flight.Do(key, func() (any, error) {
		// A fetch may have completed between Get and Do.
		if resp, ok := c.lookup(key); ok {
			return CallOutcome{Response: resp, Cached: true}, nil
		}
		ran = true
		out := fetch()
		if out.OK() {
			c.Put(key, out.Response)
		}
		return out, nil
	})
	out := v.(CallOutcome)
	if ran {
		return out
	}

	c.mu.Lock()
	c.hits++
	c.misses--
	c.mu.Unlock()
	out.Cached = true
	out.Attempts = 0
	if out.Err != nil {
		shared := *out.Err
		out.Err = &shared
	}
	return out
}

// lookup reads an entry without touching the hit and miss counts.
func (c *ResponseCache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores a successful response.
func (c *ResponseCache) Put(key string, response any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = response
}

// Stats returns hit and miss counts.
func (c *ResponseCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached responses.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

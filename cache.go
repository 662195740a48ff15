package datascope

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

// Default cache tuning. Decisions stay valid for five minutes; the background
// sweep that clears abandoned entries runs every thirty.
const (
	DefaultDecisionCacheTTL = 5 * time.Minute
	DefaultSweepInterval    = 30 * time.Minute
)

// Clock abstracts wall time for the cache and the evaluator's date checks so
// TTL behavior is testable without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// DecisionKey is used as the decision cache key to avoid string allocations
// on the hot path. FilterSig is the canonical signature of the caller's
// request filters.
type DecisionKey struct {
	Subject   string
	Account   string
	DataType  string
	Action    Action
	FilterSig string
}

// Signature renders the key as a single string for backends that cannot key
// on structs.
func (k DecisionKey) Signature() string {
	return k.Subject + "\x1f" + k.Account + "\x1f" + k.DataType + "\x1f" + string(k.Action) + "\x1f" + k.FilterSig
}

// CacheStats carries monotonic traffic counters. Expired counts entries
// dropped by Get after their TTL; Swept counts entries removed by background
// sweeps.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"`
	Swept   uint64 `json:"swept"`
}

// DecisionCache stores immutable check results. Implementations must be safe
// for concurrent use and must never return an entry past its TTL, whether or
// not a sweep has run.
type DecisionCache interface {
	Get(key DecisionKey) (*PermissionCheckResult, bool)
	Put(key DecisionKey, result *PermissionCheckResult)
	Sweep() int
	Flush()
	SetTTL(ttl time.Duration)
	Stats() CacheStats
	Close()
}

type decisionCacheEntry struct {
	result    *PermissionCheckResult
	expiresAt time.Time
}

// MemoryDecisionCache is the default backend: a mutex-guarded map with lazy
// expiry on read and periodic sweeps driven by the engine.
type MemoryDecisionCache struct {
	mu      sync.RWMutex
	entries map[DecisionKey]*decisionCacheEntry
	ttl     time.Duration
	clock   Clock

	hits    atomic.Uint64
	misses  atomic.Uint64
	expired atomic.Uint64
	swept   atomic.Uint64
}

func NewMemoryDecisionCache(ttl time.Duration, clock Clock) *MemoryDecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionCacheTTL
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryDecisionCache{
		entries: make(map[DecisionKey]*decisionCacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *MemoryDecisionCache) Get(key DecisionKey) (*PermissionCheckResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.result, true
}

func (c *MemoryDecisionCache) Put(key DecisionKey, result *PermissionCheckResult) {
	// store a copy so later mutation of the caller's value cannot leak into
	// cached decisions
	entry := &decisionCacheEntry{result: result.Clone(), expiresAt: c.clock.Now().Add(c.currentTTL())}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *MemoryDecisionCache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	removed := 0
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	c.swept.Add(uint64(removed))
	return removed
}

func (c *MemoryDecisionCache) Flush() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func (c *MemoryDecisionCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *MemoryDecisionCache) currentTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

func (c *MemoryDecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryDecisionCache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
		Swept:   c.swept.Load(),
	}
}

func (c *MemoryDecisionCache) Close() {}

// RistrettoDecisionCache backs the decision cache with dgraph's ristretto.
// Entries carry the TTL natively and eviction is handled by the cache, so
// Sweep is a no-op. Writes are buffered; call Wait before reading your own
// writes in tests.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache
	ttl   atomic.Int64
}

func NewRistrettoDecisionCache(ttl time.Duration, numCounters, maxCost, bufferItems int64) (*RistrettoDecisionCache, error) {
	if ttl <= 0 {
		ttl = DefaultDecisionCacheTTL
	}
	if numCounters <= 0 {
		numCounters = 1 << 16
	}
	if maxCost <= 0 {
		maxCost = 1 << 22
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	rc := &RistrettoDecisionCache{cache: cache}
	rc.ttl.Store(int64(ttl))
	return rc, nil
}

func (c *RistrettoDecisionCache) Get(key DecisionKey) (*PermissionCheckResult, bool) {
	v, ok := c.cache.Get(key.Signature())
	if !ok {
		return nil, false
	}
	result, ok := v.(*PermissionCheckResult)
	return result, ok
}

func (c *RistrettoDecisionCache) Put(key DecisionKey, result *PermissionCheckResult) {
	ttl := time.Duration(c.ttl.Load())
	c.cache.SetWithTTL(key.Signature(), result.Clone(), 1, ttl)
}

func (c *RistrettoDecisionCache) Sweep() int { return 0 }

func (c *RistrettoDecisionCache) Flush() { c.cache.Clear() }

func (c *RistrettoDecisionCache) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl.Store(int64(ttl))
	}
}

func (c *RistrettoDecisionCache) Stats() CacheStats {
	m := c.cache.Metrics
	return CacheStats{Hits: m.Hits(), Misses: m.Misses()}
}

func (c *RistrettoDecisionCache) Close() { c.cache.Close() }

// Wait flushes ristretto's write buffers.
func (c *RistrettoDecisionCache) Wait() { c.cache.Wait() }

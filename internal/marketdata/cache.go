// Package marketdata provides a thread-safe TTL+LRU cache in front of a
// market data provider, grounded on
// original_source/packages/market_data/__init__.py's MarketDataCache and
// CachedMarketDataProvider: separate TTLs for snapshots (short) and bars
// (longer), eviction on a shared access-order queue once max_cache_size
// is exceeded. Bar cache keys are hashed with lukechampine.com/blake3
// instead of the Python f-string key, since (instrument, timeframe,
// start, end) tuples can get long and a fixed-width key keeps the
// eviction queue's bookkeeping cheap.
package marketdata

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
)

// Bar is one OHLCV bar for a timeframe.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Provider is the underlying (uncached) market data source — typically
// a broker.Broker adapter.
type Provider interface {
	GetSnapshot(instrument broker.Instrument) (broker.MarketSnapshot, error)
	GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly bool) ([]Bar, error)
}

type cacheKind int

const (
	kindSnapshot cacheKind = iota
	kindBars
)

type entryKey struct {
	kind cacheKind
	key  string
}

type cachedSnapshot struct {
	data     broker.MarketSnapshot
	cachedAt time.Time
	ttl      time.Duration
}

func (c cachedSnapshot) stale(now time.Time) bool { return now.Sub(c.cachedAt) > c.ttl }

type cachedBars struct {
	data     []Bar
	cachedAt time.Time
	ttl      time.Duration
}

func (c cachedBars) stale(now time.Time) bool { return now.Sub(c.cachedAt) > c.ttl }

// Cache is a thread-safe market data cache with separate snapshot/bars
// TTLs and shared LRU eviction across both.
type Cache struct {
	snapshotTTL time.Duration
	barsTTL     time.Duration
	maxSize     int

	mu        sync.Mutex
	snapshots map[string]cachedSnapshot
	bars      map[string]cachedBars
	order     *list.List // front = least recently used
	elems     map[entryKey]*list.Element
}

// NewCache constructs a Cache. Zero values fall back to the default
// defaults: 5s snapshot TTL, 300s bars TTL, 1000 max entries.
func NewCache(snapshotTTL, barsTTL time.Duration, maxSize int) *Cache {
	if snapshotTTL <= 0 {
		snapshotTTL = 5 * time.Second
	}
	if barsTTL <= 0 {
		barsTTL = 300 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		snapshotTTL: snapshotTTL,
		barsTTL:     barsTTL,
		maxSize:     maxSize,
		snapshots:   make(map[string]cachedSnapshot),
		bars:        make(map[string]cachedBars),
		order:       list.New(),
		elems:       make(map[entryKey]*list.Element),
	}
}

func snapshotKey(instrument string) string { return instrument }

// BarsKey hashes the (instrument, timeframe, start, end) tuple with
// blake3 to a fixed-width cache key.
func BarsKey(instrument, timeframe string, start, end time.Time) string {
	h := blake3.New(16, nil)
	fmt.Fprintf(h, "%s:%s:%d:%d", instrument, timeframe, start.UnixNano(), end.UnixNano())
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c *Cache) touch(k entryKey) {
	if e, ok := c.elems[k]; ok {
		c.order.MoveToBack(e)
		return
	}
	c.elems[k] = c.order.PushBack(k)
}

// GetSnapshot returns a cached snapshot if present and fresh.
func (c *Cache) GetSnapshot(instrument string, now time.Time) (broker.MarketSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := snapshotKey(instrument)
	cached, ok := c.snapshots[k]
	if !ok {
		return broker.MarketSnapshot{}, false
	}
	if cached.stale(now) {
		delete(c.snapshots, k)
		c.removeOrder(entryKey{kindSnapshot, k})
		return broker.MarketSnapshot{}, false
	}
	c.touch(entryKey{kindSnapshot, k})
	return cached.data, true
}

// SetSnapshot caches a snapshot, evicting LRU entries if over capacity.
func (c *Cache) SetSnapshot(instrument string, snapshot broker.MarketSnapshot, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := snapshotKey(instrument)
	c.snapshots[k] = cachedSnapshot{data: snapshot, cachedAt: now, ttl: c.snapshotTTL}
	c.touch(entryKey{kindSnapshot, k})
	c.evictIfNeeded()
}

// GetBars returns cached bars for a key if present and fresh.
func (c *Cache) GetBars(key string, now time.Time) ([]Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.bars[key]
	if !ok {
		return nil, false
	}
	if cached.stale(now) {
		delete(c.bars, key)
		c.removeOrder(entryKey{kindBars, key})
		return nil, false
	}
	c.touch(entryKey{kindBars, key})
	return cached.data, true
}

// SetBars caches bars under key, evicting LRU entries if over capacity.
func (c *Cache) SetBars(key string, bars []Bar, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bars[key] = cachedBars{data: bars, cachedAt: now, ttl: c.barsTTL}
	c.touch(entryKey{kindBars, key})
	c.evictIfNeeded()
}

func (c *Cache) removeOrder(k entryKey) {
	if e, ok := c.elems[k]; ok {
		c.order.Remove(e)
		delete(c.elems, k)
	}
}

func (c *Cache) evictIfNeeded() {
	total := len(c.snapshots) + len(c.bars)
	for total > c.maxSize {
		front := c.order.Front()
		if front == nil {
			return
		}
		k := front.Value.(entryKey)
		c.order.Remove(front)
		delete(c.elems, k)
		switch k.kind {
		case kindSnapshot:
			if _, ok := c.snapshots[k.key]; ok {
				delete(c.snapshots, k.key)
				total--
			}
		case kindBars:
			if _, ok := c.bars[k.key]; ok {
				delete(c.bars, k.key)
				total--
			}
		}
	}
}

// Clear drops all cached entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = make(map[string]cachedSnapshot)
	c.bars = make(map[string]cachedBars)
	c.order = list.New()
	c.elems = make(map[entryKey]*list.Element)
}

// Stats reports current cache occupancy.
type Stats struct {
	SnapshotCount int
	BarsCount     int
	TotalSize     int
	MaxSize       int
}

// Stats returns current cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		SnapshotCount: len(c.snapshots),
		BarsCount:     len(c.bars),
		TotalSize:     len(c.snapshots) + len(c.bars),
		MaxSize:       c.maxSize,
	}
}

// CachedProvider wraps a Provider with transparent caching.
type CachedProvider struct {
	provider Provider
	cache    *Cache
	now      func() time.Time
}

// NewCachedProvider wraps provider with cache (or a default Cache if nil).
func NewCachedProvider(provider Provider, cache *Cache, now func() time.Time) *CachedProvider {
	if cache == nil {
		cache = NewCache(0, 0, 0)
	}
	if now == nil {
		now = time.Now
	}
	return &CachedProvider{provider: provider, cache: cache, now: now}
}

// GetSnapshot returns a cached snapshot when fresh, otherwise fetches
// and populates the cache.
func (p *CachedProvider) GetSnapshot(instrument broker.Instrument, useCache bool) (broker.MarketSnapshot, error) {
	now := p.now()
	if useCache {
		if cached, ok := p.cache.GetSnapshot(instrument.Symbol, now); ok {
			return cached, nil
		}
	}
	snap, err := p.provider.GetSnapshot(instrument)
	if err != nil {
		return broker.MarketSnapshot{}, err
	}
	if useCache {
		p.cache.SetSnapshot(instrument.Symbol, snap, now)
	}
	return snap, nil
}

// GetBars returns cached bars when fresh, otherwise fetches and
// populates the cache.
func (p *CachedProvider) GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly, useCache bool) ([]Bar, error) {
	now := p.now()
	key := BarsKey(instrument.Symbol, timeframe, start, end)
	if useCache {
		if cached, ok := p.cache.GetBars(key, now); ok {
			return cached, nil
		}
	}
	bars, err := p.provider.GetBars(instrument, timeframe, start, end, limit, rthOnly)
	if err != nil {
		return nil, err
	}
	if useCache {
		p.cache.SetBars(key, bars, now)
	}
	return bars, nil
}

package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
)

type fakeProvider struct {
	snapshotCalls int
	barsCalls     int
	snapshot      broker.MarketSnapshot
	bars          []Bar
	err           error
}

func (f *fakeProvider) GetSnapshot(instrument broker.Instrument) (broker.MarketSnapshot, error) {
	f.snapshotCalls++
	return f.snapshot, f.err
}

func (f *fakeProvider) GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly bool) ([]Bar, error) {
	f.barsCalls++
	return f.bars, f.err
}

func TestCacheSnapshotTTLExpiry(t *testing.T) {
	c := NewCache(time.Second, time.Minute, 10)
	now := time.Now()
	c.SetSnapshot("AAPL", broker.MarketSnapshot{Last: 100}, now)

	got, ok := c.GetSnapshot("AAPL", now.Add(500*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 100.0, got.Last)

	_, ok = c.GetSnapshot("AAPL", now.Add(2*time.Second))
	assert.False(t, ok, "entry older than TTL should be evicted on read")
}

func TestCacheBarsTTLExpiry(t *testing.T) {
	c := NewCache(time.Second, time.Minute, 10)
	now := time.Now()
	key := BarsKey("AAPL", "1d", now, now)
	c.SetBars(key, []Bar{{Close: 100}}, now)

	_, ok := c.GetBars(key, now.Add(30*time.Second))
	assert.True(t, ok)

	_, ok = c.GetBars(key, now.Add(2*time.Minute))
	assert.False(t, ok)
}

func TestCacheLRUEvictionAtCapacity(t *testing.T) {
	c := NewCache(time.Hour, time.Hour, 2)
	now := time.Now()
	c.SetSnapshot("AAPL", broker.MarketSnapshot{Last: 1}, now)
	c.SetSnapshot("MSFT", broker.MarketSnapshot{Last: 2}, now)
	// touch AAPL so MSFT becomes the least recently used entry.
	c.GetSnapshot("AAPL", now)
	c.SetSnapshot("GME", broker.MarketSnapshot{Last: 3}, now)

	_, ok := c.GetSnapshot("MSFT", now)
	assert.False(t, ok, "least recently used entry should be evicted over capacity")

	_, ok = c.GetSnapshot("AAPL", now)
	assert.True(t, ok)
	_, ok = c.GetSnapshot("GME", now)
	assert.True(t, ok)
}

func TestCacheClear(t *testing.T) {
	c := NewCache(time.Hour, time.Hour, 10)
	now := time.Now()
	c.SetSnapshot("AAPL", broker.MarketSnapshot{Last: 1}, now)
	c.Clear()
	stats := c.Stats()
	assert.Equal(t, 0, stats.TotalSize)
}

func TestBarsKeyIsStableAndDistinct(t *testing.T) {
	now := time.Now()
	k1 := BarsKey("AAPL", "1d", now, now)
	k2 := BarsKey("AAPL", "1d", now, now)
	k3 := BarsKey("AAPL", "1h", now, now)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestCachedProviderGetSnapshotPopulatesCache(t *testing.T) {
	fp := &fakeProvider{snapshot: broker.MarketSnapshot{Last: 123}}
	cp := NewCachedProvider(fp, nil, func() time.Time { return time.Now() })

	inst := broker.Instrument{Symbol: "AAPL"}
	s1, err := cp.GetSnapshot(inst, true)
	require.NoError(t, err)
	assert.Equal(t, 123.0, s1.Last)

	s2, err := cp.GetSnapshot(inst, true)
	require.NoError(t, err)
	assert.Equal(t, 123.0, s2.Last)
	assert.Equal(t, 1, fp.snapshotCalls, "second call should be served from cache")
}

func TestCachedProviderGetSnapshotBypassesCacheWhenDisabled(t *testing.T) {
	fp := &fakeProvider{snapshot: broker.MarketSnapshot{Last: 123}}
	cp := NewCachedProvider(fp, nil, nil)
	inst := broker.Instrument{Symbol: "AAPL"}

	_, err := cp.GetSnapshot(inst, false)
	require.NoError(t, err)
	_, err = cp.GetSnapshot(inst, false)
	require.NoError(t, err)
	assert.Equal(t, 2, fp.snapshotCalls)
}

func TestCachedProviderGetBarsCachesByKey(t *testing.T) {
	fp := &fakeProvider{bars: []Bar{{Close: 100}}}
	cp := NewCachedProvider(fp, nil, nil)
	inst := broker.Instrument{Symbol: "AAPL"}
	now := time.Now()

	_, err := cp.GetBars(inst, "1d", now, now, 10, true, true)
	require.NoError(t, err)
	_, err = cp.GetBars(inst, "1d", now, now, 10, true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, fp.barsCalls)
}

func TestCachedProviderPropagatesProviderError(t *testing.T) {
	fp := &fakeProvider{err: assertErr{"feed down"}}
	cp := NewCachedProvider(fp, nil, nil)
	_, err := cp.GetSnapshot(broker.Instrument{Symbol: "AAPL"}, true)
	assert.Error(t, err)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

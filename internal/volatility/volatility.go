// Package volatility computes realized volatility from bar history and
// layers primary+fallback providers behind a TTL cache,
// grounded on original_source/packages/volatility_provider/{provider,
// historical,service}.py.
package volatility

import (
	"math"
	"sync"
	"time"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/marketdata"
)

// Data is the volatility snapshot for one symbol.
type Data struct {
	Symbol             string
	Timestamp          time.Time
	RealizedVolatility *float64
	ImpliedVolatility  *float64
	Beta               *float64
	MarketVolatility   *float64
	LookbackDays       int
	Source             string
}

// EffectiveVolatility picks the best available estimate: realized,
// then implied, then beta-adjusted market volatility.
func (d Data) EffectiveVolatility() (float64, bool) {
	if d.RealizedVolatility != nil {
		return *d.RealizedVolatility, true
	}
	if d.ImpliedVolatility != nil {
		return *d.ImpliedVolatility, true
	}
	if d.Beta != nil && d.MarketVolatility != nil {
		return *d.Beta * *d.MarketVolatility, true
	}
	return 0, false
}

// Provider supplies volatility data for a symbol.
type Provider interface {
	GetVolatility(symbol string, lookbackDays int) (*Data, error)
	GetMarketVolatility() (*float64, error)
}

// BarSource fetches historical daily bars for realized-vol computation.
type BarSource interface {
	GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly bool) ([]marketdata.Bar, error)
}

// HistoricalProvider computes realized volatility from daily bars:
// log returns, sample standard deviation, annualized by
// sqrt(annualizationFactor).
type HistoricalProvider struct {
	bars                BarSource
	annualizationFactor int
	now                 func() time.Time
}

// NewHistoricalProvider constructs a HistoricalProvider. 0 selects the
// standard 252-trading-day annualization factor.
func NewHistoricalProvider(bars BarSource, annualizationFactor int, now func() time.Time) *HistoricalProvider {
	if annualizationFactor <= 0 {
		annualizationFactor = 252
	}
	if now == nil {
		now = time.Now
	}
	return &HistoricalProvider{bars: bars, annualizationFactor: annualizationFactor, now: now}
}

// GetVolatility computes realized volatility over lookbackDays of daily
// bars. Returns nil (no error) when there is insufficient data — this
// mirrors the original's "failed calculation is not a failed call"
// contract, not an error condition.
func (p *HistoricalProvider) GetVolatility(symbol string, lookbackDays int) (*Data, error) {
	now := p.now()
	start := now.AddDate(0, 0, -(lookbackDays + 5))

	bars, err := p.bars.GetBars(broker.Instrument{Symbol: symbol}, "1d", start, now, lookbackDays+5, true)
	if err != nil {
		return nil, nil
	}
	if len(bars) < 2 {
		return nil, nil
	}

	var logReturns []float64
	for i := 1; i < len(bars); i++ {
		prev, curr := bars[i-1].Close, bars[i].Close
		if prev > 0 && curr > 0 {
			logReturns = append(logReturns, math.Log(curr/prev))
		}
	}
	if len(logReturns) < 2 {
		return nil, nil
	}

	var sum float64
	for _, r := range logReturns {
		sum += r
	}
	mean := sum / float64(len(logReturns))

	var sumSq float64
	for _, r := range logReturns {
		d := r - mean
		sumSq += d * d
	}
	variance := sumSq / float64(len(logReturns)-1)
	stdDev := math.Sqrt(variance)

	realizedVol := stdDev * math.Sqrt(float64(p.annualizationFactor))

	return &Data{
		Symbol:             symbol,
		Timestamp:          now,
		RealizedVolatility: &realizedVol,
		LookbackDays:       len(logReturns),
		Source:             "historical",
	}, nil
}

// GetMarketVolatility is unimplemented for the historical provider: it
// needs an index/VIX-equivalent feed the bar history alone can't give.
func (p *HistoricalProvider) GetMarketVolatility() (*float64, error) {
	return nil, nil
}

// MockProvider returns fixed volatility values, for tests and as a
// last-resort fallback when no live data source is configured.
type MockProvider struct {
	FixedRealizedVol float64
	FixedMarketVol   float64
	now              func() time.Time
}

// NewMockProvider constructs a MockProvider with fixed values.
func NewMockProvider(fixedRealizedVol, fixedMarketVol float64, now func() time.Time) *MockProvider {
	if now == nil {
		now = time.Now
	}
	return &MockProvider{FixedRealizedVol: fixedRealizedVol, FixedMarketVol: fixedMarketVol, now: now}
}

// GetVolatility always returns the configured fixed value.
func (p *MockProvider) GetVolatility(symbol string, lookbackDays int) (*Data, error) {
	vol := p.FixedRealizedVol
	return &Data{
		Symbol:             symbol,
		Timestamp:          p.now(),
		RealizedVolatility: &vol,
		LookbackDays:       lookbackDays,
		Source:             "mock",
	}, nil
}

// GetMarketVolatility always returns the configured fixed value.
func (p *MockProvider) GetMarketVolatility() (*float64, error) {
	vol := p.FixedMarketVol
	return &vol, nil
}

type cachedVolatility struct {
	data     Data
	cachedAt time.Time
	ttl      time.Duration
}

func (c cachedVolatility) stale(now time.Time) bool { return now.Sub(c.cachedAt) > c.ttl }

// Service layers a primary provider with an optional fallback behind a
// per-symbol TTL cache; fallback results are cached for half the
// primary's TTL, since a degraded-source reading should refresh sooner.
type Service struct {
	primary  Provider
	fallback Provider
	cacheTTL time.Duration
	now      func() time.Time

	mu               sync.Mutex
	cache            map[string]cachedVolatility
	cacheHits        int
	cacheMisses      int
	primarySuccesses int
	fallbackUses     int
}

// NewService constructs a Service. 0 selects the default 1-hour
// default cache TTL.
func NewService(primary, fallback Provider, cacheTTL time.Duration, now func() time.Time) *Service {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		cacheTTL: cacheTTL,
		now:      now,
		cache:    make(map[string]cachedVolatility),
	}
}

// GetVolatility returns cached data if fresh, else tries the primary
// provider, then the fallback, returning nil if both fail or abstain.
func (s *Service) GetVolatility(symbol string, lookbackDays int, useCache bool) *Data {
	now := s.now()

	if useCache {
		s.mu.Lock()
		cached, ok := s.cache[symbol]
		if ok && !cached.stale(now) {
			s.cacheHits++
			s.mu.Unlock()
			return &cached.data
		}
		s.cacheMisses++
		s.mu.Unlock()
	}

	if data, err := s.primary.GetVolatility(symbol, lookbackDays); err == nil && data != nil {
		s.mu.Lock()
		s.primarySuccesses++
		if useCache {
			s.cache[symbol] = cachedVolatility{data: *data, cachedAt: now, ttl: s.cacheTTL}
		}
		s.mu.Unlock()
		return data
	}

	if s.fallback != nil {
		if data, err := s.fallback.GetVolatility(symbol, lookbackDays); err == nil && data != nil {
			s.mu.Lock()
			s.fallbackUses++
			if useCache {
				s.cache[symbol] = cachedVolatility{data: *data, cachedAt: now, ttl: s.cacheTTL / 2}
			}
			s.mu.Unlock()
			return data
		}
	}

	return nil
}

// GetMarketVolatility tries the primary provider, then the fallback.
func (s *Service) GetMarketVolatility() *float64 {
	if vol, err := s.primary.GetMarketVolatility(); err == nil && vol != nil {
		return vol
	}
	if s.fallback != nil {
		if vol, err := s.fallback.GetMarketVolatility(); err == nil && vol != nil {
			return vol
		}
	}
	return nil
}

// ClearCache drops all cached volatility data.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedVolatility)
}

// CacheStats reports hit/miss and provider-usage counters.
type CacheStats struct {
	CacheHits        int
	CacheMisses      int
	HitRatePct       float64
	CachedSymbols    int
	PrimarySuccesses int
	FallbackUses     int
}

// CacheStats returns current counters.
func (s *Service) CacheStats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.cacheHits + s.cacheMisses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.cacheHits) / float64(total) * 100
	}
	return CacheStats{
		CacheHits:        s.cacheHits,
		CacheMisses:      s.cacheMisses,
		HitRatePct:       hitRate,
		CachedSymbols:    len(s.cache),
		PrimarySuccesses: s.primarySuccesses,
		FallbackUses:     s.fallbackUses,
	}
}

package instrument

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
)

type fakeDataProvider struct {
	searchResults   []Candidate
	resolveContract broker.Instrument
	resolveErr      error
	byConID         map[int64]broker.Instrument
}

func (f fakeDataProvider) SearchInstruments(query, secType, exchange, currency string, limit int) []Candidate {
	return f.searchResults
}

func (f fakeDataProvider) ResolveInstrument(symbol, secType, exchange, currency string) (broker.Instrument, error) {
	return f.resolveContract, f.resolveErr
}

func (f fakeDataProvider) GetContractByID(conID int64) (broker.Instrument, bool) {
	inst, ok := f.byConID[conID]
	return inst, ok
}

func TestResolveByExplicitConID(t *testing.T) {
	provider := fakeDataProvider{byConID: map[int64]broker.Instrument{42: {ConID: 42, Symbol: "AAPL"}}}
	r := NewResolver(provider)

	resp, err := r.Resolve(ResolveRequest{ConID: 42})
	require.NoError(t, err)
	assert.Equal(t, "explicit_con_id", resp.ResolutionMethod)
	assert.Equal(t, "AAPL", resp.Contract.Symbol)
}

func TestResolveByExplicitConIDNotFound(t *testing.T) {
	provider := fakeDataProvider{byConID: map[int64]broker.Instrument{}}
	r := NewResolver(provider)

	_, err := r.Resolve(ResolveRequest{ConID: 99})
	require.Error(t, err)
	var resErr *ResolutionError
	assert.ErrorAs(t, err, &resErr)
}

func TestResolveExactMatch(t *testing.T) {
	provider := fakeDataProvider{resolveContract: broker.Instrument{ConID: 1, Symbol: "AAPL"}}
	r := NewResolver(provider)

	resp, err := r.Resolve(ResolveRequest{Symbol: "AAPL", SecType: "STK"})
	require.NoError(t, err)
	assert.Equal(t, "exact_match", resp.ResolutionMethod)
}

func TestResolveInferredWhenNoSecTypeGiven(t *testing.T) {
	provider := fakeDataProvider{resolveContract: broker.Instrument{ConID: 1, Symbol: "AAPL"}}
	r := NewResolver(provider)

	resp, err := r.Resolve(ResolveRequest{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, "inferred", resp.ResolutionMethod)
}

func TestResolveNoMatchesReturnsError(t *testing.T) {
	provider := fakeDataProvider{resolveErr: errors.New("not found")}
	r := NewResolver(provider)

	_, err := r.Resolve(ResolveRequest{Symbol: "ZZZZ"})
	require.Error(t, err)
	var resErr *ResolutionError
	assert.ErrorAs(t, err, &resErr)
}

func TestResolveSingleHighConfidenceMatch(t *testing.T) {
	provider := fakeDataProvider{
		resolveErr: errors.New("no exact match"),
		searchResults: []Candidate{
			{ConID: 7, Symbol: "AAPL", MatchScore: 0.98},
		},
		byConID: map[int64]broker.Instrument{7: {ConID: 7, Symbol: "AAPL"}},
	}
	r := NewResolver(provider)

	resp, err := r.Resolve(ResolveRequest{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, "single_high_confidence", resp.ResolutionMethod)
	assert.False(t, resp.Ambiguous)
}

func TestResolveAmbiguousReturnsAlternatives(t *testing.T) {
	provider := fakeDataProvider{
		resolveErr: errors.New("no exact match"),
		searchResults: []Candidate{
			{ConID: 1, Symbol: "AAPL", MatchScore: 0.7},
			{ConID: 2, Symbol: "AAPD", MatchScore: 0.6},
			{ConID: 3, Symbol: "AAPB", MatchScore: 0.5},
		},
		byConID: map[int64]broker.Instrument{1: {ConID: 1, Symbol: "AAPL"}},
	}
	r := NewResolver(provider)

	resp, err := r.Resolve(ResolveRequest{Symbol: "AAP"})
	require.NoError(t, err)
	assert.True(t, resp.Ambiguous)
	assert.Equal(t, "best_match_ambiguous", resp.ResolutionMethod)
	assert.Len(t, resp.Alternatives, 2)
}

func TestSearchAppliesFilters(t *testing.T) {
	provider := fakeDataProvider{searchResults: []Candidate{{Symbol: "AAPL"}}}
	r := NewResolver(provider)

	resp := r.Search(SearchRequest{Query: "AAPL", SecType: "STK", Exchange: "SMART"})
	assert.Equal(t, 1, resp.TotalFound)
	assert.Equal(t, "STK", resp.FiltersApplied["sec_type"])
	assert.Equal(t, "SMART", resp.FiltersApplied["exchange"])
	assert.NotContains(t, resp.FiltersApplied, "currency")
}

func TestCalculateMatchScoreExactMatch(t *testing.T) {
	assert.Equal(t, 1.0, CalculateMatchScore("aapl", "AAPL", "Apple Inc"))
}

func TestCalculateMatchScorePrefixMatch(t *testing.T) {
	assert.Equal(t, 0.9, CalculateMatchScore("AAP", "AAPL", ""))
}

func TestCalculateMatchScoreNameWordPrefix(t *testing.T) {
	score := CalculateMatchScore("APPLE", "AAPL", "Apple Inc")
	assert.GreaterOrEqual(t, score, 0.85)
}

func TestCalculateMatchScoreFuzzyFallback(t *testing.T) {
	score := CalculateMatchScore("MSFT", "AAPL", "Apple Inc")
	assert.Less(t, score, 0.5)
}

func TestSequenceRatioIdenticalIsOne(t *testing.T) {
	assert.Equal(t, 1.0, sequenceRatio("AAPL", "AAPL"))
}

func TestSequenceRatioEmptyStrings(t *testing.T) {
	assert.Equal(t, 1.0, sequenceRatio("", ""))
	assert.Equal(t, 0.0, sequenceRatio("A", ""))
}

func TestLongestCommonSubsequence(t *testing.T) {
	assert.Equal(t, 4, longestCommonSubsequence("AAPL", "AAPL"))
	assert.Equal(t, 2, longestCommonSubsequence("AAPL", "APXX"))
	assert.Equal(t, 0, longestCommonSubsequence("AAPL", "ZZZZ"))
}

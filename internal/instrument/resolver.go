// Package instrument resolves user-provided symbols to concrete broker
// contracts: fuzzy search, type/exchange/currency
// disambiguation, and confidence scoring, grounded on
// original_source/packages/instrument_resolver/__init__.py. Case folding
// for symbol comparison uses golang.org/x/text/cases, Unicode-aware,
// instead of strings.ToUpper.
package instrument

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
)

var upper = cases.Upper(language.Und)

// Candidate is one fuzzy-search hit.
type Candidate struct {
	ConID      int64
	Symbol     string
	Name       string
	SecType    string
	Exchange   string
	Currency   string
	MatchScore float64
}

// SearchRequest filters and bounds a fuzzy search.
type SearchRequest struct {
	Query    string
	SecType  string
	Exchange string
	Currency string
	Limit    int
}

// SearchResponse is the ranked result of a fuzzy search.
type SearchResponse struct {
	Query          string
	Candidates     []Candidate
	TotalFound     int
	FiltersApplied map[string]string
}

// ResolveRequest asks for a single contract, optionally by exact conId.
type ResolveRequest struct {
	ConID    int64
	Symbol   string
	SecType  string
	Exchange string
	Currency string
}

// ResolveResponse is the outcome of a resolve call.
type ResolveResponse struct {
	Contract         broker.Instrument
	Ambiguous        bool
	Alternatives     []Candidate
	ResolutionMethod string
}

// ResolutionError is returned when a symbol cannot be resolved.
type ResolutionError struct {
	Message    string
	Candidates []Candidate
}

func (e *ResolutionError) Error() string { return e.Message }

// DataProvider is the local/remote instrument catalog a Resolver
// delegates to — typically the sqlite-backed Cache in this package.
type DataProvider interface {
	SearchInstruments(query, secType, exchange, currency string, limit int) []Candidate
	ResolveInstrument(symbol, secType, exchange, currency string) (broker.Instrument, error)
	GetContractByID(conID int64) (broker.Instrument, bool)
}

// Resolver performs fuzzy search and smart resolution against a
// DataProvider.
type Resolver struct {
	provider DataProvider
}

// NewResolver constructs a Resolver bound to a catalog.
func NewResolver(provider DataProvider) *Resolver {
	return &Resolver{provider: provider}
}

// Search delegates to the provider and reports which filters were applied.
func (r *Resolver) Search(req SearchRequest) SearchResponse {
	candidates := r.provider.SearchInstruments(req.Query, req.SecType, req.Exchange, req.Currency, req.Limit)

	filters := map[string]string{}
	if req.SecType != "" {
		filters["sec_type"] = req.SecType
	}
	if req.Exchange != "" {
		filters["exchange"] = req.Exchange
	}
	if req.Currency != "" {
		filters["currency"] = req.Currency
	}

	return SearchResponse{
		Query:          req.Query,
		Candidates:     candidates,
		TotalFound:     len(candidates),
		FiltersApplied: filters,
	}
}

// Resolve converts a user-provided symbol (or explicit conId) into a
// concrete contract, falling back to fuzzy search and ambiguity
// detection when an exact match fails.
func (r *Resolver) Resolve(req ResolveRequest) (ResolveResponse, error) {
	if req.ConID != 0 {
		inst, ok := r.provider.GetContractByID(req.ConID)
		if !ok {
			return ResolveResponse{}, &ResolutionError{Message: fmt.Sprintf("Contract with conId %d not found", req.ConID)}
		}
		return ResolveResponse{Contract: inst, ResolutionMethod: "explicit_con_id"}, nil
	}

	inst, err := r.provider.ResolveInstrument(req.Symbol, req.SecType, req.Exchange, req.Currency)
	if err == nil {
		method := "inferred"
		if req.SecType != "" {
			method = "exact_match"
		}
		return ResolveResponse{Contract: inst, ResolutionMethod: method}, nil
	}

	candidates := r.provider.SearchInstruments(req.Symbol, req.SecType, req.Exchange, req.Currency, 10)
	if len(candidates) == 0 {
		return ResolveResponse{}, &ResolutionError{Message: fmt.Sprintf("No instruments found matching '%s'", req.Symbol)}
	}

	if len(candidates) == 1 && candidates[0].MatchScore >= 0.95 {
		if contract, ok := r.provider.GetContractByID(candidates[0].ConID); ok {
			return ResolveResponse{Contract: contract, ResolutionMethod: "single_high_confidence"}, nil
		}
	}

	best := candidates[0]
	contract, ok := r.provider.GetContractByID(best.ConID)
	if !ok {
		return ResolveResponse{}, &ResolutionError{
			Message:    fmt.Sprintf("Ambiguous symbol '%s' - %d matches found", req.Symbol, len(candidates)),
			Candidates: candidates,
		}
	}

	alts := candidates[1:]
	if len(alts) > 4 {
		alts = alts[:4]
	}
	return ResolveResponse{
		Contract:         contract,
		Ambiguous:        true,
		Alternatives:     alts,
		ResolutionMethod: "best_match_ambiguous",
	}, nil
}

// CalculateMatchScore scores a query against a symbol/name pair in
// [0, 1], mirroring the original's exact/prefix/fuzzy-ratio cascade.
func CalculateMatchScore(query, symbol, name string) float64 {
	q := strings.TrimSpace(upper.String(query))
	s := strings.TrimSpace(upper.String(symbol))

	if q == s {
		return 1.0
	}
	if strings.HasPrefix(s, q) {
		return 0.9
	}

	symbolRatio := sequenceRatio(q, s)

	if name == "" {
		return symbolRatio
	}

	n := upper.String(name)
	words := strings.Fields(n)
	for _, w := range words {
		if strings.HasPrefix(w, q) {
			return max(0.85, symbolRatio)
		}
	}

	var bestNameRatio float64
	for _, w := range words {
		if r := sequenceRatio(q, w); r > bestNameRatio {
			bestNameRatio = r
		}
	}
	return max(symbolRatio, bestNameRatio*0.8)
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// sequenceRatio approximates Python difflib's SequenceMatcher.ratio():
// twice the longest-common-subsequence length over the sum of lengths.
func sequenceRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	lcs := longestCommonSubsequence(a, b)
	return 2.0 * float64(lcs) / float64(len(a)+len(b))
}

func longestCommonSubsequence(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

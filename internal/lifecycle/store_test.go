package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProposal(id string, now time.Time) OrderProposal {
	return OrderProposal{
		ProposalID:     id,
		CorrelationID:  "corr-" + id,
		IntentJSON:     []byte(`{"symbol":"AAPL","quantity":10}`),
		SimulationJSON: []byte(`{"gross_notional":1800}`),
		State:          StateRiskApproved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestStoreGetNotFound(t *testing.T) {
	s := NewStore(10, time.Minute)
	_, err := s.Get("missing")
	require.Error(t, err)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStoreStoreAndGet(t *testing.T) {
	now := time.Now()
	s := NewStore(10, time.Minute)
	p := newTestProposal("p1", now)
	s.StoreProposal(p)

	got, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, p.ProposalID, got.ProposalID)
	assert.Equal(t, 1, s.Size())
}

func TestStoreUpdateRequiresExisting(t *testing.T) {
	s := NewStore(10, time.Minute)
	err := s.Update(OrderProposal{ProposalID: "ghost"})
	require.Error(t, err)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStoreListPendingOrderedByMostRecentlyUpdated(t *testing.T) {
	s := NewStore(10, time.Minute)
	base := time.Now()

	p1 := newTestProposal("p1", base)
	p1.State = StateApprovalRequested
	p1.UpdatedAt = base
	s.StoreProposal(p1)

	p2 := newTestProposal("p2", base)
	p2.State = StateRiskApproved
	p2.UpdatedAt = base.Add(time.Minute)
	s.StoreProposal(p2)

	p3 := newTestProposal("p3", base)
	p3.State = StateFilled // terminal, excluded from pending
	s.StoreProposal(p3)

	pending := s.ListPending(0)
	require.Len(t, pending, 2)
	assert.Equal(t, "p2", pending[0].ProposalID)
	assert.Equal(t, "p1", pending[1].ProposalID)
}

func TestStoreListPendingRespectsLimit(t *testing.T) {
	s := NewStore(10, time.Minute)
	base := time.Now()
	for i := 0; i < 5; i++ {
		p := newTestProposal(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
		p.State = StateRiskApproved
		s.StoreProposal(p)
	}
	pending := s.ListPending(2)
	assert.Len(t, pending, 2)
}

// TestStoreEvictionPrefersTerminal verifies evictLocked's policy: the
// oldest terminal proposal by UpdatedAt is evicted before any
// non-terminal proposal, regardless of relative age.
func TestStoreEvictionPrefersTerminal(t *testing.T) {
	s := NewStore(2, time.Minute)
	base := time.Now()

	oldestNonTerminal := newTestProposal("old-active", base)
	s.StoreProposal(oldestNonTerminal)

	terminal := newTestProposal("done", base.Add(time.Hour)) // newer by CreatedAt, but terminal
	terminal.State = StateFilled
	terminal.UpdatedAt = base.Add(time.Hour)
	s.StoreProposal(terminal)

	// store is now at capacity (2); inserting a third proposal must evict
	// "done" (the terminal one), not "old-active".
	s.StoreProposal(newTestProposal("new", base.Add(2*time.Hour)))

	_, err := s.Get("done")
	assert.Error(t, err, "terminal proposal should have been evicted")
	_, err = s.Get("old-active")
	assert.NoError(t, err, "non-terminal proposal should survive while a terminal one exists")
	_, err = s.Get("new")
	assert.NoError(t, err)
}

func TestStoreEvictionFallsBackToOldestWhenNoneTerminal(t *testing.T) {
	s := NewStore(2, time.Minute)
	base := time.Now()

	s.StoreProposal(newTestProposal("oldest", base))
	s.StoreProposal(newTestProposal("middle", base.Add(time.Hour)))

	s.StoreProposal(newTestProposal("newest", base.Add(2*time.Hour)))

	_, err := s.Get("oldest")
	assert.Error(t, err)
	_, err = s.Get("middle")
	assert.NoError(t, err)
}

func TestStoreEvictionDropsOrphanedTokens(t *testing.T) {
	s := NewStore(1, time.Minute)
	now := time.Now()

	p := newTestProposal("p1", now)
	s.StoreProposal(p)
	_, tok, err := s.Transition("p1", now, true, nil, func(p OrderProposal) OrderProposal {
		p.State = StateApprovalGranted
		return p
	})
	require.NoError(t, err)

	s.StoreProposal(newTestProposal("p2", now.Add(time.Hour)))

	_, err = s.GetToken(tok.TokenID)
	assert.Error(t, err, "token bound to an evicted proposal should be dropped")
}

func TestStoreTransitionRejectsFromCheck(t *testing.T) {
	s := NewStore(10, time.Minute)
	now := time.Now()
	s.StoreProposal(newTestProposal("p1", now))

	wantErr := &StateError{ProposalID: "p1", From: StateRiskApproved, To: StateSubmitted}
	_, _, err := s.Transition("p1", now, false, func(OrderProposal) error {
		return wantErr
	}, func(p OrderProposal) OrderProposal { return p })
	assert.Equal(t, wantErr, err)
}

func TestStoreTransitionMintsTokenBoundToUpdatedIntent(t *testing.T) {
	s := NewStore(10, time.Minute)
	now := time.Now()
	s.StoreProposal(newTestProposal("p1", now))

	updated, tok, err := s.Transition("p1", now, true, nil, func(p OrderProposal) OrderProposal {
		p.State = StateApprovalGranted
		return p
	})
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, updated.IntentHash(), tok.IntentHash)
	assert.Equal(t, updated.ApprovalTokenID, tok.TokenID)
}

func TestConsumeTokenSingleUse(t *testing.T) {
	s := NewStore(10, time.Minute)
	now := time.Now()
	s.StoreProposal(newTestProposal("p1", now))
	_, tok, err := s.Transition("p1", now, true, nil, func(p OrderProposal) OrderProposal {
		p.State = StateApprovalGranted
		return p
	})
	require.NoError(t, err)

	consumed, err := s.ConsumeToken(tok.TokenID, now)
	require.NoError(t, err)
	assert.NotNil(t, consumed.UsedAt)

	_, err = s.ConsumeToken(tok.TokenID, now)
	require.Error(t, err)
	var alreadyConsumed *TokenAlreadyConsumedError
	assert.ErrorAs(t, err, &alreadyConsumed)
}

func TestConsumeTokenExpired(t *testing.T) {
	s := NewStore(10, 0) // zero TTL: token expires immediately
	now := time.Now()
	s.StoreProposal(newTestProposal("p1", now))
	_, tok, err := s.Transition("p1", now, true, nil, func(p OrderProposal) OrderProposal {
		p.State = StateApprovalGranted
		return p
	})
	require.NoError(t, err)

	_, err = s.ConsumeToken(tok.TokenID, now.Add(time.Second))
	require.Error(t, err)
	var invalid *TokenInvalidError
	assert.ErrorAs(t, err, &invalid)
}

// TestConsumeTokenConcurrentRaceIsSingleWinner exercises the invariant
// that a token can be consumed by exactly one concurrent caller: every
// goroutine races ConsumeToken on the same token id and only one may
// succeed.
func TestConsumeTokenConcurrentRaceIsSingleWinner(t *testing.T) {
	s := NewStore(10, time.Hour)
	now := time.Now()
	s.StoreProposal(newTestProposal("p1", now))
	_, tok, err := s.Transition("p1", now, true, nil, func(p OrderProposal) OrderProposal {
		p.State = StateApprovalGranted
		return p
	})
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeToken(tok.TokenID, now); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes, "exactly one concurrent consumer should win the race")
}

func TestValidateTokenRejectsWrongIntentHash(t *testing.T) {
	s := NewStore(10, time.Minute)
	now := time.Now()
	s.StoreProposal(newTestProposal("p1", now))
	_, tok, err := s.Transition("p1", now, true, nil, func(p OrderProposal) OrderProposal {
		p.State = StateApprovalGranted
		return p
	})
	require.NoError(t, err)

	assert.False(t, s.ValidateToken(tok.TokenID, "wrong-hash", now))
	assert.True(t, s.ValidateToken(tok.TokenID, tok.IntentHash, now))
}

package lifecycle

import (
	"sort"
	"sync"
	"time"
)

// Store is the bounded in-memory registry of proposals and tokens. All
// operations are serialized behind a single exclusive lock; critical
// sections never perform I/O.
type Store struct {
	mu           sync.Mutex
	maxProposals int
	tokenTTL     time.Duration

	proposals map[string]OrderProposal
	tokens    map[string]ApprovalToken
}

// NewStore constructs a proposal store with the given capacity and default
// token lifetime.
func NewStore(maxProposals int, tokenTTL time.Duration) *Store {
	if maxProposals <= 0 {
		maxProposals = 1
	}
	return &Store{
		maxProposals: maxProposals,
		tokenTTL:     tokenTTL,
		proposals:    make(map[string]OrderProposal),
		tokens:       make(map[string]ApprovalToken),
	}
}

// TokenTTL returns the configured default token lifetime.
func (s *Store) TokenTTL() time.Duration {
	return s.tokenTTL
}

// StoreProposal inserts a new proposal, evicting exactly one existing proposal if
// the store is already at capacity: the oldest terminal proposal by
// UpdatedAt, or if none is terminal, the overall oldest by CreatedAt.
func (s *Store) StoreProposal(p OrderProposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ProposalID]; !exists && len(s.proposals) >= s.maxProposals {
		s.evictLocked()
	}
	s.proposals[p.ProposalID] = p
}

func (s *Store) evictLocked() {
	var terminalVictim string
	var terminalVictimAt time.Time
	var oldestVictim string
	var oldestVictimAt time.Time
	first := true
	for id, p := range s.proposals {
		if first {
			oldestVictim = id
			oldestVictimAt = p.CreatedAt
			first = false
		} else if p.CreatedAt.Before(oldestVictimAt) {
			oldestVictim = id
			oldestVictimAt = p.CreatedAt
		}
		if p.State.IsTerminal() {
			if terminalVictim == "" || p.UpdatedAt.Before(terminalVictimAt) {
				terminalVictim = id
				terminalVictimAt = p.UpdatedAt
			}
		}
	}
	victim := oldestVictim
	if terminalVictim != "" {
		victim = terminalVictim
	}
	if victim == "" {
		return
	}
	delete(s.proposals, victim)
	for tokID, tok := range s.tokens {
		if tok.ProposalID == victim {
			delete(s.tokens, tokID)
		}
	}
}

// Get looks up a proposal by id.
func (s *Store) Get(proposalID string) (OrderProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return OrderProposal{}, &NotFoundError{Kind: "proposal", ID: proposalID}
	}
	return p, nil
}

// GetToken looks up a token by id.
func (s *Store) GetToken(tokenID string) (ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return ApprovalToken{}, &NotFoundError{Kind: "token", ID: tokenID}
	}
	return t, nil
}

// Update overwrites an existing proposal. It fails if the proposal is not
// already present.
func (s *Store) Update(p OrderProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ProposalID]; !ok {
		return &NotFoundError{Kind: "proposal", ID: p.ProposalID}
	}
	s.proposals[p.ProposalID] = p
	return nil
}

// ListPending returns proposals in APPROVAL_REQUESTED or RISK_APPROVED,
// most recently updated first, capped at limit (0 means unbounded).
func (s *Store) ListPending(limit int) []OrderProposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderProposal, 0)
	for _, p := range s.proposals {
		if p.State == StateApprovalRequested || p.State == StateRiskApproved {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// mintTokenLocked creates a fresh token bound to the proposal's current
// intent hash and inserts it into the token map. Callers must hold s.mu.
func (s *Store) mintTokenLocked(tokenID string, p OrderProposal, now time.Time) ApprovalToken {
	tok := ApprovalToken{
		TokenID:    tokenID,
		ProposalID: p.ProposalID,
		IntentHash: p.IntentHash(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.tokenTTL),
	}
	s.tokens[tokenID] = tok
	return tok
}

// validateTokenLocked reports whether the token passes the validity
// predicate described by ApprovalToken.Valid. Callers must hold s.mu.
func (s *Store) validateTokenLocked(tokenID, expectedIntentHash string, now time.Time) bool {
	tok, ok := s.tokens[tokenID]
	if !ok {
		return false
	}
	return tok.Valid(now) && tok.IntentHash == expectedIntentHash
}

// consumeTokenLocked performs the atomic test-and-set of used_at. Callers
// must hold s.mu.
func (s *Store) consumeTokenLocked(tokenID string, now time.Time) (ApprovalToken, error) {
	tok, ok := s.tokens[tokenID]
	if !ok {
		return ApprovalToken{}, &TokenInvalidError{TokenID: tokenID, Reason: "not found"}
	}
	if tok.UsedAt != nil {
		return ApprovalToken{}, &TokenAlreadyConsumedError{TokenID: tokenID}
	}
	if !now.Before(tok.ExpiresAt) {
		return ApprovalToken{}, &TokenInvalidError{TokenID: tokenID, Reason: "expired"}
	}
	usedAt := now
	tok.UsedAt = &usedAt
	s.tokens[tokenID] = tok
	return tok, nil
}

// Transition atomically reads the current proposal, runs check against it
// (which may reject the transition with an error), applies mutate to
// produce the new record, optionally mints a token bound to the proposal's
// current intent hash, and writes the result back — all under the same
// lock. This is the only way lifecycle.Store's callers should change a
// proposal's state: reading and writing outside this critical section
// would reopen the race the token/state invariants depend on.
func (s *Store) Transition(proposalID string, now time.Time, mintToken bool, check func(OrderProposal) error, mutate func(OrderProposal) OrderProposal) (OrderProposal, *ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[proposalID]
	if !ok {
		return OrderProposal{}, nil, &NotFoundError{Kind: "proposal", ID: proposalID}
	}
	if check != nil {
		if err := check(p); err != nil {
			return OrderProposal{}, nil, err
		}
	}
	updated := mutate(p)
	updated.UpdatedAt = now

	var tok *ApprovalToken
	if mintToken {
		tokenID := newOpaqueID()
		minted := s.mintTokenLocked(tokenID, updated, now)
		updated.ApprovalTokenID = tokenID
		tok = &minted
	}
	s.proposals[proposalID] = updated
	return updated, tok, nil
}

// ValidateToken reports whether a token is valid at "now" and bound to the
// supplied intent hash.
func (s *Store) ValidateToken(tokenID, expectedIntentHash string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateTokenLocked(tokenID, expectedIntentHash, now)
}

// ConsumeToken performs the atomic test-and-set of used_at; this is the
// linearization point for order submission.
func (s *Store) ConsumeToken(tokenID string, now time.Time) (ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeTokenLocked(tokenID, now)
}

// Size reports the number of tracked proposals, for tests and status endpoints.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proposals)
}

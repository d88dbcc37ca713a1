// Package lifecycle implements the order proposal state machine, the
// single-use approval token protocol, the bounded proposal store, and the
// order submitter that binds token consumption to broker dispatch.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// State is a point in the proposal lifecycle graph.
type State string

const (
	StateProposed           State = "PROPOSED"
	StateSimulated          State = "SIMULATED"
	StateRiskApproved       State = "RISK_APPROVED"
	StateRiskRejected       State = "RISK_REJECTED"
	StateApprovalRequested  State = "APPROVAL_REQUESTED"
	StateApprovalGranted    State = "APPROVAL_GRANTED"
	StateApprovalDenied     State = "APPROVAL_DENIED"
	StateSubmitted          State = "SUBMITTED"
	StateFilled             State = "FILLED"
	StateCancelled          State = "CANCELLED"
	StateRejected           State = "REJECTED"
)

// terminal is the absorbing subset of the state graph.
var terminal = map[State]bool{
	StateRiskRejected:   true,
	StateApprovalDenied: true,
	StateFilled:         true,
	StateCancelled:      true,
	StateRejected:       true,
}

// IsTerminal reports whether a proposal in this state can ever transition again.
func (s State) IsTerminal() bool {
	return terminal[s]
}

// legalTransitions enumerates the legal proposal state graph.
var legalTransitions = map[State]map[State]bool{
	StateProposed:          {StateSimulated: true},
	StateSimulated:         {StateRiskApproved: true, StateRiskRejected: true},
	StateRiskApproved:      {StateApprovalRequested: true, StateApprovalGranted: true},
	StateApprovalRequested: {StateApprovalGranted: true, StateApprovalDenied: true},
	StateApprovalGranted:   {StateSubmitted: true},
	StateSubmitted:         {StateFilled: true, StateCancelled: true, StateRejected: true},
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	return legalTransitions[from][to]
}

// OrderProposal is the immutable value object tracked by the Proposal
// Store. Every transition produces a new value written back under the
// store's lock; nothing mutates a proposal shared outside that lock.
type OrderProposal struct {
	ProposalID        string
	CorrelationID     string
	IntentJSON        []byte
	SimulationJSON    []byte
	RiskDecisionJSON  []byte
	State             State
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ApprovalTokenID   string
	ApprovalReason    string
	BrokerOrderID     string
}

// IntentHash returns the SHA-256 digest of the canonical intent bytes. This
// is the anti-tamper binding material for approval tokens and
// must remain a standard cryptographic hash, never the fast/non-crypto hash
// used for cache keys elsewhere in this codebase.
func (p OrderProposal) IntentHash() string {
	sum := sha256.Sum256(p.IntentJSON)
	return hex.EncodeToString(sum[:])
}

// Clone returns a shallow copy safe to hand to a caller outside the store
// lock; byte slices are not mutated in place by this package so a shallow
// copy is sufficient.
func (p OrderProposal) Clone() OrderProposal {
	return p
}

// ApprovalToken is the immutable single-use credential minted by the
// Approval Service and consumed exactly once by the Order Submitter.
type ApprovalToken struct {
	TokenID    string
	ProposalID string
	IntentHash string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	UsedAt     *time.Time
}

// Valid reports whether the token is unused and unexpired at "now".
func (t ApprovalToken) Valid(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

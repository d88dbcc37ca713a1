package lifecycle

import (
	"fmt"
	"time"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/policy"
)

// FeatureFlags is the subset of flag state the Approval Service consults
// for the auto-approval decision.
type FeatureFlags interface {
	AutoApproval() bool
	AutoApprovalMaxNotional() float64
}

// KillSwitch is the subset of kill-switch state the Approval Service
// consults; Inactive must be true for auto-approval to proceed.
type KillSwitch interface {
	Inactive() bool
}

// PolicyChecker is satisfied by *policy.Evaluator; modeled as an interface
// here so callers may supply nil.
type PolicyChecker interface {
	CheckAll(ctx policy.Context) (bool, []string)
}

// ApprovalService exposes the four state-changing operations on a
// proposal and the read operation on a token.
type ApprovalService struct {
	store *Store
}

// NewApprovalService constructs an ApprovalService bound to a store.
func NewApprovalService(store *Store) *ApprovalService {
	return &ApprovalService{store: store}
}

// RequestApproval transitions a RISK_APPROVED proposal to either
// APPROVAL_GRANTED (auto-approval path, token minted) or
// APPROVAL_REQUESTED (manual review).
func (a *ApprovalService) RequestApproval(proposalID string, flags FeatureFlags, kill KillSwitch, pol PolicyChecker, now time.Time) (OrderProposal, *ApprovalToken, error) {
	check := func(p OrderProposal) error {
		if p.State != StateRiskApproved {
			return &StateError{ProposalID: proposalID, From: p.State, To: StateApprovalRequested}
		}
		return nil
	}

	var mintToken bool
	var reason string

	current, err := a.store.Get(proposalID)
	if err != nil {
		return OrderProposal{}, nil, err
	}
	if current.State != StateRiskApproved {
		return OrderProposal{}, nil, &StateError{ProposalID: proposalID, From: current.State, To: StateApprovalRequested}
	}

	mintToken, reason = a.decideAutoApproval(current, flags, kill, pol, now)

	target := StateApprovalRequested
	if mintToken {
		target = StateApprovalGranted
	}

	mutate := func(p OrderProposal) OrderProposal {
		p.State = target
		p.ApprovalReason = reason
		return p
	}

	updated, tok, err := a.store.Transition(proposalID, now, mintToken, check, mutate)
	if err != nil {
		return OrderProposal{}, nil, err
	}
	return updated, tok, nil
}

// decideAutoApproval implements the auto-approval predicate:
// flags.auto_approval, kill switch inactive, notional under
// threshold, and (if supplied) the policy evaluator passing.
func (a *ApprovalService) decideAutoApproval(p OrderProposal, flags FeatureFlags, kill KillSwitch, pol PolicyChecker, now time.Time) (approved bool, reason string) {
	if flags == nil || kill == nil {
		return false, "Manual approval required"
	}
	if !flags.AutoApproval() {
		return false, "Manual approval required"
	}
	if !kill.Inactive() {
		return false, "Manual approval required"
	}

	intent, err := ParseIntent(p.IntentJSON)
	if err != nil {
		return false, fmt.Sprintf("Parse error: %v", err)
	}
	sim, err := ParseSimulation(p.SimulationJSON)
	if err != nil {
		return false, fmt.Sprintf("Parse error: %v", err)
	}

	threshold := flags.AutoApprovalMaxNotional()
	if sim.GrossNotional > threshold {
		return false, fmt.Sprintf("Notional $%.2f exceeds threshold $%.2f", sim.GrossNotional, threshold)
	}

	if pol == nil {
		return true, "Auto-approved (below threshold)"
	}

	ok, reasons := pol.CheckAll(policy.Context{
		Symbol:    intent.Symbol,
		SecType:   intent.SecType,
		Side:      intent.Side,
		OrderType: intent.OrderType,
		Notional:  sim.GrossNotional,
		NowLocal:  now,
		DayOfWeek: now.Weekday(),
	})
	if !ok {
		return false, "Policy: " + joinReasons(reasons)
	}
	return true, "Auto-approved (below threshold, policy passed)"
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

// GrantApproval transitions an APPROVAL_REQUESTED proposal to
// APPROVAL_GRANTED, minting a fresh token.
func (a *ApprovalService) GrantApproval(proposalID, reason string, now time.Time) (OrderProposal, ApprovalToken, error) {
	check := func(p OrderProposal) error {
		if p.State != StateApprovalRequested {
			return &StateError{ProposalID: proposalID, From: p.State, To: StateApprovalGranted}
		}
		return nil
	}
	mutate := func(p OrderProposal) OrderProposal {
		p.State = StateApprovalGranted
		p.ApprovalReason = reason
		return p
	}
	updated, tok, err := a.store.Transition(proposalID, now, true, check, mutate)
	if err != nil {
		return OrderProposal{}, ApprovalToken{}, err
	}
	return updated, *tok, nil
}

// DenyApproval transitions an APPROVAL_REQUESTED proposal to
// APPROVAL_DENIED. A reason is mandatory.
func (a *ApprovalService) DenyApproval(proposalID, reason string, now time.Time) (OrderProposal, error) {
	if reason == "" {
		return OrderProposal{}, fmt.Errorf("lifecycle: deny reason is mandatory")
	}
	check := func(p OrderProposal) error {
		if p.State != StateApprovalRequested {
			return &StateError{ProposalID: proposalID, From: p.State, To: StateApprovalDenied}
		}
		return nil
	}
	mutate := func(p OrderProposal) OrderProposal {
		p.State = StateApprovalDenied
		p.ApprovalReason = reason
		return p
	}
	updated, _, err := a.store.Transition(proposalID, now, false, check, mutate)
	if err != nil {
		return OrderProposal{}, err
	}
	return updated, nil
}

// ValidateToken reports whether a token is usable against the supplied
// expected intent hash at "now".
func (a *ApprovalService) ValidateToken(tokenID, expectedIntentHash string, now time.Time) bool {
	return a.store.ValidateToken(tokenID, expectedIntentHash, now)
}

// ConsumeToken performs the single-use test-and-set consumption.
func (a *ApprovalService) ConsumeToken(tokenID string, now time.Time) (ApprovalToken, error) {
	return a.store.ConsumeToken(tokenID, now)
}

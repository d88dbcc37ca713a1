package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/policy"
)

type fakeFlags struct {
	autoApproval bool
	maxNotional  float64
}

func (f fakeFlags) AutoApproval() bool               { return f.autoApproval }
func (f fakeFlags) AutoApprovalMaxNotional() float64 { return f.maxNotional }

type fakeKillSwitch struct{ inactive bool }

func (f fakeKillSwitch) Inactive() bool { return f.inactive }

func newApprovalTestProposal(id string, notional float64) OrderProposal {
	intent, _ := Intent{Symbol: "AAPL", SecType: "STK", Side: "BUY", OrderType: "LMT", Quantity: 10, LimitPx: 180}.Marshal()
	sim, _ := json.Marshal(SimulationResult{GrossNotional: notional})
	now := time.Now()
	return OrderProposal{
		ProposalID:     id,
		CorrelationID:  "corr-" + id,
		IntentJSON:     intent,
		SimulationJSON: sim,
		State:          StateRiskApproved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestRequestApprovalAutoApprovesUnderThreshold(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()

	p := newApprovalTestProposal("p1", 500)
	store.StoreProposal(p)

	flags := fakeFlags{autoApproval: true, maxNotional: 1000}
	kill := fakeKillSwitch{inactive: true}

	updated, tok, err := svc.RequestApproval("p1", flags, kill, nil, now)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, StateApprovalGranted, updated.State)
	assert.Contains(t, updated.ApprovalReason, "Auto-approved")
}

func TestRequestApprovalRequiresManualReviewOverThreshold(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()

	p := newApprovalTestProposal("p1", 5000)
	store.StoreProposal(p)

	flags := fakeFlags{autoApproval: true, maxNotional: 1000}
	kill := fakeKillSwitch{inactive: true}

	updated, tok, err := svc.RequestApproval("p1", flags, kill, nil, now)
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Equal(t, StateApprovalRequested, updated.State)
	assert.Contains(t, updated.ApprovalReason, "exceeds threshold")
}

func TestRequestApprovalRequiresManualReviewWhenAutoApprovalDisabled(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()
	store.StoreProposal(newApprovalTestProposal("p1", 100))

	flags := fakeFlags{autoApproval: false, maxNotional: 1000}
	kill := fakeKillSwitch{inactive: true}

	updated, tok, err := svc.RequestApproval("p1", flags, kill, nil, now)
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Equal(t, StateApprovalRequested, updated.State)
}

func TestRequestApprovalRequiresManualReviewWhenKillSwitchActive(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()
	store.StoreProposal(newApprovalTestProposal("p1", 100))

	flags := fakeFlags{autoApproval: true, maxNotional: 1000}
	kill := fakeKillSwitch{inactive: false} // kill switch ACTIVE

	updated, tok, err := svc.RequestApproval("p1", flags, kill, nil, now)
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Equal(t, StateApprovalRequested, updated.State)
}

func TestRequestApprovalAppliesPolicyWhenSupplied(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()
	store.StoreProposal(newApprovalTestProposal("p1", 100))

	flags := fakeFlags{autoApproval: true, maxNotional: 1000}
	kill := fakeKillSwitch{inactive: true}
	pol := policy.NewEvaluator(policy.Descriptor{
		Enabled:   true,
		Blacklist: map[string]bool{"AAPL": true},
	})

	updated, tok, err := svc.RequestApproval("p1", flags, kill, pol, now)
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Equal(t, StateApprovalRequested, updated.State)
	assert.Contains(t, updated.ApprovalReason, "blacklisted")
}

func TestRequestApprovalRejectsWrongState(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()
	p := newApprovalTestProposal("p1", 100)
	p.State = StateProposed
	store.StoreProposal(p)

	_, _, err := svc.RequestApproval("p1", fakeFlags{}, fakeKillSwitch{}, nil, now)
	require.Error(t, err)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestGrantApprovalMintsToken(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()
	p := newApprovalTestProposal("p1", 100)
	p.State = StateApprovalRequested
	store.StoreProposal(p)

	updated, tok, err := svc.GrantApproval("p1", "manual review ok", now)
	require.NoError(t, err)
	assert.Equal(t, StateApprovalGranted, updated.State)
	assert.NotEmpty(t, tok.TokenID)
	assert.True(t, tok.Valid(now))
}

func TestDenyApprovalRequiresReason(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	p := newApprovalTestProposal("p1", 100)
	p.State = StateApprovalRequested
	store.StoreProposal(p)

	_, err := svc.DenyApproval("p1", "", time.Now())
	assert.Error(t, err)
}

func TestDenyApprovalTransitions(t *testing.T) {
	store := NewStore(10, time.Minute)
	svc := NewApprovalService(store)
	now := time.Now()
	p := newApprovalTestProposal("p1", 100)
	p.State = StateApprovalRequested
	store.StoreProposal(p)

	updated, err := svc.DenyApproval("p1", "risk too high", now)
	require.NoError(t, err)
	assert.Equal(t, StateApprovalDenied, updated.State)
	assert.Equal(t, "risk too high", updated.ApprovalReason)
}

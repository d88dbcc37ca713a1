package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
)

// OrderSubmissionError wraps a failure anywhere in the submit_order
// workflow after the proposal has been located.
type OrderSubmissionError struct {
	ProposalID string
	Err        error
}

func (e *OrderSubmissionError) Error() string {
	return fmt.Sprintf("lifecycle: order submission failed for %s: %v", e.ProposalID, e.Err)
}

func (e *OrderSubmissionError) Unwrap() error { return e.Err }

// OrderSubmitter drives token validation, broker dispatch, state
// transition, and audit emission — grounded on
// original_source/packages/order_submission/__init__.py, adapted to the
// Store/Broker collaborators used here.
type OrderSubmitter struct {
	store   *Store
	approve *ApprovalService
	brk     broker.Broker
	audit   AuditSink
}

// NewOrderSubmitter constructs an OrderSubmitter. audit may be nil.
func NewOrderSubmitter(store *Store, approve *ApprovalService, brk broker.Broker, audit AuditSink) *OrderSubmitter {
	return &OrderSubmitter{store: store, approve: approve, brk: brk, audit: audit}
}

func (s *OrderSubmitter) emit(eventType, correlationID, proposalID string, now time.Time, data map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Append(AuditEvent{
		EventType:     eventType,
		CorrelationID: correlationID,
		ProposalID:    proposalID,
		Data:          data,
		At:            now,
	})
}

// SubmitOrder validates and consumes the approval token, dispatches the
// order to the broker, and transitions the proposal to SUBMITTED.
func (s *OrderSubmitter) SubmitOrder(ctx context.Context, proposalID, tokenID, correlationID string, inst broker.Instrument, now time.Time) (broker.OpenOrder, error) {
	proposal, err := s.store.Get(proposalID)
	if err != nil {
		return broker.OpenOrder{}, err
	}
	if proposal.State != StateApprovalGranted {
		return broker.OpenOrder{}, &StateError{ProposalID: proposalID, From: proposal.State, To: StateSubmitted}
	}

	if !s.approve.ValidateToken(tokenID, proposal.IntentHash(), now) {
		s.emit("OrderSubmissionFailed", correlationID, proposalID, now, map[string]any{
			"token_id": tokenID,
			"reason":   "Invalid or expired token",
		})
		return broker.OpenOrder{}, &TokenInvalidError{TokenID: tokenID, Reason: "invalid or expired"}
	}

	if _, err := s.approve.ConsumeToken(tokenID, now); err != nil {
		s.emit("OrderSubmissionFailed", correlationID, proposalID, now, map[string]any{
			"token_id": tokenID,
			"reason":   fmt.Sprintf("Token consumption failed: %v", err),
		})
		return broker.OpenOrder{}, &OrderSubmissionError{ProposalID: proposalID, Err: err}
	}

	intent, err := ParseIntent(proposal.IntentJSON)
	if err != nil {
		s.emit("OrderSubmissionFailed", correlationID, proposalID, now, map[string]any{
			"reason": fmt.Sprintf("Failed to parse intent: %v", err),
		})
		return broker.OpenOrder{}, &OrderSubmissionError{ProposalID: proposalID, Err: err}
	}

	req := broker.OrderRequest{
		Instrument: inst,
		Side:       intent.Side,
		OrderType:  intent.OrderType,
		Quantity:   intent.Quantity,
		LimitPx:    intent.LimitPx,
		TokenID:    tokenID,
	}
	openOrder, err := s.brk.SubmitOrder(ctx, req)
	if err != nil {
		s.emit("OrderSubmissionFailed", correlationID, proposalID, now, map[string]any{
			"token_id": tokenID,
			"reason":   fmt.Sprintf("Broker submission failed: %v", err),
		})
		return broker.OpenOrder{}, &OrderSubmissionError{ProposalID: proposalID, Err: err}
	}

	mutate := func(p OrderProposal) OrderProposal {
		p.State = StateSubmitted
		p.BrokerOrderID = openOrder.BrokerOrderID
		return p
	}
	if _, _, err := s.store.Transition(proposalID, now, false, nil, mutate); err != nil {
		return broker.OpenOrder{}, err
	}

	s.emit("OrderSubmitted", correlationID, proposalID, now, map[string]any{
		"token_id":         tokenID,
		"broker_order_id":  openOrder.BrokerOrderID,
		"order_type":       openOrder.OrderType,
		"side":             openOrder.Side,
		"quantity":         openOrder.Quantity,
		"symbol":           intent.Symbol,
		"status":           string(openOrder.Status),
	})
	return openOrder, nil
}

var terminalOrderStates = map[broker.OrderStatus]State{
	broker.StatusFilled:    StateFilled,
	broker.StatusCancelled: StateCancelled,
	broker.StatusRejected:  StateRejected,
}

// PollOrderUntilTerminal repeatedly queries the broker for order status
// until a terminal state is reached, updating the proposal and emitting an
// audit event on arrival. Transient polling errors are logged via the
// audit sink and retried; the context governs the overall deadline.
func (s *OrderSubmitter) PollOrderUntilTerminal(ctx context.Context, brokerOrderID, proposalID, correlationID string, maxPolls int, pollInterval time.Duration, now func() time.Time) (broker.OpenOrder, error) {
	for poll := 0; poll < maxPolls; poll++ {
		order, err := s.brk.GetOrderStatus(ctx, brokerOrderID)
		if err != nil {
			s.emit("OrderPollingError", correlationID, proposalID, now(), map[string]any{
				"broker_order_id": brokerOrderID,
				"poll_count":      poll,
				"error":           err.Error(),
			})
		} else if order.Status.IsTerminal() {
			newState, ok := terminalOrderStates[order.Status]
			if !ok {
				newState = StateSubmitted
			}
			if _, _, terr := s.store.Transition(proposalID, now(), false, nil, func(p OrderProposal) OrderProposal {
				p.State = newState
				return p
			}); terr == nil {
				s.emit("Order"+capitalize(string(order.Status)), correlationID, proposalID, now(), map[string]any{
					"broker_order_id":     brokerOrderID,
					"status":              string(order.Status),
					"filled_quantity":     order.FilledQuantity,
					"average_fill_price":  order.AverageFillPrice,
				})
			}
			return order, nil
		}

		select {
		case <-ctx.Done():
			return broker.OpenOrder{}, &TimeoutError{BrokerOrderID: brokerOrderID, Polls: poll + 1}
		case <-time.After(pollInterval):
		}
	}
	return broker.OpenOrder{}, &TimeoutError{BrokerOrderID: brokerOrderID, Polls: maxPolls}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

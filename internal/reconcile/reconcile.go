// Package reconcile compares internal order/position/cash tracking
// against the broker's view of the world, grounded on
// original_source/packages/reconciliation/__init__.py's Reconciler.
// Broker-state fetches run concurrently via golang.org/x/sync/errgroup,
// following a worker-service's use of errgroup for fan-out I/O.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/telemetry/metrics"
)

// DiscrepancyType classifies the kind of mismatch found.
type DiscrepancyType string

const (
	MissingOrder     DiscrepancyType = "missing_order"
	UnknownOrder     DiscrepancyType = "unknown_order"
	PositionMismatch DiscrepancyType = "position_mismatch"
	CashMismatch     DiscrepancyType = "cash_mismatch"
	MissingPosition  DiscrepancyType = "missing_position"
	UnknownPosition  DiscrepancyType = "unknown_position"
)

// Severity ranks how urgently a discrepancy needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Discrepancy is a single detected mismatch.
type Discrepancy struct {
	Type          DiscrepancyType
	Severity      Severity
	Description   string
	InternalValue any
	BrokerValue   any
	Difference    float64
	Symbol        string
	OrderID       string
	DetectedAt    time.Time
}

// InternalOrder is the caller's view of an order it believes is open.
type InternalOrder struct {
	OrderID  string
	Symbol   string
	Quantity float64
	Side     string
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Timestamp              time.Time
	IsReconciled           bool
	Discrepancies          []Discrepancy
	InternalOrdersCount    int
	BrokerOrdersCount      int
	InternalPositionsCount int
	BrokerPositionsCount   int
	InternalCash           float64
	BrokerCash             float64
	Duration               time.Duration
}

// HasCriticalDiscrepancies reports whether any discrepancy is CRITICAL.
func (r Result) HasCriticalDiscrepancies() bool {
	for _, d := range r.Discrepancies {
		if d.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Reconciler performs order/position/cash comparisons against a Broker.
type Reconciler struct {
	brk               broker.Broker
	cashTolerance     float64
	positionTolerance float64
	now               func() time.Time
}

// NewReconciler constructs a Reconciler with the default
// tolerances: one cent on cash, zero shares on positions.
func NewReconciler(brk broker.Broker) *Reconciler {
	return &Reconciler{brk: brk, cashTolerance: 0.01, positionTolerance: 0, now: time.Now}
}

// WithTolerances overrides the default cash/position tolerances.
func (r *Reconciler) WithTolerances(cash, position float64) *Reconciler {
	r.cashTolerance = cash
	r.positionTolerance = position
	return r
}

// Reconcile fetches broker orders, positions, and cash concurrently and
// diffs them against the caller-supplied internal view.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string, internalOrders []InternalOrder, internalPositions map[string]float64, internalCash float64) Result {
	start := time.Now()

	var brokerOrders []broker.OpenOrder
	var portfolio broker.Portfolio

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		orders, err := r.brk.GetOpenOrders(gctx, accountID)
		if err != nil {
			return fmt.Errorf("fetch open orders: %w", err)
		}
		brokerOrders = orders
		return nil
	})
	g.Go(func() error {
		p, err := r.brk.GetPortfolio(gctx, accountID)
		if err != nil {
			return fmt.Errorf("fetch portfolio: %w", err)
		}
		portfolio = p
		return nil
	})

	if err := g.Wait(); err != nil {
		res := Result{
			Timestamp:    start,
			IsReconciled: false,
			Discrepancies: []Discrepancy{{
				Type:        CashMismatch,
				Severity:    SeverityCritical,
				Description: "Cannot fetch broker state: " + err.Error(),
				DetectedAt:  start,
			}},
			InternalOrdersCount:    len(internalOrders),
			InternalPositionsCount: len(internalPositions),
			InternalCash:           internalCash,
			Duration:               time.Since(start),
		}
		metrics.Reconciliation().RecordDiscrepancy(string(CashMismatch), string(SeverityCritical))
		metrics.Reconciliation().RecordRun(res.Duration, res.HasCriticalDiscrepancies())
		return res
	}

	brokerPositions := make(map[string]float64, len(portfolio.Positions))
	for _, p := range portfolio.Positions {
		brokerPositions[p.Instrument.Symbol] = p.Quantity
	}

	var discrepancies []Discrepancy
	discrepancies = append(discrepancies, r.reconcileOrders(internalOrders, brokerOrders, start)...)
	discrepancies = append(discrepancies, r.reconcilePositions(internalPositions, brokerPositions, start)...)
	if d := r.reconcileCash(internalCash, portfolio.Cash, start); d != nil {
		discrepancies = append(discrepancies, *d)
	}

	for _, d := range discrepancies {
		metrics.Reconciliation().RecordDiscrepancy(string(d.Type), string(d.Severity))
	}

	res := Result{
		Timestamp:              start,
		IsReconciled:            len(discrepancies) == 0,
		Discrepancies:           discrepancies,
		InternalOrdersCount:     len(internalOrders),
		BrokerOrdersCount:       len(brokerOrders),
		InternalPositionsCount:  len(internalPositions),
		BrokerPositionsCount:    len(brokerPositions),
		InternalCash:            internalCash,
		BrokerCash:              portfolio.Cash,
		Duration:                time.Since(start),
	}
	metrics.Reconciliation().RecordRun(res.Duration, res.HasCriticalDiscrepancies())
	return res
}

func (r *Reconciler) reconcileOrders(internal []InternalOrder, brokerOrders []broker.OpenOrder, now time.Time) []Discrepancy {
	internalByID := make(map[string]InternalOrder, len(internal))
	for _, o := range internal {
		internalByID[o.OrderID] = o
	}
	brokerByID := make(map[string]broker.OpenOrder, len(brokerOrders))
	for _, o := range brokerOrders {
		brokerByID[o.BrokerOrderID] = o
	}

	var out []Discrepancy
	for id, o := range internalByID {
		if _, ok := brokerByID[id]; !ok {
			out = append(out, Discrepancy{
				Type:          MissingOrder,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("Order %s in system but not in broker", id),
				InternalValue: o,
				Symbol:        o.Symbol,
				OrderID:       id,
				DetectedAt:    now,
			})
		}
	}
	for id, o := range brokerByID {
		if _, ok := internalByID[id]; !ok {
			out = append(out, Discrepancy{
				Type:        UnknownOrder,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("Order %s in broker but not in system (untracked order!)", id),
				BrokerValue: o,
				Symbol:      o.Instrument.Symbol,
				OrderID:     id,
				DetectedAt:  now,
			})
		}
	}
	return out
}

func positionSeverity(diff float64) Severity {
	switch {
	case diff > 100:
		return SeverityCritical
	case diff > 10:
		return SeverityHigh
	case diff > 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (r *Reconciler) reconcilePositions(internal, brokerPositions map[string]float64, now time.Time) []Discrepancy {
	symbols := make(map[string]bool, len(internal)+len(brokerPositions))
	for s := range internal {
		symbols[s] = true
	}
	for s := range brokerPositions {
		symbols[s] = true
	}

	var out []Discrepancy
	for symbol := range symbols {
		internalQty := internal[symbol]
		brokerQty := brokerPositions[symbol]
		diff := internalQty - brokerQty
		if diff < 0 {
			diff = -diff
		}
		if diff <= r.positionTolerance {
			continue
		}

		var discType DiscrepancyType
		var desc string
		switch {
		case internalQty == 0:
			discType = UnknownPosition
			desc = fmt.Sprintf("Position %s in broker (%.4f) but not in system", symbol, brokerQty)
		case brokerQty == 0:
			discType = MissingPosition
			desc = fmt.Sprintf("Position %s in system (%.4f) but not in broker", symbol, internalQty)
		default:
			discType = PositionMismatch
			desc = fmt.Sprintf("Position %s mismatch: system=%.4f, broker=%.4f", symbol, internalQty, brokerQty)
		}

		out = append(out, Discrepancy{
			Type:          discType,
			Severity:      positionSeverity(diff),
			Description:   desc,
			InternalValue: internalQty,
			BrokerValue:   brokerQty,
			Difference:    diff,
			Symbol:        symbol,
			DetectedAt:    now,
		})
	}
	return out
}

func cashSeverity(diff float64) Severity {
	switch {
	case diff > 10000:
		return SeverityCritical
	case diff > 1000:
		return SeverityHigh
	case diff > 100:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (r *Reconciler) reconcileCash(internalCash, brokerCash float64, now time.Time) *Discrepancy {
	diff := internalCash - brokerCash
	if diff < 0 {
		diff = -diff
	}
	if diff <= r.cashTolerance {
		return nil
	}
	return &Discrepancy{
		Type:          CashMismatch,
		Severity:      cashSeverity(diff),
		Description:   fmt.Sprintf("Cash mismatch: system=$%.2f, broker=$%.2f (diff=$%.2f)", internalCash, brokerCash, diff),
		InternalValue: internalCash,
		BrokerValue:   brokerCash,
		Difference:    diff,
		DetectedAt:    now,
	}
}

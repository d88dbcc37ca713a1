package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is a deterministic in-memory paper broker, grounded on
// original_source/packages/broker_ibkr/fake.py: it tracks submitted orders
// in a map keyed by broker order id and exposes SimulateFill/SimulateReject
// test hooks instead of talking to a real gateway.
type Fake struct {
	mu        sync.Mutex
	connected bool
	accountID string
	cash      float64
	orders    map[string]OpenOrder
	prices    map[string]float64
	rng       *rand.Rand
}

// NewFake constructs a paper broker seeded with a single account.
func NewFake(accountID string, startingCash float64) *Fake {
	return &Fake{
		accountID: accountID,
		cash:      startingCash,
		orders:    make(map[string]OpenOrder),
		prices:    make(map[string]float64),
		rng:       rand.New(rand.NewSource(1)),
	}
}

// SetPrice seeds the mock last-price used for submissions and snapshots.
func (f *Fake) SetPrice(symbol string, px float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = px
}

func (f *Fake) mockPrice(symbol string) float64 {
	if px, ok := f.prices[symbol]; ok {
		return px
	}
	return 100.0
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) GetAccounts(ctx context.Context) ([]Account, error) {
	return []Account{{AccountID: f.accountID, Currency: "USD"}}, nil
}

func (f *Fake) GetPortfolio(ctx context.Context, accountID string) (Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if accountID != f.accountID {
		return Portfolio{}, fmt.Errorf("broker: unknown account %s", accountID)
	}
	return Portfolio{AccountID: accountID, Cash: f.cash, NAV: f.cash, AsOf: time.Now()}, nil
}

func (f *Fake) GetOpenOrders(ctx context.Context, accountID string) ([]OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OpenOrder, 0, len(f.orders))
	for _, o := range f.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *Fake) GetMarketSnapshot(ctx context.Context, inst Instrument) (MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px := f.mockPrice(inst.Symbol)
	return MarketSnapshot{Instrument: inst, Bid: px - 0.01, Ask: px + 0.01, Last: px, AsOf: time.Now()}, nil
}

// SubmitOrder mints a synthetic broker order id and records the order as
// SUBMITTED; fills are driven explicitly via SimulateFill in tests.
func (f *Fake) SubmitOrder(ctx context.Context, req OrderRequest) (OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return OpenOrder{}, fmt.Errorf("broker: not connected")
	}
	id := "FAKE" + uuid.NewString()[:8]
	order := OpenOrder{
		BrokerOrderID: id,
		Instrument:    req.Instrument,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		LimitPx:       req.LimitPx,
		Status:        StatusSubmitted,
		SubmittedAt:   time.Now(),
	}
	f.orders[id] = order
	return order, nil
}

func (f *Fake) GetOrderStatus(ctx context.Context, brokerOrderID string) (OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return OpenOrder{}, fmt.Errorf("broker: order %s not found", brokerOrderID)
	}
	return o, nil
}

func (f *Fake) CancelOrder(ctx context.Context, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("broker: order %s not found", brokerOrderID)
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("broker: order %s already terminal", brokerOrderID)
	}
	o.Status = StatusCancelled
	f.orders[brokerOrderID] = o
	return nil
}

// SimulateFill is a test/dry-run hook: it marks an order filled at the
// given price, or at the seeded mock price if fillPx is zero.
func (f *Fake) SimulateFill(brokerOrderID string, fillPx float64) (OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return OpenOrder{}, fmt.Errorf("broker: order %s not found", brokerOrderID)
	}
	if fillPx == 0 {
		fillPx = f.mockPrice(o.Instrument.Symbol)
	}
	o.Status = StatusFilled
	o.FilledQuantity = o.Quantity
	o.AverageFillPrice = fillPx
	f.orders[brokerOrderID] = o
	return o, nil
}

// SimulateReject is a test/dry-run hook mirroring a broker-side rejection.
func (f *Fake) SimulateReject(brokerOrderID string) (OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return OpenOrder{}, fmt.Errorf("broker: order %s not found", brokerOrderID)
	}
	o.Status = StatusRejected
	f.orders[brokerOrderID] = o
	return o, nil
}

var _ Broker = (*Fake)(nil)

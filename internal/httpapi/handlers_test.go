package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/instrument"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/lifecycle"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/marketdata"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/reconcile"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/volatility"
)

type fakeApprovalAPI struct {
	pending       []lifecycle.OrderProposal
	requestErr    error
	grantErr      error
	denyErr       error
	grantedToken  lifecycle.ApprovalToken
	updated       lifecycle.OrderProposal
}

func (f fakeApprovalAPI) ListPending(limit int) []lifecycle.OrderProposal { return f.pending }
func (f fakeApprovalAPI) RequestApproval(proposalID string, now time.Time) (lifecycle.OrderProposal, *lifecycle.ApprovalToken, error) {
	return f.updated, nil, f.requestErr
}
func (f fakeApprovalAPI) GrantApproval(proposalID, reason string, now time.Time) (lifecycle.OrderProposal, lifecycle.ApprovalToken, error) {
	return f.updated, f.grantedToken, f.grantErr
}
func (f fakeApprovalAPI) DenyApproval(proposalID, reason string, now time.Time) (lifecycle.OrderProposal, error) {
	return f.updated, f.denyErr
}

type fakeReconciliationAPI struct {
	result reconcile.Result
	ok     bool
}

func (f fakeReconciliationAPI) LastResult(accountID string) (reconcile.Result, bool) { return f.result, f.ok }

type fakeMarketDataAPI struct {
	snapshot broker.MarketSnapshot
	bars     []marketdata.Bar
	err      error
}

func (f fakeMarketDataAPI) GetSnapshot(instrument broker.Instrument, useCache bool) (broker.MarketSnapshot, error) {
	return f.snapshot, f.err
}
func (f fakeMarketDataAPI) GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly, useCache bool) ([]marketdata.Bar, error) {
	return f.bars, f.err
}

type fakeOrderAPI struct {
	order broker.OpenOrder
	err   error
}

func (f fakeOrderAPI) SubmitOrder(ctx context.Context, proposalID, tokenID, correlationID string, inst broker.Instrument, estimatedPrice float64, now time.Time) (broker.OpenOrder, error) {
	return f.order, f.err
}

type fakeInstrumentAPI struct {
	searchResp  instrument.SearchResponse
	resolveResp instrument.ResolveResponse
	resolveErr  error
}

func (f fakeInstrumentAPI) Search(req instrument.SearchRequest) instrument.SearchResponse { return f.searchResp }
func (f fakeInstrumentAPI) Resolve(req instrument.ResolveRequest) (instrument.ResolveResponse, error) {
	return f.resolveResp, f.resolveErr
}

type fakeVolatilityAPI struct {
	data   *volatility.Data
	market *float64
}

func (f fakeVolatilityAPI) GetVolatility(symbol string, lookbackDays int, useCache bool) *volatility.Data {
	return f.data
}
func (f fakeVolatilityAPI) GetMarketVolatility() *float64 { return f.market }

func newTestHandlers() *handlers {
	return &handlers{
		log: slog.Default(),
		now: time.Now,
	}
}

func decodeJSON(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestSubmitOrderMapsStateErrorTo409(t *testing.T) {
	h := newTestHandlers()
	h.orders = fakeOrderAPI{err: &lifecycle.StateError{ProposalID: "p1", From: lifecycle.StateSubmitted, To: lifecycle.StateApprovalGranted}}

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte(`{"proposal_id":"p1","token":"tok"}`)))
	w := httptest.NewRecorder()
	h.submitOrder(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitOrderMapsTokenInvalidTo400(t *testing.T) {
	h := newTestHandlers()
	h.orders = fakeOrderAPI{err: &lifecycle.TokenInvalidError{TokenID: "bad"}}

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte(`{"proposal_id":"p1","token":"bad"}`)))
	w := httptest.NewRecorder()
	h.submitOrder(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitOrderMapsTokenAlreadyConsumedTo400(t *testing.T) {
	h := newTestHandlers()
	h.orders = fakeOrderAPI{err: &lifecycle.TokenAlreadyConsumedError{TokenID: "tok"}}

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte(`{"proposal_id":"p1","token":"tok"}`)))
	w := httptest.NewRecorder()
	h.submitOrder(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitOrderMapsGenericBrokerFailureTo502(t *testing.T) {
	h := newTestHandlers()
	h.orders = fakeOrderAPI{err: &lifecycle.SubmitError{ProposalID: "p1", Err: assertErr{"broker unreachable"}}}

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte(`{"proposal_id":"p1","token":"tok"}`)))
	w := httptest.NewRecorder()
	h.submitOrder(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSubmitOrderHappyPath(t *testing.T) {
	h := newTestHandlers()
	h.orders = fakeOrderAPI{order: broker.OpenOrder{BrokerOrderID: "b1", Status: broker.StatusSubmitted}}

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte(`{"proposal_id":"p1","token":"tok","symbol":"AAPL"}`)))
	w := httptest.NewRecorder()
	h.submitOrder(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitOrderRequiresProposalIDAndToken(t *testing.T) {
	h := newTestHandlers()
	h.orders = fakeOrderAPI{}

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	h.submitOrder(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitOrderUnavailableWhenNotConfigured(t *testing.T) {
	h := newTestHandlers()
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte(`{"proposal_id":"p1","token":"tok"}`)))
	w := httptest.NewRecorder()
	h.submitOrder(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestSearchInstrumentsRequiresQuery(t *testing.T) {
	h := newTestHandlers()
	h.instruments = fakeInstrumentAPI{}
	req := httptest.NewRequest(http.MethodGet, "/instrument/search", nil)
	w := httptest.NewRecorder()
	h.searchInstruments(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchInstrumentsReturnsResults(t *testing.T) {
	h := newTestHandlers()
	h.instruments = fakeInstrumentAPI{searchResp: instrument.SearchResponse{Query: "AAPL", TotalFound: 1}}
	req := httptest.NewRequest(http.MethodGet, "/instrument/search?query=AAPL", nil)
	w := httptest.NewRecorder()
	h.searchInstruments(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w.Body)
	assert.Equal(t, "AAPL", body["Query"])
}

func TestResolveInstrumentRequiresSymbolOrConID(t *testing.T) {
	h := newTestHandlers()
	h.instruments = fakeInstrumentAPI{}
	req := httptest.NewRequest(http.MethodGet, "/instrument/resolve", nil)
	w := httptest.NewRecorder()
	h.resolveInstrument(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveInstrumentMapsResolutionErrorTo404(t *testing.T) {
	h := newTestHandlers()
	h.instruments = fakeInstrumentAPI{resolveErr: &instrument.ResolutionError{Message: "no match"}}
	req := httptest.NewRequest(http.MethodGet, "/instrument/resolve?symbol=ZZZZ", nil)
	w := httptest.NewRecorder()
	h.resolveInstrument(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveInstrumentHappyPath(t *testing.T) {
	h := newTestHandlers()
	h.instruments = fakeInstrumentAPI{resolveResp: instrument.ResolveResponse{ResolutionMethod: "exact_match"}}
	req := httptest.NewRequest(http.MethodGet, "/instrument/resolve?symbol=AAPL", nil)
	w := httptest.NewRecorder()
	h.resolveInstrument(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMarketVolatilityRequiresInstrument(t *testing.T) {
	h := newTestHandlers()
	h.volatility = fakeVolatilityAPI{}
	req := httptest.NewRequest(http.MethodGet, "/market/volatility", nil)
	w := httptest.NewRecorder()
	h.marketVolatility(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarketVolatilityNotFoundWhenNilData(t *testing.T) {
	h := newTestHandlers()
	h.volatility = fakeVolatilityAPI{data: nil}
	req := httptest.NewRequest(http.MethodGet, "/market/volatility?instrument=AAPL", nil)
	w := httptest.NewRecorder()
	h.marketVolatility(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarketVolatilityHappyPath(t *testing.T) {
	h := newTestHandlers()
	vol := 0.25
	market := 0.18
	h.volatility = fakeVolatilityAPI{data: &volatility.Data{Symbol: "AAPL", RealizedVolatility: &vol}, market: &market}
	req := httptest.NewRequest(http.MethodGet, "/market/volatility?instrument=AAPL", nil)
	w := httptest.NewRecorder()
	h.marketVolatility(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMarketVolatilityUnavailableWhenNotConfigured(t *testing.T) {
	h := newTestHandlers()
	req := httptest.NewRequest(http.MethodGet, "/market/volatility?instrument=AAPL", nil)
	w := httptest.NewRecorder()
	h.marketVolatility(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestListPendingRejectsNegativeLimit(t *testing.T) {
	h := newTestHandlers()
	h.approvals = fakeApprovalAPI{}
	req := httptest.NewRequest(http.MethodGet, "/pending?limit=-1", nil)
	w := httptest.NewRecorder()
	h.listPending(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListPendingReturnsProposals(t *testing.T) {
	h := newTestHandlers()
	intent, _ := lifecycle.Intent{Symbol: "AAPL", Side: "BUY", Quantity: 10}.Marshal()
	h.approvals = fakeApprovalAPI{pending: []lifecycle.OrderProposal{{ProposalID: "p1", IntentJSON: intent}}}
	req := httptest.NewRequest(http.MethodGet, "/pending", nil)
	w := httptest.NewRecorder()
	h.listPending(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w.Body)
	assert.EqualValues(t, 1, body["count"])
}

func TestDenyApprovalRequiresReasonInBody(t *testing.T) {
	h := newTestHandlers()
	h.approvals = fakeApprovalAPI{}
	req := httptest.NewRequest(http.MethodPost, "/deny", bytes.NewReader([]byte(`{"proposal_id":"p1"}`)))
	w := httptest.NewRecorder()
	h.denyApproval(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconciliationStatusRequiresAccountID(t *testing.T) {
	h := newTestHandlers()
	h.reconciliation = fakeReconciliationAPI{}
	req := httptest.NewRequest(http.MethodGet, "/reconciliation", nil)
	w := httptest.NewRecorder()
	h.reconciliationStatus(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconciliationStatusNotFoundWhenNoRun(t *testing.T) {
	h := newTestHandlers()
	h.reconciliation = fakeReconciliationAPI{ok: false}
	req := httptest.NewRequest(http.MethodGet, "/reconciliation?account_id=DU1", nil)
	w := httptest.NewRecorder()
	h.reconciliationStatus(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthzReturnsOK(t *testing.T) {
	h := newTestHandlers()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.healthz(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	b, _ := io.ReadAll(w.Body)
	assert.Equal(t, "ok", string(b))
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

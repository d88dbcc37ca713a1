package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/instrument"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/lifecycle"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/marketdata"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/reconcile"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/volatility"
)

// ApprovalAPI is the subset of the lifecycle layer the HTTP surface
// needs; modeled narrowly so this package never imports featureflags,
// killswitch, or policy directly.
type ApprovalAPI interface {
	ListPending(limit int) []lifecycle.OrderProposal
	RequestApproval(proposalID string, now time.Time) (lifecycle.OrderProposal, *lifecycle.ApprovalToken, error)
	GrantApproval(proposalID, reason string, now time.Time) (lifecycle.OrderProposal, lifecycle.ApprovalToken, error)
	DenyApproval(proposalID, reason string, now time.Time) (lifecycle.OrderProposal, error)
}

// ReconciliationAPI reports the most recent reconciliation run.
type ReconciliationAPI interface {
	LastResult(accountID string) (reconcile.Result, bool)
}

// MarketDataAPI serves snapshot/bar reads for the dashboard.
type MarketDataAPI interface {
	GetSnapshot(instrument broker.Instrument, useCache bool) (broker.MarketSnapshot, error)
	GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly, useCache bool) ([]marketdata.Bar, error)
}

// OrderAPI dispatches a granted proposal's approved order to the broker,
// gated by the live-trading guardrails.
type OrderAPI interface {
	SubmitOrder(ctx context.Context, proposalID, tokenID, correlationID string, inst broker.Instrument, estimatedPrice float64, now time.Time) (broker.OpenOrder, error)
}

// InstrumentAPI resolves user-provided symbols to broker contracts;
// instrument.Resolver satisfies this directly.
type InstrumentAPI interface {
	Search(req instrument.SearchRequest) instrument.SearchResponse
	Resolve(req instrument.ResolveRequest) (instrument.ResolveResponse, error)
}

// VolatilityAPI serves realized/implied volatility reads; volatility.Service
// satisfies this directly.
type VolatilityAPI interface {
	GetVolatility(symbol string, lookbackDays int, useCache bool) *volatility.Data
	GetMarketVolatility() *float64
}

type handlers struct {
	approvals      ApprovalAPI
	reconciliation ReconciliationAPI
	marketData     MarketDataAPI
	orders         OrderAPI
	instruments    InstrumentAPI
	volatility     VolatilityAPI
	log            *slog.Logger
	now            func() time.Time
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errCode, reason string) {
	writeJSON(w, status, map[string]string{"error": errCode, "reason": reason})
}

func statusForLifecycleError(err error) int {
	var notFound *lifecycle.NotFoundError
	var stateErr *lifecycle.StateError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// statusForOrderError extends statusForLifecycleError with the token
// failure modes SubmitOrder can return: both are caller mistakes, not
// broker/infra failures, so they stay 4xx rather than falling through
// to the blanket 502 used for genuine submission failures.
func statusForOrderError(err error) int {
	var notFound *lifecycle.NotFoundError
	var stateErr *lifecycle.StateError
	var tokenErr *lifecycle.TokenInvalidError
	var consumedErr *lifecycle.TokenAlreadyConsumedError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &tokenErr), errors.As(err, &consumedErr):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

type pendingProposal struct {
	ProposalID    string    `json:"proposal_id"`
	CorrelationID string    `json:"correlation_id"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	GrossNotional float64   `json:"gross_notional"`
	RiskDecision  string    `json:"risk_decision"`
	RiskReason    string    `json:"risk_reason"`
}

func toPendingProposal(p lifecycle.OrderProposal) pendingProposal {
	out := pendingProposal{
		ProposalID:    p.ProposalID,
		CorrelationID: p.CorrelationID,
		State:         string(p.State),
		CreatedAt:     p.CreatedAt,
	}
	if intent, err := lifecycle.ParseIntent(p.IntentJSON); err == nil {
		out.Symbol = intent.Symbol
		out.Side = intent.Side
		out.Quantity = intent.Quantity
	}
	if sim, err := lifecycle.ParseSimulation(p.SimulationJSON); err == nil {
		out.GrossNotional = sim.GrossNotional
	}
	if len(p.RiskDecisionJSON) > 0 {
		var decision struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(p.RiskDecisionJSON, &decision); err == nil {
			out.RiskDecision = decision.Decision
			out.RiskReason = decision.Reason
		}
	}
	return out
}

func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	proposals := h.approvals.ListPending(limit)
	out := make([]pendingProposal, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, toPendingProposal(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": out, "count": len(out)})
}

type proposalIDBody struct {
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
}

func decodeBody(r *http.Request) (proposalIDBody, error) {
	var body proposalIDBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return proposalIDBody{}, err
	}
	return body, nil
}

func (h *handlers) requestApproval(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil || body.ProposalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "proposal_id is required")
		return
	}

	updated, _, err := h.approvals.RequestApproval(body.ProposalID, h.now())
	if err != nil {
		writeError(w, statusForLifecycleError(err), "request_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal_id":    updated.ProposalID,
		"state":          string(updated.State),
		"message":        updated.ApprovalReason,
		"correlation_id": updated.CorrelationID,
	})
}

func (h *handlers) grantApproval(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil || body.ProposalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "proposal_id is required")
		return
	}

	updated, tok, err := h.approvals.GrantApproval(body.ProposalID, body.Reason, h.now())
	if err != nil {
		writeError(w, statusForLifecycleError(err), "grant_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal_id":    updated.ProposalID,
		"token":          tok.TokenID,
		"expires_at":     tok.ExpiresAt,
		"message":        "approval granted",
		"correlation_id": updated.CorrelationID,
	})
}

func (h *handlers) denyApproval(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil || body.ProposalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "proposal_id is required")
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, "missing_reason", "reason is required to deny a proposal")
		return
	}

	updated, err := h.approvals.DenyApproval(body.ProposalID, body.Reason, h.now())
	if err != nil {
		writeError(w, statusForLifecycleError(err), "deny_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal_id":    updated.ProposalID,
		"state":          string(updated.State),
		"message":        "approval denied",
		"correlation_id": updated.CorrelationID,
	})
}

func (h *handlers) reconciliationStatus(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "missing_account_id", "account_id is required")
		return
	}
	result, ok := h.reconciliation.LastResult(accountID)
	if !ok {
		writeError(w, http.StatusNotFound, "no_reconciliation", "no reconciliation run recorded for this account")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) marketSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("instrument")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing_instrument", "instrument is required")
		return
	}
	snap, err := h.marketData.GetSnapshot(broker.Instrument{Symbol: symbol}, true)
	if err != nil {
		writeError(w, http.StatusBadGateway, "snapshot_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) marketBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("instrument")
	timeframe := q.Get("timeframe")
	if symbol == "" || timeframe == "" {
		writeError(w, http.StatusBadRequest, "missing_params", "instrument and timeframe are required")
		return
	}

	now := h.now()
	start, end := now.Add(-24*time.Hour), now
	if raw := q.Get("start"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			start = t
		}
	}
	if raw := q.Get("end"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			end = t
		}
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rthOnly := !strings.EqualFold(q.Get("rth_only"), "false")

	bars, err := h.marketData.GetBars(broker.Instrument{Symbol: symbol}, timeframe, start, end, limit, rthOnly, true)
	if err != nil {
		writeError(w, http.StatusBadGateway, "bars_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument": symbol, "timeframe": timeframe, "bars": bars})
}

func (h *handlers) searchInstruments(w http.ResponseWriter, r *http.Request) {
	if h.instruments == nil {
		writeError(w, http.StatusNotImplemented, "instruments_unavailable", "instrument search is not configured")
		return
	}
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "query is required")
		return
	}
	limit := 20
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	resp := h.instruments.Search(instrument.SearchRequest{
		Query:    query,
		SecType:  q.Get("sec_type"),
		Exchange: q.Get("exchange"),
		Currency: q.Get("currency"),
		Limit:    limit,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) resolveInstrument(w http.ResponseWriter, r *http.Request) {
	if h.instruments == nil {
		writeError(w, http.StatusNotImplemented, "instruments_unavailable", "instrument resolution is not configured")
		return
	}
	q := r.URL.Query()
	var conID int64
	if raw := q.Get("con_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_con_id", "con_id must be an integer")
			return
		}
		conID = n
	}
	symbol := q.Get("symbol")
	if conID == 0 && symbol == "" {
		writeError(w, http.StatusBadRequest, "missing_symbol", "symbol or con_id is required")
		return
	}
	resp, err := h.instruments.Resolve(instrument.ResolveRequest{
		ConID:    conID,
		Symbol:   symbol,
		SecType:  q.Get("sec_type"),
		Exchange: q.Get("exchange"),
		Currency: q.Get("currency"),
	})
	if err != nil {
		var resErr *instrument.ResolutionError
		if errors.As(err, &resErr) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "resolution_failed", "reason": resErr.Message, "candidates": resErr.Candidates})
			return
		}
		writeError(w, http.StatusBadGateway, "resolution_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) marketVolatility(w http.ResponseWriter, r *http.Request) {
	if h.volatility == nil {
		writeError(w, http.StatusNotImplemented, "volatility_unavailable", "volatility is not configured")
		return
	}
	q := r.URL.Query()
	symbol := q.Get("instrument")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing_instrument", "instrument is required")
		return
	}
	lookback := 30
	if raw := q.Get("lookback_days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lookback = n
		}
	}
	useCache := !strings.EqualFold(q.Get("use_cache"), "false")
	data := h.volatility.GetVolatility(symbol, lookback, useCache)
	if data == nil {
		writeError(w, http.StatusNotFound, "no_volatility", "no volatility data available for this instrument")
		return
	}
	market := h.volatility.GetMarketVolatility()
	writeJSON(w, http.StatusOK, map[string]any{"instrument": data, "market_volatility": market})
}

type submitOrderBody struct {
	ProposalID     string  `json:"proposal_id"`
	TokenID        string  `json:"token"`
	Symbol         string  `json:"symbol"`
	SecType        string  `json:"sec_type"`
	Exchange       string  `json:"exchange"`
	Currency       string  `json:"currency"`
	EstimatedPrice float64 `json:"estimated_price"`
}

func (h *handlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		writeError(w, http.StatusNotImplemented, "orders_unavailable", "order submission is not configured")
		return
	}
	var body submitOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProposalID == "" || body.TokenID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "proposal_id and token are required")
		return
	}

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = newCorrelationID()
	}

	inst := broker.Instrument{Symbol: body.Symbol, SecType: body.SecType, Exchange: body.Exchange, Currency: body.Currency}
	order, err := h.orders.SubmitOrder(r.Context(), body.ProposalID, body.TokenID, correlationID, inst, body.EstimatedPrice, h.now())
	if err != nil {
		writeError(w, statusForOrderError(err), "submit_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// newCorrelationID mints a correlation id for requests that don't carry
// one from the caller.
func newCorrelationID() string {
	return uuid.NewString()
}

// Package httpapi exposes the HTTP surface consumed by the approval
// dashboard: pending-proposal polling, the approval
// request/grant/deny actions, reconciliation status, and market data
// passthrough, plus a websocket stream for live proposal updates.
// Routing follows gateway/routes/router.go's chi-based layering:
// CORS → observability → auth → route handlers.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/httpapi/auth"
)

// Config wires the router's dependencies.
type Config struct {
	Approvals      ApprovalAPI
	Reconciliation ReconciliationAPI
	MarketData     MarketDataAPI
	Orders         OrderAPI
	Instruments    InstrumentAPI
	Volatility     VolatilityAPI
	Authenticator  *auth.Authenticator
	Log            *slog.Logger
	Now            func() time.Time
}

// New builds the full HTTP handler.
func New(cfg Config) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	h := &handlers{
		approvals:      cfg.Approvals,
		reconciliation: cfg.Reconciliation,
		marketData:     cfg.MarketData,
		orders:         cfg.Orders,
		instruments:    cfg.Instruments,
		volatility:     cfg.Volatility,
		log:            cfg.Log,
		now:            cfg.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", h.healthz)

	r.Route("/api/v1", func(api chi.Router) {
		if cfg.Authenticator != nil {
			api.Use(cfg.Authenticator.Middleware)
		}

		api.Route("/approval", func(ar chi.Router) {
			ar.Get("/pending", h.listPending)
			ar.Post("/request", h.requestApproval)
			ar.Post("/grant", h.grantApproval)
			ar.Post("/deny", h.denyApproval)
		})

		api.Get("/reconciliation/status", h.reconciliationStatus)

		api.Post("/order/submit", h.submitOrder)

		api.Route("/market", func(mr chi.Router) {
			mr.Get("/snapshot", h.marketSnapshot)
			mr.Get("/bars", h.marketBars)
			mr.Get("/volatility", h.marketVolatility)
		})

		api.Route("/instrument", func(ir chi.Router) {
			ir.Get("/search", h.searchInstruments)
			ir.Get("/resolve", h.resolveInstrument)
		})

		api.Get("/stream", h.stream)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

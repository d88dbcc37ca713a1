package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// stream pushes the pending-approval queue to the dashboard over a
// websocket, polling the store on an interval rather than wiring a
// dedicated pub/sub path — the queue is small and the UI only needs
// near-real-time freshness, not push-on-write latency.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn("httpapi: websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case <-ticker.C:
			proposals := h.approvals.ListPending(0)
			out := make([]pendingProposal, 0, len(proposals))
			for _, p := range proposals {
				out = append(out, toPendingProposal(p))
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c, map[string]any{"proposals": out, "count": len(out), "as_of": time.Now().UTC()})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"shortbot/internal/config"
	"shortbot/internal/engine"
	"shortbot/internal/store"
)

// Agent is the engine surface the dashboard needs: live status and the
// manual close operation.
type Agent interface {
	Status() engine.Snapshot
	CloseManual(tradeID string) error
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	agent    Agent
	store    *store.Store
	cfg      *config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(agent Agent, st *store.Store, cfg *config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		agent:  agent,
		store:  st,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Dashboard, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a WebSocket origin may connect. With an
// allowlist configured only exact matches pass; otherwise same-host and
// localhost origins are accepted.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true // non-browser clients
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// limitParam parses ?limit=N, clamped to [1, 500].
func limitParam(r *http.Request, def int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus serves the live engine snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, NewStatusResponse(h.agent.Status()))
}

// HandleTrades serves recent trades, newest first.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.RecentTrades(limitParam(r, 100))
	if err != nil {
		h.logger.Error("load trades", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, NewTradeView(t))
	}
	h.writeJSON(w, http.StatusOK, views)
}

// HandleTrade serves one trade with its full audit trail.
func (h *Handlers) HandleTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trade, err := h.store.GetTrade(id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		h.logger.Error("load trade", "trade_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	events, err := h.store.TradeEvents(id)
	if err != nil {
		h.logger.Error("load trade events", "trade_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, TradeDetail{Trade: NewTradeView(trade), Events: events})
}

// HandleCloseTrade requests a manual close of an open trade and responds
// with the trade as it stands after the close was claimed.
func (h *Handlers) HandleCloseTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.agent.CloseManual(id)
	switch {
	case errors.Is(err, engine.ErrTradeNotFound):
		h.writeError(w, http.StatusNotFound, "trade not found")
	case errors.Is(err, engine.ErrNotOpen):
		h.writeError(w, http.StatusConflict, "trade is not open")
	case err != nil:
		h.logger.Error("manual close", "trade_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		trade, err := h.store.GetTrade(id)
		if err != nil {
			h.logger.Error("load trade after close", "trade_id", id, "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		h.writeJSON(w, http.StatusAccepted, NewTradeView(trade))
	}
}

// HandleEvents serves the tail of the audit log, newest first.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.RecentEvents(limitParam(r, 100))
	if err != nil {
		h.logger.Error("load events", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// HandleConfig serves the running configuration with credentials redacted.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Public())
}

// recentEventsToClient is how much audit history a fresh WebSocket client
// receives after the initial snapshot.
const recentEventsToClient = 50

// HandleWebSocket upgrades the connection, sends the current snapshot and
// recent history, then leaves the client on the hub's broadcast list.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	h.push(client, wsMessage{
		Type: "snapshot",
		Data: NewStatusResponse(h.agent.Status()),
	})

	events, err := h.store.RecentEvents(recentEventsToClient)
	if err != nil {
		h.logger.Error("load events for client", "error", err)
		return
	}
	// RecentEvents is newest first; replay oldest first.
	for i := len(events) - 1; i >= 0; i-- {
		h.push(client, wsMessage{
			Type:      string(events[i].EventType),
			Timestamp: events[i].Timestamp,
			Data:      events[i],
		})
	}
}

func (h *Handlers) push(client *Client, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal ws message", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client send buffer full, message dropped")
	}
}

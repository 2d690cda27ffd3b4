// userstream.go implements the venue's user-data WebSocket stream.
//
// The stream is opened with a listen key obtained over REST and carries
// account-scoped events; the one this agent consumes is ORDER_TRADE_UPDATE,
// which reports order executions. The stream auto-reconnects with
// exponential backoff (1s → 30s max), requests a fresh listen key on every
// connect, and keeps the key alive with a PUT every 25 minutes. A read
// deadline ensures silent server failures are detected.
//
// Fills can be lost while disconnected, so every reconnect after the first
// is announced on Reconnects(); the engine responds by reconciling its
// non-terminal trades against venue state.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"shortbot/pkg/types"
)

const (
	keepAliveInterval  = 25 * time.Minute // venue expires idle keys at 60m
	streamReadTimeout  = 90 * time.Second
	streamMaxBackoff   = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	updateBufferSize   = 256
)

// UserStream manages the user-data WebSocket connection. It handles the
// listen-key lifecycle, message parsing, and automatic reconnection.
type UserStream struct {
	wsBaseURL string
	client    *Client // listen-key REST operations
	conn      *websocket.Conn
	connMu    sync.Mutex

	updateCh    chan types.OrderUpdate
	reconnectCh chan struct{}

	connected atomic.Bool
	logger    *slog.Logger
}

// NewUserStream creates a user-data stream reading from wsBaseURL.
func NewUserStream(wsBaseURL string, client *Client, logger *slog.Logger) *UserStream {
	return &UserStream{
		wsBaseURL:   wsBaseURL,
		client:      client,
		updateCh:    make(chan types.OrderUpdate, updateBufferSize),
		reconnectCh: make(chan struct{}, 1),
		logger:      logger.With("component", "userstream"),
	}
}

// Updates returns a read-only channel of parsed order executions.
// Only full fills reported by the venue as trades are delivered.
func (s *UserStream) Updates() <-chan types.OrderUpdate { return s.updateCh }

// Reconnects signals every re-established connection after the first.
// Consumers use it to reconcile state that may have changed while blind.
func (s *UserStream) Reconnects() <-chan struct{} { return s.reconnectCh }

// Connected reports whether the stream currently has a live connection.
func (s *UserStream) Connected() bool { return s.connected.Load() }

// Run connects and maintains the stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) error {
	backoff := time.Second
	first := true

	for {
		err := s.connectAndRead(ctx, first)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false

		s.logger.Warn("user stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
}

// Close gracefully closes the connection.
func (s *UserStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *UserStream) connectAndRead(ctx context.Context, first bool) error {
	key, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBaseURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.connected.Store(true)
	s.logger.Info("user stream connected")

	if !first {
		// Fills may have happened while disconnected.
		select {
		case s.reconnectCh <- struct{}{}:
		default:
		}
	}

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go s.keepAliveLoop(keepCtx)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := s.dispatchMessage(msg); err != nil {
			return err
		}
	}
}

func (s *UserStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx); err != nil {
				s.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

// wireOrderUpdate is the raw ORDER_TRADE_UPDATE payload. The venue uses
// single-letter keys and string-encoded numbers.
type wireOrderUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastQty       string `json:"l"`
		CumQty        string `json:"z"`
		LastPrice     string `json:"L"`
		AvgPrice      string `json:"ap"`
		Commission    string `json:"n"`
	} `json:"o"`
}

func (s *UserStream) dispatchMessage(data []byte) error {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return nil
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		var raw wireOrderUpdate
		if err := json.Unmarshal(data, &raw); err != nil {
			s.logger.Error("unmarshal order update", "error", err)
			return nil
		}
		upd := types.OrderUpdate{
			OrderID:       raw.Order.OrderID,
			ClientOrderID: raw.Order.ClientOrderID,
			Symbol:        raw.Order.Symbol,
			Side:          types.Side(raw.Order.Side),
			Status:        raw.Order.Status,
			ExecType:      raw.Order.ExecType,
			EventTime:     raw.EventTime,
		}
		upd.LastPrice, _ = strconv.ParseFloat(raw.Order.LastPrice, 64)
		upd.LastQty, _ = strconv.ParseFloat(raw.Order.LastQty, 64)
		upd.CumQty, _ = strconv.ParseFloat(raw.Order.CumQty, 64)
		upd.AvgPrice, _ = strconv.ParseFloat(raw.Order.AvgPrice, 64)
		upd.Commission, _ = strconv.ParseFloat(raw.Order.Commission, 64)

		// Only terminal maker/taker fills drive the state machine. NEW,
		// CANCELED, and partial fills are logged and left to the cancel
		// and reconciliation paths.
		if upd.ExecType != "TRADE" || !upd.Filled() {
			s.logger.Debug("order update",
				"order_id", upd.OrderID,
				"status", upd.Status,
				"exec_type", upd.ExecType,
			)
			return nil
		}

		select {
		case s.updateCh <- upd:
		default:
			s.logger.Warn("update channel full, dropping fill", "order_id", upd.OrderID)
		}
		return nil

	case "listenKeyExpired":
		// Reconnecting fetches a fresh key.
		return fmt.Errorf("listen key expired")

	case "ACCOUNT_UPDATE", "MARGIN_CALL", "ACCOUNT_CONFIG_UPDATE":
		s.logger.Debug("ignoring event", "type", envelope.EventType)
		return nil

	default:
		s.logger.Debug("unknown stream event type", "type", envelope.EventType)
		return nil
	}
}

// Package ingress consumes the four partitioned inbound streams (trades,
// positions, inventories, contracts) and dispatches events onto per-shard
// queues that serialize work per partition key.
//
// The feed maintains a single WebSocket connection to the bus with
// auto-reconnect and exponential backoff (1s to 30s max), re-subscribing to
// all streams on reconnection. A read deadline detects silent server
// failures. The dispatcher preserves per-key order end to end: one key
// always hashes to one shard, and a shard runs strictly sequentially,
// including retry backoff for parked events.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inventory-core/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	eventBufferSize  = 256
)

// Streams the feed subscribes to. Trades and positions partition on bookId;
// inventories and contracts on securityId.
var allStreams = []string{"trades", "positions", "inventories", "contracts"}

// subscribeMsg is the initial subscription message sent on connect.
type subscribeMsg struct {
	Type    string   `json:"type"` // always "subscribe"
	Streams []string `json:"streams"`
}

// Feed manages the bus connection and routes inbound messages into typed
// channels.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	tradeCh     chan types.TradeDataEvent
	positionCh  chan types.PositionEvent
	inventoryCh chan types.InventoryEvent
	contractCh  chan types.ContractEvent

	logger *slog.Logger
}

// NewFeed creates a feed for the bus ingress endpoint.
func NewFeed(busURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:         busURL,
		tradeCh:     make(chan types.TradeDataEvent, eventBufferSize),
		positionCh:  make(chan types.PositionEvent, eventBufferSize),
		inventoryCh: make(chan types.InventoryEvent, eventBufferSize),
		contractCh:  make(chan types.ContractEvent, eventBufferSize),
		logger:      logger.With("component", "ingress_feed"),
	}
}

// TradeEvents returns a read-only channel of trade events.
func (f *Feed) TradeEvents() <-chan types.TradeDataEvent { return f.tradeCh }

// PositionEvents returns a read-only channel of position snapshots.
func (f *Feed) PositionEvents() <-chan types.PositionEvent { return f.positionCh }

// InventoryEvents returns a read-only channel of availability deltas.
func (f *Feed) InventoryEvents() <-chan types.InventoryEvent { return f.inventoryCh }

// ContractEvents returns a read-only channel of contract events.
func (f *Feed) ContractEvents() <-chan types.ContractEvent { return f.contractCh }

// Run connects and maintains the bus connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("bus disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(subscribeMsg{Type: "subscribe", Streams: allStreams}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("bus connected", "streams", allStreams)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(ctx, msg)
	}
}

// dispatchMessage peeks at event_type and routes onto the typed channel.
// Channel sends block, which is the backpressure path: a full channel
// pauses the read loop and, transitively, the bus partition.
func (f *Feed) dispatchMessage(ctx context.Context, data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json bus message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "trade":
		var ev types.TradeDataEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- ev:
		case <-ctx.Done():
		}

	case "position":
		var ev types.PositionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Error("unmarshal position event", "error", err)
			return
		}
		select {
		case f.positionCh <- ev:
		case <-ctx.Done():
		}

	case "inventory":
		var ev types.InventoryEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Error("unmarshal inventory event", "error", err)
			return
		}
		select {
		case f.inventoryCh <- ev:
		case <-ctx.Done():
		}

	case "contract":
		var ev types.ContractEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Error("unmarshal contract event", "error", err)
			return
		}
		select {
		case f.contractCh <- ev:
		case <-ctx.Done():
		}

	case "heartbeat":
		f.logger.Debug("bus heartbeat")

	default:
		f.logger.Debug("unknown bus event type", "type", envelope.EventType)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("bus not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("bus not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

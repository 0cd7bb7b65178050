// Package egress publishes position, inventory, and limit change events to
// the message bus.
//
// Publishing is single-writer: every event enters one FIFO queue, so the
// publish order equals the enqueue order and per-key ordering follows from
// the engines' per-key serialization upstream. Delivery is at-least-once;
// each emission carries a fresh UUID for consumer-side deduplication. A
// failed bus write requeues the event ahead of new work and reconnects with
// exponential backoff.
package egress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"inventory-core/pkg/types"
)

const (
	queueDepth       = 4096
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// Envelope is one outbound event with its bus partition key.
type Envelope struct {
	PartitionKey string `json:"partitionKey"`
	Payload      any    `json:"payload"`
}

// Tap receives every published envelope in publish order, synchronously on
// the publishing goroutine. Used by the API event stream and by tests.
type Tap func(Envelope)

// Publisher owns the bus producer connection.
type Publisher struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	queue chan Envelope

	tapsMu  sync.RWMutex
	taps    map[int]Tap
	nextTap int

	logger *slog.Logger
}

// NewPublisher creates a publisher for the bus egress endpoint. An empty
// URL keeps the publisher in-process only (taps still fire); useful in
// tests and single-process deployments.
func NewPublisher(busURL string, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:    busURL,
		queue:  make(chan Envelope, queueDepth),
		taps:   make(map[int]Tap),
		logger: logger.With("component", "egress"),
	}
}

// AddTap registers an in-process consumer and returns its remove function.
func (p *Publisher) AddTap(t Tap) func() {
	p.tapsMu.Lock()
	defer p.tapsMu.Unlock()
	id := p.nextTap
	p.nextTap++
	p.taps[id] = t
	return func() {
		p.tapsMu.Lock()
		defer p.tapsMu.Unlock()
		delete(p.taps, id)
	}
}

// PublishPositionUpdate emits a POSITION_UPDATE keyed bookId:securityId.
func (p *Publisher) PublishPositionUpdate(pos types.Position) {
	p.enqueue(Envelope{
		PartitionKey: pos.BookID + ":" + pos.SecurityID,
		Payload: types.PositionUpdateEvent{
			EventHeader: newHeader(types.EventPositionUpdate, pos.Version),
			Position:    pos,
		},
	})
}

// PublishInventoryUpdate emits an INVENTORY_UPDATE keyed
// securityId:calculationType.
func (p *Publisher) PublishInventoryUpdate(a types.InventoryAvailability) {
	p.enqueue(Envelope{
		PartitionKey: a.SecurityID + ":" + string(a.CalculationType),
		Payload: types.InventoryUpdateEvent{
			EventHeader:  newHeader(types.EventInventoryUpdate, a.Version),
			Availability: a,
		},
	})
}

// PublishClientLimitUpdate emits a CLIENT_LIMIT_UPDATE keyed
// clientId:securityId.
func (p *Publisher) PublishClientLimitUpdate(l types.ClientLimit) {
	p.enqueue(Envelope{
		PartitionKey: l.ClientID + ":" + l.SecurityID,
		Payload: types.ClientLimitUpdateEvent{
			EventHeader: newHeader(types.EventClientLimitUpdate, l.Version),
			Limit:       l,
		},
	})
}

// PublishAULimitUpdate emits an AU_LIMIT_UPDATE keyed auId:securityId.
func (p *Publisher) PublishAULimitUpdate(l types.AggregationUnitLimit) {
	p.enqueue(Envelope{
		PartitionKey: l.AggregationUnitID + ":" + l.SecurityID,
		Payload: types.AULimitUpdateEvent{
			EventHeader: newHeader(types.EventAULimitUpdate, l.Version),
			Limit:       l,
		},
	})
}

// Run drains the queue onto the bus until ctx is cancelled. Without a bus
// URL it drains to taps only.
func (p *Publisher) Run(ctx context.Context) error {
	var pending *Envelope
	backoff := time.Second

	for {
		if p.url != "" && !p.connected() {
			if err := p.dial(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn("bus producer dial failed", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxReconnectWait {
					backoff = maxReconnectWait
				}
				continue
			}
			backoff = time.Second
		}

		var env Envelope
		if pending != nil {
			env = *pending
			pending = nil
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case env = <-p.queue:
			}
		}

		if p.url == "" {
			continue
		}

		if err := p.writeJSON(env); err != nil {
			// At-least-once: hold the event and reconnect.
			pending = &env
			p.closeConn()
			p.logger.Warn("bus publish failed, will retry", "key", env.PartitionKey, "error", err)
		}
	}
}

// Close shuts the producer connection.
func (p *Publisher) Close() error {
	p.closeConn()
	return nil
}

// enqueue fans out to taps and queues for the bus. Blocks at the queue
// bound so producers feel backpressure rather than events disappearing.
func (p *Publisher) enqueue(env Envelope) {
	p.tapsMu.RLock()
	for _, t := range p.taps {
		t(env)
	}
	p.tapsMu.RUnlock()

	p.queue <- env
}

func newHeader(eventType string, version int64) types.EventHeader {
	return types.EventHeader{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Source:    types.EventSource,
		Timestamp: time.Now().UTC(),
		Version:   version,
	}
}

func (p *Publisher) connected() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn != nil
}

func (p *Publisher) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	p.logger.Info("bus producer connected")
	return nil
}

func (p *Publisher) closeConn() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *Publisher) writeJSON(v any) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("bus producer not connected")
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(v)
}

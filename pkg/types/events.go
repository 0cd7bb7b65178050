package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Inbound events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the four inbound streams.
// Streams are partitioned by bookId (trades, positions) or securityId
// (inventories, contracts); per-partition order is preserved end to end.

// TradeDataEvent is one executed trade. BUY settles into a receipt bucket,
// SELL into a deliver bucket, chosen by settlementDate - businessDate.
type TradeDataEvent struct {
	EventType      string          `json:"event_type"` // always "trade"
	TradeID        string          `json:"tradeId"`
	BookID         string          `json:"bookId"`
	SecurityID     string          `json:"securityId"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	TradeDate      Date            `json:"tradeDate"`
	SettlementDate Date            `json:"settlementDate"`
	CounterpartyID string          `json:"counterpartyId,omitempty"`
	AuID           string          `json:"auId,omitempty"`
}

// PositionEvent is an external position snapshot. Only start-of-day
// snapshots are authoritative; intraday snapshots are rejected because the
// trade stream owns intraday state.
type PositionEvent struct {
	EventType      string           `json:"event_type"` // always "position"
	EventID        string           `json:"eventId"`
	BookID         string           `json:"bookId"`
	SecurityID     string           `json:"securityId"`
	BusinessDate   Date             `json:"businessDate"`
	ContractualQty *decimal.Decimal `json:"contractualQty,omitempty"`
	SettledQty     *decimal.Decimal `json:"settledQty,omitempty"`
	Ladder         *Ladder          `json:"ladder,omitempty"`
	PositionType   PositionType     `json:"positionType,omitempty"`
	IsStartOfDay   bool             `json:"isStartOfDay"`
	// Optional flags carried by custodial snapshots.
	IsHypothecatable *bool `json:"isHypothecatable,omitempty"`
	IsReserved       *bool `json:"isReserved,omitempty"`
}

// InventoryEvent carries an availability delta, typically from an external
// lender feed (isExternalSource=true).
type InventoryEvent struct {
	EventType                string              `json:"event_type"` // always "inventory"
	EventID                  string              `json:"eventId"`
	SecurityIdentifier       string              `json:"securityIdentifier"`
	SecurityMarket           string              `json:"securityMarket,omitempty"`
	CounterpartyIdentifier   string              `json:"counterpartyIdentifier,omitempty"`
	AggregationUnitIdentifier string             `json:"aggregationUnitIdentifier,omitempty"`
	BusinessDate             Date                `json:"businessDate"`
	CalculationType          CalculationType     `json:"calculationType"`
	GrossQuantity            decimal.Decimal     `json:"grossQuantity"`
	NetQuantity              decimal.Decimal     `json:"netQuantity"`
	AvailableQuantity        decimal.Decimal     `json:"availableQuantity"`
	ReservedQuantity         decimal.Decimal     `json:"reservedQuantity"`
	DecrementQuantity        decimal.Decimal     `json:"decrementQuantity"`
	SecurityTemperature      SecurityTemperature `json:"securityTemperature"`
	BorrowRate               decimal.Decimal     `json:"borrowRate"`
	CalculationRuleID        string              `json:"calculationRuleId"`
	CalculationRuleVersion   int64               `json:"calculationRuleVersion"`
	IsExternalSource         bool                `json:"isExternalSource"`
	ExternalSourceName       string              `json:"externalSourceName,omitempty"`
	Status                   InventoryStatus     `json:"status"`
}

// ContractEvent announces a financing contract that affects availability:
// repos release or pledge collateral, SLAB lends out supply, pay-to-hold
// reserves borrow capacity, external borrows add supply.
type ContractEvent struct {
	EventType      string          `json:"event_type"` // always "contract"
	ContractID     string          `json:"contractId"`
	Type           ContractType    `json:"type"`
	SecurityID     string          `json:"securityId"`
	Qty            decimal.Decimal `json:"qty"`
	StartDate      Date            `json:"startDate"`
	EndDate        Date            `json:"endDate"`
	CounterpartyID string          `json:"counterpartyId"`
	// IsPayToHold marks borrow supply that must not count toward overborrow.
	IsPayToHold bool `json:"isPayToHold,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Outbound events
// ————————————————————————————————————————————————————————————————————————

// EventSource is the source field stamped on every outbound event.
const EventSource = "CALCULATION_CORE"

// Outbound event types.
const (
	EventPositionUpdate    = "POSITION_UPDATE"
	EventInventoryUpdate   = "INVENTORY_UPDATE"
	EventClientLimitUpdate = "CLIENT_LIMIT_UPDATE"
	EventAULimitUpdate     = "AU_LIMIT_UPDATE"
)

// EventHeader is the base header shared by all outbound events. EventID is a
// fresh UUID per emission; consumers deduplicate on it because delivery is
// at-least-once.
type EventHeader struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Version       int64     `json:"version"`
}

// PositionUpdateEvent is published after every successful position mutation.
// Partition key: bookId:securityId.
type PositionUpdateEvent struct {
	EventHeader
	Position Position `json:"position"`
}

// InventoryUpdateEvent is published per recomputed availability record.
// Partition key: securityId:calculationType.
type InventoryUpdateEvent struct {
	EventHeader
	Availability InventoryAvailability `json:"availability"`
}

// ClientLimitUpdateEvent is published when a client limit is rebuilt or its
// usage changes. Partition key: clientId:securityId.
type ClientLimitUpdateEvent struct {
	EventHeader
	Limit ClientLimit `json:"limit"`
}

// AULimitUpdateEvent is published when an AU limit is rebuilt or its usage
// changes. Partition key: auId:securityId.
type AULimitUpdateEvent struct {
	EventHeader
	Limit AggregationUnitLimit `json:"limit"`
}

// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the calculation core: securities,
// positions and their settlement ladders, inventory availability records,
// trading limits, calculation rules, and the inbound/outbound event payloads.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// SecurityType enumerates the instrument classes the core recognizes.
type SecurityType string

const (
	SecEquity SecurityType = "EQUITY"
	SecBond   SecurityType = "BOND"
	SecETF    SecurityType = "ETF"
	SecIndex  SecurityType = "INDEX"
	SecOption SecurityType = "OPTION"
	SecFuture SecurityType = "FUTURE"
	SecSwap   SecurityType = "SWAP"
	SecOther  SecurityType = "OTHER"
)

// SecurityStatus is the reference-data status of a security.
type SecurityStatus string

const (
	SecurityActive   SecurityStatus = "ACTIVE"
	SecurityInactive SecurityStatus = "INACTIVE"
)

// CalculationType identifies one of the six availability categories.
type CalculationType string

const (
	ForLoan    CalculationType = "FOR_LOAN"
	ForPledge  CalculationType = "FOR_PLEDGE"
	ShortSell  CalculationType = "SHORT_SELL"
	LongSell   CalculationType = "LONG_SELL"
	Locate     CalculationType = "LOCATE"
	Overborrow CalculationType = "OVERBORROW"
)

// AllCalculationTypes lists the categories in their computation order.
// Later categories read the outputs of earlier ones.
var AllCalculationTypes = []CalculationType{
	ForLoan, ForPledge, ShortSell, LongSell, Locate, Overborrow,
}

// SecurityTemperature classifies how hard a security is to borrow.
type SecurityTemperature string

const (
	TempHTB  SecurityTemperature = "HTB" // hard-to-borrow
	TempGC   SecurityTemperature = "GC"  // general collateral
	TempWarm SecurityTemperature = "WARM"
	TempCold SecurityTemperature = "COLD"
)

// InventoryStatus is the lifecycle status of an availability record.
type InventoryStatus string

const (
	InventoryActive   InventoryStatus = "ACTIVE"
	InventoryInactive InventoryStatus = "INACTIVE"
	InventoryPending  InventoryStatus = "PENDING"
	InventoryError    InventoryStatus = "ERROR"
)

// CalculationStatus tracks whether a position's derived fields are current.
type CalculationStatus string

const (
	CalcPending CalculationStatus = "PENDING"
	CalcValid   CalculationStatus = "VALID"
	CalcInvalid CalculationStatus = "INVALID"
	CalcError   CalculationStatus = "ERROR"
)

// PositionType records how the holding arose. Borrowed holdings are subject
// to market re-lend restrictions.
type PositionType string

const (
	PosOwned    PositionType = "OWNED"
	PosBorrowed PositionType = "BORROWED"
	PosLoaned   PositionType = "LOANED"
)

// OrderType is the kind of sell order validated against limits.
type OrderType string

const (
	OrderLongSell  OrderType = "LONG_SELL"
	OrderShortSell OrderType = "SHORT_SELL"
)

// LimitType distinguishes regulatory from house limits.
type LimitType string

const (
	LimitRegulatory LimitType = "REGULATORY"
	LimitHouse      LimitType = "HOUSE"
)

// LimitStatus is the lifecycle status of a limit record.
type LimitStatus string

const (
	LimitActive    LimitStatus = "ACTIVE"
	LimitSuspended LimitStatus = "SUSPENDED"
)

// ContractType enumerates the financing contracts that affect availability.
type ContractType string

const (
	ContractRepo           ContractType = "REPO"
	ContractSLAB           ContractType = "SLAB" // securities-lending against borrow
	ContractPayToHold      ContractType = "PAY_TO_HOLD"
	ContractExternalBorrow ContractType = "EXTERNAL_BORROW"
)

// Markets with dedicated regulatory handling. MarketGlobal marks rules that
// apply everywhere.
const (
	MarketGlobal = "GLOBAL"
	MarketTaiwan = "TW"
	MarketJapan  = "JP"
)

// ————————————————————————————————————————————————————————————————————————
// Securities and books
// ————————————————————————————————————————————————————————————————————————

// Security is the reference-data view of an instrument. Immutable from the
// core's perspective; sourced from the reference-data service.
type Security struct {
	InternalID      string         `json:"internalId"`
	Type            SecurityType   `json:"type"`
	Market          string         `json:"market"`
	Currency        string         `json:"currency"`
	Status          SecurityStatus `json:"status"`
	IsBasketProduct bool           `json:"isBasketProduct"`
	BasketType      string         `json:"basketType,omitempty"`
}

// Book is the reference-data view of an internal trading unit. ClientID and
// AggregationUnitID attribute the book's activity for limit purposes.
type Book struct {
	ID                string `json:"id"`
	ClientID          string `json:"clientId"`
	AggregationUnitID string `json:"aggregationUnitId"`
	Market            string `json:"market"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and settlement ladder
// ————————————————————————————————————————————————————————————————————————

// LadderDays is the depth of the settlement ladder: today (sd0) through sd4.
const LadderDays = 5

// PositionKey identifies a position: one book, one security, one business date.
type PositionKey struct {
	BookID       string `json:"bookId"`
	SecurityID   string `json:"securityId"`
	BusinessDate Date   `json:"businessDate"`
}

// Ladder holds projected deliveries and receipts for the next five settlement
// days. Index 0 is the business date itself. Bucket quantities never go
// negative; trades settling beyond sd4 accumulate into the sd4 bucket.
type Ladder struct {
	Deliver [LadderDays]decimal.Decimal `json:"deliver"`
	Receipt [LadderDays]decimal.Decimal `json:"receipt"`
}

// NetSettlement returns the sum over the ladder of receipt minus deliver.
func (l Ladder) NetSettlement() decimal.Decimal {
	net := decimal.Zero
	for i := 0; i < LadderDays; i++ {
		net = net.Add(l.Receipt[i]).Sub(l.Deliver[i])
	}
	return net
}

// Position is the per-(book, security, date) state owned by the position
// engine. Related entities are held as opaque identifiers and resolved
// through the repository at query boundaries.
type Position struct {
	PositionKey

	ContractualQty decimal.Decimal `json:"contractualQty"`
	SettledQty     decimal.Decimal `json:"settledQty"`
	Ladder         Ladder          `json:"ladder"`

	// Derived: CurrentNetPosition = SettledQty + ContractualQty;
	// ProjectedNetPosition = CurrentNetPosition + Ladder.NetSettlement().
	CurrentNetPosition   decimal.Decimal `json:"currentNetPosition"`
	ProjectedNetPosition decimal.Decimal `json:"projectedNetPosition"`

	PositionType PositionType `json:"positionType,omitempty"`

	IsHypothecatable bool `json:"isHypothecatable"`
	IsReserved       bool `json:"isReserved"`
	IsStartOfDay     bool `json:"isStartOfDay"`
	// HasBeyondLadder marks that trades settling past sd4 were folded into
	// the sd4 bucket.
	HasBeyondLadder bool `json:"hasBeyondLadder"`

	CalculationStatus      CalculationStatus `json:"calculationStatus"`
	CalculationRuleID      string            `json:"calculationRuleId,omitempty"`
	CalculationRuleVersion int64             `json:"calculationRuleVersion,omitempty"`
	CalculationDate        Date              `json:"calculationDate,omitempty"`

	Version        int64     `json:"version"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// SettlementLadder is a query view of a position restricted to the five-day
// grid. Never mutated independently of its position.
type SettlementLadder struct {
	PositionKey
	Ladder        Ladder          `json:"ladder"`
	NetSettlement decimal.Decimal `json:"netSettlement"`
}

// SettlementLadderOf projects a position onto its ladder view.
func SettlementLadderOf(p Position) SettlementLadder {
	return SettlementLadder{
		PositionKey:   p.PositionKey,
		Ladder:        p.Ladder,
		NetSettlement: p.Ladder.NetSettlement(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Inventory availability
// ————————————————————————————————————————————————————————————————————————

// AvailabilityKey identifies an availability record. CounterpartyID and
// AggregationUnitID are empty for firm-wide records. External records carry
// the source they came from.
type AvailabilityKey struct {
	SecurityID         string          `json:"securityId"`
	CalculationType    CalculationType `json:"calculationType"`
	BusinessDate       Date            `json:"businessDate"`
	CounterpartyID     string          `json:"counterpartyId,omitempty"`
	AggregationUnitID  string          `json:"aggregationUnitId,omitempty"`
	IsExternalSource   bool            `json:"isExternalSource"`
	ExternalSourceName string          `json:"externalSourceName,omitempty"`
}

// InventoryAvailability is one category's availability for a security on a
// business date. DecrementQuantity tracks locate consumption; after locate
// application AvailableQuantity - DecrementQuantity >= 0 holds.
type InventoryAvailability struct {
	AvailabilityKey

	GrossQuantity     decimal.Decimal `json:"grossQuantity"`
	NetQuantity       decimal.Decimal `json:"netQuantity"`
	AvailableQuantity decimal.Decimal `json:"availableQuantity"`
	ReservedQuantity  decimal.Decimal `json:"reservedQuantity"`
	DecrementQuantity decimal.Decimal `json:"decrementQuantity"`

	Market              string              `json:"market"`
	SecurityTemperature SecurityTemperature `json:"securityTemperature"`
	BorrowRate          decimal.Decimal     `json:"borrowRate"`

	// Overborrow outputs only.
	IsOverborrowed     bool            `json:"isOverborrowed,omitempty"`
	OverborrowQuantity decimal.Decimal `json:"overborrowQuantity"`

	CalculationRuleID      string          `json:"calculationRuleId,omitempty"`
	CalculationRuleVersion int64           `json:"calculationRuleVersion,omitempty"`
	Status                 InventoryStatus `json:"status"`

	Version        int64     `json:"version"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// RemainingQuantity is what is still available after locate decrements.
func (a InventoryAvailability) RemainingQuantity() decimal.Decimal {
	return a.AvailableQuantity.Sub(a.DecrementQuantity)
}

// ————————————————————————————————————————————————————————————————————————
// Trading limits
// ————————————————————————————————————————————————————————————————————————

// LimitCore carries the fields common to client and aggregation-unit limits.
// The two limit kinds compose this record rather than subclassing it;
// behavior dispatches on the owning kind.
type LimitCore struct {
	SecurityID   string `json:"securityId"`
	BusinessDate Date   `json:"businessDate"`

	LongSellLimit  decimal.Decimal `json:"longSellLimit"`
	ShortSellLimit decimal.Decimal `json:"shortSellLimit"`
	LongSellUsed   decimal.Decimal `json:"longSellUsed"`
	ShortSellUsed  decimal.Decimal `json:"shortSellUsed"`

	Currency  string      `json:"currency"`
	LimitType LimitType   `json:"limitType"`
	Market    string      `json:"market"`
	Status    LimitStatus `json:"status"`

	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Headroom returns the remaining capacity for the given order type.
func (c LimitCore) Headroom(orderType OrderType) decimal.Decimal {
	switch orderType {
	case OrderLongSell:
		return c.LongSellLimit.Sub(c.LongSellUsed)
	case OrderShortSell:
		return c.ShortSellLimit.Sub(c.ShortSellUsed)
	default:
		return decimal.Zero
	}
}

// ClientLimit is the per-(client, security, date) trading limit.
type ClientLimit struct {
	ClientID string `json:"clientId"`
	LimitCore
}

// AggregationUnitLimit is the per-(AU, security, date) trading limit.
// MarketSpecificRules names the regulatory adjustments applied to this AU
// (e.g. TW_NO_RELEND).
type AggregationUnitLimit struct {
	AggregationUnitID   string   `json:"aggregationUnitId"`
	MarketSpecificRules []string `json:"marketSpecificRules,omitempty"`
	LimitCore
}

// ————————————————————————————————————————————————————————————————————————
// Calculation rules
// ————————————————————————————————————————————————————————————————————————

// RuleType classifies what a rule does when it matches.
type RuleType string

const (
	RuleInclude  RuleType = "INCLUDE"
	RuleExclude  RuleType = "EXCLUDE"
	RuleAdjust   RuleType = "ADJUST"
	RuleValidate RuleType = "VALIDATE"
)

// RuleStatus is the lifecycle status of a rule.
type RuleStatus string

const (
	RuleActive     RuleStatus = "ACTIVE"
	RuleInactive   RuleStatus = "INACTIVE"
	RuleDraft      RuleStatus = "DRAFT"
	RuleDeprecated RuleStatus = "DEPRECATED"
)

// RuleOperator is the comparison applied by one condition.
type RuleOperator string

const (
	OpEQ         RuleOperator = "EQ"
	OpNEQ        RuleOperator = "NEQ"
	OpGT         RuleOperator = "GT"
	OpLT         RuleOperator = "LT"
	OpGTE        RuleOperator = "GTE"
	OpLTE        RuleOperator = "LTE"
	OpContains   RuleOperator = "CONTAINS"
	OpStartsWith RuleOperator = "STARTS_WITH"
	OpEndsWith   RuleOperator = "ENDS_WITH"
	OpIn         RuleOperator = "IN"
	OpNotIn      RuleOperator = "NOT_IN"
	OpIsNull     RuleOperator = "IS_NULL"
	OpIsNotNull  RuleOperator = "IS_NOT_NULL"
)

// LogicalOperator joins a condition to the next one. AND binds tighter than
// OR when a condition chain is evaluated left to right.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// RuleActionType is what a matching rule contributes.
type RuleActionType string

const (
	ActionInclude        RuleActionType = "INCLUDE"
	ActionExclude        RuleActionType = "EXCLUDE"
	ActionAdjustQuantity RuleActionType = "ADJUST_QUANTITY"
	ActionSetFlag        RuleActionType = "SET_FLAG"
	ActionApplyFactor    RuleActionType = "APPLY_FACTOR"
	ActionValidate       RuleActionType = "VALIDATE"
	ActionNotify         RuleActionType = "NOTIFY"
)

// RuleCondition is a single comparison in a rule's condition chain.
type RuleCondition struct {
	Attribute       string          `json:"attribute"`
	Operator        RuleOperator    `json:"operator"`
	Value           string          `json:"value,omitempty"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
}

// RuleAction is one effect of a matching rule.
type RuleAction struct {
	ActionType RuleActionType    `json:"actionType"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// CalculationRule is a versioned inclusion/exclusion/adjustment rule.
// Market is a market code or GLOBAL. Priority orders evaluation ascending;
// ties break on ID.
type CalculationRule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	RuleType      RuleType        `json:"ruleType"`
	Market        string          `json:"market"`
	Priority      int             `json:"priority"`
	EffectiveDate Date            `json:"effectiveDate"`
	ExpiryDate    Date            `json:"expiryDate,omitempty"`
	Status        RuleStatus      `json:"status"`
	Conditions    []RuleCondition `json:"conditions"`
	Actions       []RuleAction    `json:"actions"`
	Version       int64           `json:"version"`
}

// ActiveOn reports whether the rule is in force on the given date:
// status ACTIVE and effectiveDate <= d < expiryDate (expiry open-ended
// when unset).
func (r CalculationRule) ActiveOn(d Date) bool {
	if r.Status != RuleActive {
		return false
	}
	if r.EffectiveDate != "" && d.Before(r.EffectiveDate) {
		return false
	}
	if r.ExpiryDate != "" && !d.Before(r.ExpiryDate) {
		return false
	}
	return true
}

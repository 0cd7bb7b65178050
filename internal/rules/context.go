// Package rules holds versioned inclusion/exclusion/adjustment rules and
// evaluates them against attribute contexts.
//
// Evaluation is deterministic: rules sort by priority ascending with ID as
// the tie-break, a condition on an unknown attribute is false (closed world),
// and a malformed rule simply does not match. Market-specific regulatory
// effects (Taiwan re-lend block, Japan SLAB cutoff and quanto settlement)
// are folded into the context before evaluation rather than applied to
// results afterwards.
package rules

import (
	"github.com/shopspring/decimal"

	"inventory-core/pkg/types"
)

// Well-known context attributes. Engines populate these from positions,
// contracts, and reference data before asking for a verdict.
const (
	AttrMarket               = "market"
	AttrSecurityType         = "securityType"
	AttrSecurityStatus       = "securityStatus"
	AttrSecurityTemperature  = "securityTemperature"
	AttrIsHypothecatable     = "isHypothecatable"
	AttrIsReserved           = "isReserved"
	AttrIsBorrowed           = "isBorrowed"
	AttrCanBeLent            = "canBeLent"
	AttrIsPayToHold          = "isPayToHold"
	AttrActivityType         = "activityType"
	AttrIsBeforeJapanCutoff  = "isBeforeJapanCutoff"
	AttrEffectiveSettleDay   = "effectiveSettlementDay"
	AttrIsQuanto             = "isQuanto"
	AttrSettlementDays       = "settlementDays"
	AttrQuantity             = "quantity"
	AttrPositionType         = "positionType"
	AttrCalculationType      = "calculationType"
)

// ActivitySLAB is the activity type subject to the Japan cutoff shift.
const ActivitySLAB = "SLAB"

// Context is the attribute bag a rule set is evaluated against. Values are
// strings, bools, ints, or decimals; comparisons coerce against the
// condition's string value.
type Context map[string]any

// Clone returns an independent copy so adjustments never leak into the
// caller's context.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Has reports whether the attribute is present and non-nil.
func (c Context) Has(attr string) bool {
	v, ok := c[attr]
	return ok && v != nil
}

// Bool reads a boolean attribute; absent or mistyped reads as false.
func (c Context) Bool(attr string) bool {
	v, _ := c[attr].(bool)
	return v
}

// String reads a string attribute; absent or mistyped reads as "".
func (c Context) String(attr string) string {
	switch v := c[attr].(type) {
	case string:
		return v
	case types.Date:
		return string(v)
	}
	return ""
}

// Int reads an integer attribute; absent or mistyped reads as 0.
func (c Context) Int(attr string) int {
	v, _ := c[attr].(int)
	return v
}

// Decimal reads a numeric attribute; absent or mistyped reads as zero.
func (c Context) Decimal(attr string) decimal.Decimal {
	switch v := c[attr].(type) {
	case decimal.Decimal:
		return v
	case int:
		return decimal.NewFromInt(int64(v))
	}
	return decimal.Zero
}

package rules

import (
	"time"

	"inventory-core/pkg/types"
)

// ApplyMarketAdjustments folds market-specific regulation into a copy of the
// context before rule evaluation. The input context is never mutated.
//
// Taiwan: borrowed shares may not be re-lent, so isBorrowed forces
// canBeLent=false.
//
// Japan: a SLAB activity arriving after the cutoff settles one day later
// (effectiveSettlementDay + 1); a quanto structure on T+1 settles T+2.
func ApplyMarketAdjustments(market string, ctx Context) Context {
	switch market {
	case types.MarketTaiwan:
		return applyTaiwan(ctx)
	case types.MarketJapan:
		return applyJapan(ctx)
	default:
		return ctx
	}
}

func applyTaiwan(ctx Context) Context {
	if !ctx.Bool(AttrIsBorrowed) {
		return ctx
	}
	out := ctx.Clone()
	out[AttrCanBeLent] = false
	return out
}

func applyJapan(ctx Context) Context {
	slabAfterCutoff := ctx.String(AttrActivityType) == ActivitySLAB &&
		ctx.Has(AttrIsBeforeJapanCutoff) && !ctx.Bool(AttrIsBeforeJapanCutoff)
	quantoT1 := ctx.Bool(AttrIsQuanto) && ctx.Int(AttrSettlementDays) == 1

	if !slabAfterCutoff && !quantoT1 {
		return ctx
	}

	out := ctx.Clone()
	if slabAfterCutoff {
		out[AttrEffectiveSettleDay] = ctx.Int(AttrEffectiveSettleDay) + 1
	}
	if quantoT1 {
		out[AttrSettlementDays] = 2
	}
	return out
}

// BeforeJPCutoff reports whether the instant falls before the Japan SLAB
// cutoff, given as "HH:MM" UTC. An unparsable cutoff reads as before-cutoff
// so no settlement shift is applied.
func BeforeJPCutoff(at time.Time, cutoffUTC string) bool {
	cut, err := time.Parse("15:04", cutoffUTC)
	if err != nil {
		return true
	}
	at = at.UTC()
	cutoff := time.Date(at.Year(), at.Month(), at.Day(), cut.Hour(), cut.Minute(), 0, 0, time.UTC)
	return at.Before(cutoff)
}

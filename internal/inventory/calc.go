package inventory

import (
	"github.com/shopspring/decimal"

	"inventory-core/internal/rules"
	"inventory-core/pkg/types"
)

// calcInput is everything one security's availability derivation reads:
// value copies of positions and external records, the folded contract
// totals, and the security's reference data. The derivation itself is pure.
type calcInput struct {
	security     types.Security
	date         types.Date
	positions    []types.Position
	contracts    contractTotals
	external     []types.InventoryAvailability
	beforeJPCut  bool
	priorRecords map[types.CalculationType]types.InventoryAvailability
}

// verdictFn answers whether a position is included for a calculation
// category under the market's rule set. The engine binds this to the rule
// engine; tests bind predicates directly.
type verdictFn func(calcType types.CalculationType, market string, ctx rules.Context) (bool, types.CalculationRule)

// positionContext builds the rule-evaluation context for one position.
func positionContext(sec types.Security, p types.Position, beforeJPCut bool) rules.Context {
	return rules.Context{
		rules.AttrMarket:              sec.Market,
		rules.AttrSecurityType:        string(sec.Type),
		rules.AttrSecurityStatus:      string(sec.Status),
		rules.AttrIsHypothecatable:    p.IsHypothecatable,
		rules.AttrIsReserved:          p.IsReserved,
		rules.AttrIsBorrowed:          p.PositionType == types.PosBorrowed,
		rules.AttrCanBeLent:           p.PositionType != types.PosLoaned,
		rules.AttrPositionType:        string(p.PositionType),
		rules.AttrIsBeforeJapanCutoff: beforeJPCut,
		rules.AttrQuantity:            p.CurrentNetPosition,
	}
}

// longQty is the position's long holding, zero when short.
func longQty(p types.Position) decimal.Decimal {
	if p.CurrentNetPosition.IsPositive() {
		return p.CurrentNetPosition
	}
	return decimal.Zero
}

// calculate derives all six categories in order; later categories read the
// outputs of earlier ones. Results are keyed firm-wide (no counterparty or
// AU dimension) and carry the rule that admitted the first contributing
// position.
func calculate(in calcInput, verdict verdictFn) map[types.CalculationType]types.InventoryAvailability {
	out := make(map[types.CalculationType]types.InventoryAvailability, len(types.AllCalculationTypes))

	forLoan := calcForLoan(in, verdict)
	out[types.ForLoan] = forLoan

	out[types.ForPledge] = calcForPledge(in, verdict)

	shortSell := calcShortSell(in, forLoan)
	out[types.ShortSell] = shortSell

	out[types.LongSell] = calcLongSell(in, verdict)

	out[types.Locate] = calcLocate(in, forLoan)

	out[types.Overborrow] = calcOverborrow(in, shortSell)

	return out
}

// calcForLoan sums hypothecatable long positions passing the FOR_LOAN rule
// set, adds collateral released by matured repos, and deducts SLAB-lent
// supply, still-pledged collateral, and external-lender reservations.
// An INACTIVE security has no lendable supply at all.
func calcForLoan(in calcInput, verdict verdictFn) types.InventoryAvailability {
	a := newRecord(in, types.ForLoan)

	if in.security.Status == types.SecurityInactive {
		a.Status = types.InventoryInactive
		return a
	}

	gross := decimal.Zero
	var rule types.CalculationRule
	for _, p := range in.positions {
		if !p.IsHypothecatable {
			continue
		}
		q := longQty(p)
		if q.IsZero() {
			continue
		}
		ok, matched := verdict(types.ForLoan, in.security.Market, positionContext(in.security, p, in.beforeJPCut))
		if !ok {
			continue
		}
		gross = gross.Add(q)
		if rule.ID == "" {
			rule = matched
		}
	}

	gross = gross.Add(in.contracts.repoReleased)

	net := gross.
		Sub(in.contracts.slabLent).
		Sub(in.contracts.repoPledged).
		Sub(in.contracts.payToHoldHeld)

	a.GrossQuantity = gross
	a.NetQuantity = net
	a.AvailableQuantity = decimal.Max(net, decimal.Zero)
	a.CalculationRuleID = rule.ID
	a.CalculationRuleVersion = rule.Version
	return a
}

// calcForPledge sums non-reserved long positions passing FOR_PLEDGE rules,
// net of collateral already pledged under live repos.
func calcForPledge(in calcInput, verdict verdictFn) types.InventoryAvailability {
	a := newRecord(in, types.ForPledge)

	if in.security.Status == types.SecurityInactive {
		a.Status = types.InventoryInactive
		return a
	}

	gross := decimal.Zero
	var rule types.CalculationRule
	for _, p := range in.positions {
		if p.IsReserved {
			continue
		}
		q := longQty(p)
		if q.IsZero() {
			continue
		}
		ok, matched := verdict(types.ForPledge, in.security.Market, positionContext(in.security, p, in.beforeJPCut))
		if !ok {
			continue
		}
		gross = gross.Add(q)
		if rule.ID == "" {
			rule = matched
		}
	}

	net := gross.Sub(in.contracts.repoPledged)

	a.GrossQuantity = gross
	a.NetQuantity = net
	a.AvailableQuantity = decimal.Max(net, decimal.Zero)
	a.CalculationRuleID = rule.ID
	a.CalculationRuleVersion = rule.Version
	return a
}

// calcShortSell combines internal lendable supply net of locate decrements
// with external availability, minus external reservations.
func calcShortSell(in calcInput, forLoan types.InventoryAvailability) types.InventoryAvailability {
	a := newRecord(in, types.ShortSell)

	internal := forLoan.RemainingQuantity()
	external := decimal.Zero
	reserved := decimal.Zero
	decrement := forLoan.DecrementQuantity

	for _, ext := range in.external {
		if ext.CalculationType != types.ShortSell || ext.Status != types.InventoryActive {
			continue
		}
		external = external.Add(ext.AvailableQuantity)
		reserved = reserved.Add(ext.ReservedQuantity)
		decrement = decrement.Add(ext.DecrementQuantity)
	}

	a.GrossQuantity = internal.Add(external)
	a.ReservedQuantity = reserved
	a.NetQuantity = a.GrossQuantity.Sub(reserved)
	a.AvailableQuantity = decimal.Max(a.NetQuantity, decimal.Zero)
	a.DecrementQuantity = decrement
	a.CalculationRuleID = forLoan.CalculationRuleID
	a.CalculationRuleVersion = forLoan.CalculationRuleVersion
	return a
}

// calcLongSell is settled + sd0 receipts - sd0 deliveries per long holding,
// floored at zero. Contracts are ignored by design of the category.
func calcLongSell(in calcInput, verdict verdictFn) types.InventoryAvailability {
	a := newRecord(in, types.LongSell)

	total := decimal.Zero
	var rule types.CalculationRule
	for _, p := range in.positions {
		if !p.CurrentNetPosition.IsPositive() && !p.SettledQty.IsPositive() {
			continue
		}
		ok, matched := verdict(types.LongSell, in.security.Market, positionContext(in.security, p, in.beforeJPCut))
		if !ok {
			continue
		}
		q := p.SettledQty.Add(p.Ladder.Receipt[0]).Sub(p.Ladder.Deliver[0])
		total = total.Add(decimal.Max(q, decimal.Zero))
		if rule.ID == "" {
			rule = matched
		}
	}

	a.GrossQuantity = total
	a.NetQuantity = total
	a.AvailableQuantity = total
	a.CalculationRuleID = rule.ID
	a.CalculationRuleVersion = rule.Version
	return a
}

// calcLocate is lendable supply minus what other locates already consumed,
// plus approved external locate sources. The consumed quantity carries over
// from the prior LOCATE record so recomputation never resets live decrements.
func calcLocate(in calcInput, forLoan types.InventoryAvailability) types.InventoryAvailability {
	a := newRecord(in, types.Locate)

	prior := in.priorRecords[types.Locate]
	consumed := prior.DecrementQuantity

	external := decimal.Zero
	for _, ext := range in.external {
		if ext.CalculationType != types.Locate || ext.Status != types.InventoryActive {
			continue
		}
		external = external.Add(ext.AvailableQuantity)
	}

	supply := forLoan.AvailableQuantity.Add(external)

	a.GrossQuantity = supply
	a.NetQuantity = supply.Sub(consumed)
	a.AvailableQuantity = supply
	a.DecrementQuantity = consumed
	a.CalculationRuleID = forLoan.CalculationRuleID
	a.CalculationRuleVersion = forLoan.CalculationRuleVersion
	return a
}

// calcOverborrow measures borrow supply in excess of short-cover demand.
// Pay-to-hold borrows are reserved capacity and never count as excess;
// demand is the current SHORT_SELL consumption.
func calcOverborrow(in calcInput, shortSell types.InventoryAvailability) types.InventoryAvailability {
	a := newRecord(in, types.Overborrow)

	borrowed := in.contracts.externalBorrow
	required := shortSell.DecrementQuantity

	over := decimal.Max(borrowed.Sub(required), decimal.Zero)

	a.GrossQuantity = in.contracts.externalBorrow.Add(in.contracts.payToHoldBorrow)
	a.NetQuantity = over
	a.AvailableQuantity = over
	a.OverborrowQuantity = over
	a.IsOverborrowed = over.IsPositive()
	a.CalculationRuleID = shortSell.CalculationRuleID
	a.CalculationRuleVersion = shortSell.CalculationRuleVersion
	return a
}

// SlabSettlementBucket returns the ladder bucket a SLAB movement settles
// in: its scheduled bucket, shifted one day in Japan when the activity
// arrives after the cutoff. The shift never leaves the five-day grid.
func SlabSettlementBucket(market string, scheduled int, beforeCutoff bool) int {
	ctx := rules.Context{
		rules.AttrActivityType:        rules.ActivitySLAB,
		rules.AttrIsBeforeJapanCutoff: beforeCutoff,
		rules.AttrEffectiveSettleDay:  scheduled,
	}
	adj := rules.ApplyMarketAdjustments(market, ctx)
	day := adj.Int(rules.AttrEffectiveSettleDay)
	if day >= types.LadderDays {
		day = types.LadderDays - 1
	}
	return day
}

// newRecord seeds a firm-wide availability record for the category,
// carrying temperature and borrow rate from external feeds when present.
func newRecord(in calcInput, calcType types.CalculationType) types.InventoryAvailability {
	temp := types.TempGC
	rate := decimal.Zero
	for _, ext := range in.external {
		if ext.SecurityTemperature != "" {
			temp = ext.SecurityTemperature
		}
		if !ext.BorrowRate.IsZero() {
			rate = ext.BorrowRate
		}
	}

	prior := in.priorRecords[calcType]

	return types.InventoryAvailability{
		AvailabilityKey: types.AvailabilityKey{
			SecurityID:      in.security.InternalID,
			CalculationType: calcType,
			BusinessDate:    in.date,
		},
		Market:              in.security.Market,
		SecurityTemperature: temp,
		BorrowRate:          rate,
		Status:              types.InventoryActive,
		Version:             prior.Version,
	}
}

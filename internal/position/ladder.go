package position

import (
	"inventory-core/pkg/types"
)

// settlementBucket maps a trade's settlement date onto the five-day ladder.
// Past-dated settlements land in sd0; anything past sd4 folds into sd4 and
// reports beyond=true so the position can flag the accumulation.
func settlementBucket(businessDate, settlementDate types.Date) (bucket int, beyond bool) {
	days := businessDate.DaysUntil(settlementDate)
	switch {
	case days < 0:
		return 0, false
	case days >= types.LadderDays:
		return types.LadderDays - 1, true
	default:
		return days, false
	}
}

// CalculateCurrentPosition derives the signed current net:
// settledQty + contractualQty.
func CalculateCurrentPosition(p *types.Position) {
	p.CurrentNetPosition = p.SettledQty.Add(p.ContractualQty)
}

// CalculateProjectedPosition derives the projected net: current net plus the
// ladder's net settlement. CalculateCurrentPosition must run first; callers
// use Recompute to get both in order.
func CalculateProjectedPosition(p *types.Position) {
	p.ProjectedNetPosition = p.CurrentNetPosition.Add(p.Ladder.NetSettlement())
}

// Recompute rederives both nets from the position's base fields.
// projectedNetPosition is a pure function of the other fields.
func Recompute(p *types.Position) {
	CalculateCurrentPosition(p)
	CalculateProjectedPosition(p)
}

// CalculateSettlementLadder returns the position's five-day grid view with
// its net settlement. The view is a copy; mutating it never touches the
// position.
func CalculateSettlementLadder(p types.Position) types.SettlementLadder {
	return types.SettlementLadderOf(p)
}

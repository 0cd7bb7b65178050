package inventory

import (
	"sync"

	"github.com/shopspring/decimal"

	"inventory-core/pkg/types"
)

// contractBook holds the live financing contracts per security, maintained
// solely from the contract stream. Contracts are never read synchronously
// from elsewhere mid-calculation.
type contractBook struct {
	mu         sync.RWMutex
	bySecurity map[string]map[string]types.ContractEvent // securityId -> contractId -> contract
}

func newContractBook() *contractBook {
	return &contractBook{bySecurity: make(map[string]map[string]types.ContractEvent)}
}

// upsert records or replaces a contract. The latest event for a contract ID
// wins, matching per-partition ordering on the contract stream.
func (b *contractBook) upsert(c types.ContractEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.bySecurity[c.SecurityID]
	if !ok {
		m = make(map[string]types.ContractEvent)
		b.bySecurity[c.SecurityID] = m
	}
	m[c.ContractID] = c
}

// forSecurity returns value copies of a security's contracts.
func (b *contractBook) forSecurity(securityID string) []types.ContractEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.bySecurity[securityID]
	out := make([]types.ContractEvent, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// securities returns every security with at least one contract.
func (b *contractBook) securities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.bySecurity))
	for id := range b.bySecurity {
		out = append(out, id)
	}
	return out
}

// contractTotals aggregates one security's contracts for a business date.
type contractTotals struct {
	repoReleased    decimal.Decimal // repo collateral released by maturity <= date
	repoPledged     decimal.Decimal // collateral still pledged under live repos
	slabLent        decimal.Decimal // out on securities-lending-against-borrow
	payToHoldHeld   decimal.Decimal // borrow capacity reserved by pay-to-hold
	externalBorrow  decimal.Decimal // supply from external borrows, pay-to-hold excluded
	payToHoldBorrow decimal.Decimal // external borrow supply flagged pay-to-hold
}

// totalsFor folds a security's contracts down to the quantities the
// availability calculations need. A contract is live on the date when
// startDate <= date and (endDate unset or endDate > date); a repo whose end
// date has passed releases its collateral instead.
//
// Japan cutoff: a JP SLAB starting on the business date after the cutoff
// settles one day later, so it does not reduce today's lendable supply.
func totalsFor(contracts []types.ContractEvent, date types.Date, market string, beforeJPCut bool) contractTotals {
	var t contractTotals
	for _, c := range contracts {
		start := c.StartDate
		if c.Type == types.ContractSLAB && market == types.MarketJapan && !beforeJPCut && start == date {
			start = date.AddDays(1)
		}
		if start != "" && date.Before(start) {
			continue
		}
		live := c.EndDate == "" || date.Before(c.EndDate)

		switch c.Type {
		case types.ContractRepo:
			if live {
				t.repoPledged = t.repoPledged.Add(c.Qty)
			} else {
				t.repoReleased = t.repoReleased.Add(c.Qty)
			}
		case types.ContractSLAB:
			if live {
				t.slabLent = t.slabLent.Add(c.Qty)
			}
		case types.ContractPayToHold:
			if live {
				t.payToHoldHeld = t.payToHoldHeld.Add(c.Qty)
			}
		case types.ContractExternalBorrow:
			if !live {
				continue
			}
			if c.IsPayToHold {
				t.payToHoldBorrow = t.payToHoldBorrow.Add(c.Qty)
			} else {
				t.externalBorrow = t.externalBorrow.Add(c.Qty)
			}
		}
	}
	return t
}

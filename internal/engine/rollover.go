package engine

import (
	"context"
	"time"

	"inventory-core/pkg/types"
)

// runRollover clones today's positions onto the next business date as
// start-of-day records, then rederives positions, inventory, and limits for
// the new date. Entities are never deleted within a business day; rollover
// is the only cross-date transition.
func (c *Core) runRollover() {
	today := types.Today()
	next := nextBusinessDate(today)

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Minute)
	defer cancel()

	n, err := c.store.RolloverPositions(ctx, today, next)
	if err != nil {
		c.logger.Error("rollover failed", "from", today, "to", next, "error", err)
		return
	}

	if _, err := c.positions.RecalculatePositions(ctx, next, types.CalcPending); err != nil {
		c.logger.Error("rollover recalculation failed", "date", next, "error", err)
		return
	}

	if err := c.inventory.CalculateAllInventoryTypes(ctx, next); err != nil {
		c.logger.Error("rollover inventory recompute failed", "date", next, "error", err)
		return
	}

	rolled, err := c.store.ListPositionsByDate(ctx, next)
	if err == nil {
		c.limits.CalculateLimitsAsync(rolled)
	}

	c.logger.Info("end-of-day rollover complete",
		"from", today,
		"to", next,
		"positions", n,
	)
}

// nextBusinessDate returns the next weekday after d. Exchange holiday
// calendars are reference data and out of scope; weekends are the only
// closed days handled here.
func nextBusinessDate(d types.Date) types.Date {
	next := d.AddDays(1)
	for {
		switch next.Time().Weekday() {
		case time.Saturday, time.Sunday:
			next = next.AddDays(1)
		default:
			return next
		}
	}
}

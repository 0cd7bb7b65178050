// Package inventory derives per-security availability in six categories:
// FOR_LOAN, FOR_PLEDGE, SHORT_SELL, LONG_SELL, LOCATE and OVERBORROW.
//
// Inputs are value copies of positions (through the repository), the live
// contract book maintained from the contract stream, and external
// availability absorbed from inventory events. Every output passes through
// the rule engine's verdicts with market adjustments applied first.
// Recomputing with identical inputs yields identical outputs.
package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"inventory-core/internal/rules"
	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// Store is the persistence contract for availability records and the
// position reads the derivation needs.
type Store interface {
	GetAvailability(ctx context.Context, key types.AvailabilityKey) (types.InventoryAvailability, error)
	SaveAvailability(ctx context.Context, a types.InventoryAvailability) error
	ListAvailabilityBySecurity(ctx context.Context, securityID string, date types.Date) ([]types.InventoryAvailability, error)
	ListAvailabilityByDate(ctx context.Context, date types.Date) ([]types.InventoryAvailability, error)
	ListPositionsBySecurity(ctx context.Context, securityID string, date types.Date) ([]types.Position, error)
	ListPositionsByDate(ctx context.Context, date types.Date) ([]types.Position, error)
}

// RefData resolves securities.
type RefData interface {
	Security(ctx context.Context, id string) (types.Security, error)
}

// Rules answers inclusion verdicts. Implemented by the rule engine.
type Rules interface {
	Verdict(ctx context.Context, market string, rctx rules.Context) (bool, types.CalculationRule, error)
}

// Publisher receives every recomputed availability record.
type Publisher interface {
	PublishInventoryUpdate(a types.InventoryAvailability)
}

// Engine owns all availability state. Safe for concurrent use; per-security
// recomputation is serialized upstream by the ingress dispatcher
// (inventories and contracts partition on securityId).
type Engine struct {
	store     Store
	refdata   RefData
	rules     Rules
	pub       Publisher
	logger    *slog.Logger
	contracts *contractBook

	jpCutoffUTC  string
	batchWorkers int
}

// NewEngine creates an inventory engine. jpCutoffUTC is the Japan SLAB
// cutoff in "HH:MM". batchWorkers bounds batch-recompute concurrency;
// zero means 4.
func NewEngine(store Store, refdata RefData, r Rules, pub Publisher, jpCutoffUTC string, batchWorkers int, logger *slog.Logger) *Engine {
	if batchWorkers <= 0 {
		batchWorkers = 4
	}
	return &Engine{
		store:        store,
		refdata:      refdata,
		rules:        r,
		pub:          pub,
		logger:       logger.With("component", "inventory"),
		contracts:    newContractBook(),
		jpCutoffUTC:  jpCutoffUTC,
		batchWorkers: batchWorkers,
	}
}

// ProcessContractEvent absorbs a financing contract and recomputes the
// security it references.
func (e *Engine) ProcessContractEvent(ctx context.Context, ev types.ContractEvent) error {
	const op = "inventory.ProcessContractEvent"
	if ev.ContractID == "" || ev.SecurityID == "" || ev.Type == "" {
		return errs.E(op, errs.Validation, "contractId, securityId and type are required")
	}
	e.contracts.upsert(ev)
	return e.CalculateInventoryForSecurity(ctx, ev.SecurityID, types.Today())
}

// ProcessInventoryEvent absorbs an availability delta, typically from an
// external lender feed, then recomputes the security.
func (e *Engine) ProcessInventoryEvent(ctx context.Context, ev types.InventoryEvent) error {
	const op = "inventory.ProcessInventoryEvent"

	missing := map[string]string{}
	if ev.SecurityIdentifier == "" {
		missing["securityIdentifier"] = "required"
	}
	if ev.CalculationType == "" {
		missing["calculationType"] = "required"
	}
	if ev.BusinessDate == "" {
		missing["businessDate"] = "required"
	}
	if len(missing) > 0 {
		return errs.E(op, errs.Validation, "invalid inventory event", missing)
	}

	rec := types.InventoryAvailability{
		AvailabilityKey: types.AvailabilityKey{
			SecurityID:         ev.SecurityIdentifier,
			CalculationType:    ev.CalculationType,
			BusinessDate:       ev.BusinessDate,
			CounterpartyID:     ev.CounterpartyIdentifier,
			AggregationUnitID:  ev.AggregationUnitIdentifier,
			IsExternalSource:   ev.IsExternalSource,
			ExternalSourceName: ev.ExternalSourceName,
		},
		GrossQuantity:          ev.GrossQuantity,
		NetQuantity:            ev.NetQuantity,
		AvailableQuantity:      ev.AvailableQuantity,
		ReservedQuantity:       ev.ReservedQuantity,
		DecrementQuantity:      ev.DecrementQuantity,
		Market:                 ev.SecurityMarket,
		SecurityTemperature:    ev.SecurityTemperature,
		BorrowRate:             ev.BorrowRate,
		CalculationRuleID:      ev.CalculationRuleID,
		CalculationRuleVersion: ev.CalculationRuleVersion,
		Status:                 ev.Status,
	}
	if rec.Status == "" {
		rec.Status = types.InventoryActive
	}

	if err := e.saveWithRetry(ctx, rec); err != nil {
		return errs.E(op, err)
	}
	return e.CalculateInventoryForSecurity(ctx, ev.SecurityIdentifier, ev.BusinessDate)
}

// OnPositionUpdated is the position-engine listener: every position change
// triggers an incremental recompute of its security.
func (e *Engine) OnPositionUpdated(p types.Position) {
	ctx := context.Background()
	if err := e.CalculateInventoryForSecurity(ctx, p.SecurityID, p.BusinessDate); err != nil {
		e.logger.Error("inventory recompute after position update failed",
			"security", p.SecurityID,
			"date", p.BusinessDate,
			"error", err,
		)
	}
}

// RecalculateInventory groups updated positions by security and recomputes
// each one once.
func (e *Engine) RecalculateInventory(ctx context.Context, updated []types.Position, date types.Date) error {
	seen := make(map[string]bool)
	for _, p := range updated {
		if seen[p.SecurityID] {
			continue
		}
		seen[p.SecurityID] = true
		if err := e.CalculateInventoryForSecurity(ctx, p.SecurityID, date); err != nil {
			return err
		}
	}
	return nil
}

// CalculateAllInventoryTypes recomputes every security with positions,
// contracts, or external availability on the date.
func (e *Engine) CalculateAllInventoryTypes(ctx context.Context, date types.Date) error {
	const op = "inventory.CalculateAllInventoryTypes"

	securities := make(map[string]bool)
	positions, err := e.store.ListPositionsByDate(ctx, date)
	if err != nil {
		return errs.E(op, err)
	}
	for _, p := range positions {
		securities[p.SecurityID] = true
	}
	for _, id := range e.contracts.securities() {
		securities[id] = true
	}
	existing, err := e.store.ListAvailabilityByDate(ctx, date)
	if err != nil {
		return errs.E(op, err)
	}
	for _, a := range existing {
		securities[a.SecurityID] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchWorkers)
	for id := range securities {
		id := id
		g.Go(func() error {
			return e.CalculateInventoryForSecurity(gctx, id, date)
		})
	}
	if err := g.Wait(); err != nil {
		return errs.E(op, err)
	}
	e.logger.Info("inventory batch recompute complete", "date", date, "securities", len(securities))
	return nil
}

// CalculateInventoryForSecurity recomputes all six categories for one
// security and business date.
func (e *Engine) CalculateInventoryForSecurity(ctx context.Context, securityID string, date types.Date) error {
	const op = "inventory.CalculateInventoryForSecurity"

	sec, err := e.refdata.Security(ctx, securityID)
	if err != nil {
		return errs.E(op, errs.NotFound, "security "+securityID, err)
	}

	positions, err := e.store.ListPositionsBySecurity(ctx, securityID, date)
	if err != nil {
		return errs.E(op, err)
	}

	records, err := e.store.ListAvailabilityBySecurity(ctx, securityID, date)
	if err != nil {
		return errs.E(op, err)
	}

	var external []types.InventoryAvailability
	prior := make(map[types.CalculationType]types.InventoryAvailability)
	for _, a := range records {
		if a.IsExternalSource {
			external = append(external, a)
			continue
		}
		if a.CounterpartyID == "" && a.AggregationUnitID == "" {
			prior[a.CalculationType] = a
		}
	}

	beforeCut := rules.BeforeJPCutoff(time.Now().UTC(), e.jpCutoffUTC)

	in := calcInput{
		security:     sec,
		date:         date,
		positions:    positions,
		contracts:    totalsFor(e.contracts.forSecurity(securityID), date, sec.Market, beforeCut),
		external:     external,
		beforeJPCut:  beforeCut,
		priorRecords: prior,
	}

	outputs := calculate(in, e.verdict(ctx))

	for _, calcType := range types.AllCalculationTypes {
		rec := outputs[calcType]
		if err := e.saveWithRetry(ctx, rec); err != nil {
			return errs.E(op, err)
		}
		e.pub.PublishInventoryUpdate(rec)
	}
	return nil
}

// ApplyLocate consumes locate availability for an approved locate request:
// a compare-and-swap against the record's version with one local retry,
// then CONFLICT surfaces. The remaining-quantity invariant is enforced
// before the write.
func (e *Engine) ApplyLocate(ctx context.Context, securityID string, date types.Date, qty decimal.Decimal) error {
	const op = "inventory.ApplyLocate"

	key := types.AvailabilityKey{SecurityID: securityID, CalculationType: types.Locate, BusinessDate: date}

	for attempt := 0; attempt < 2; attempt++ {
		rec, err := e.store.GetAvailability(ctx, key)
		if err != nil {
			return errs.E(op, err)
		}
		if rec.RemainingQuantity().LessThan(qty) {
			return errs.E(op, errs.Validation, "insufficient locate availability", map[string]string{
				"remaining": rec.RemainingQuantity().String(),
				"requested": qty.String(),
			})
		}
		rec.DecrementQuantity = rec.DecrementQuantity.Add(qty)
		rec.Version++
		rec.LastModifiedAt = time.Now().UTC()
		err = e.store.SaveAvailability(ctx, rec)
		if err == nil {
			e.pub.PublishInventoryUpdate(rec)
			return nil
		}
		if !errs.Is(err, errs.Conflict) {
			return errs.E(op, err)
		}
		// Version raced; reread once.
	}
	return errs.E(op, errs.Conflict, "locate decrement lost the version race twice")
}

// GetAvailabilityByDate returns all availability records for a date.
func (e *Engine) GetAvailabilityByDate(ctx context.Context, date types.Date) ([]types.InventoryAvailability, error) {
	return e.store.ListAvailabilityByDate(ctx, date)
}

// GetAvailabilityForSecurity returns a security's records for a date.
func (e *Engine) GetAvailabilityForSecurity(ctx context.Context, securityID string, date types.Date) ([]types.InventoryAvailability, error) {
	return e.store.ListAvailabilityBySecurity(ctx, securityID, date)
}

// GetAvailabilityByType returns one category's firm-wide record.
func (e *Engine) GetAvailabilityByType(ctx context.Context, securityID string, calcType types.CalculationType, date types.Date) (types.InventoryAvailability, error) {
	key := types.AvailabilityKey{SecurityID: securityID, CalculationType: calcType, BusinessDate: date}
	return e.store.GetAvailability(ctx, key)
}

// verdict binds the rule engine to the calculation's verdict shape. Rule
// retrieval failures degrade to inclusion so a rule-store outage never
// zeroes the firm's availability; the outage is logged and surfaced by the
// rule engine's own health.
func (e *Engine) verdict(ctx context.Context) verdictFn {
	return func(calcType types.CalculationType, market string, rctx rules.Context) (bool, types.CalculationRule) {
		rctx[rules.AttrCalculationType] = string(calcType)
		ok, matched, err := e.rules.Verdict(ctx, market, rctx)
		if err != nil {
			e.logger.Warn("rule verdict unavailable, defaulting to include",
				"calc_type", calcType,
				"market", market,
				"error", err,
			)
			return true, types.CalculationRule{}
		}
		return ok, matched
	}
}

// saveWithRetry persists a record, carrying the stored version forward and
// retrying once on a version race.
func (e *Engine) saveWithRetry(ctx context.Context, rec types.InventoryAvailability) error {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := e.store.GetAvailability(ctx, rec.AvailabilityKey)
		switch {
		case err == nil:
			rec.Version = current.Version
			// Carry live locate consumption across recomputes.
			if rec.CalculationType == types.Locate && current.DecrementQuantity.GreaterThan(rec.DecrementQuantity) {
				rec.DecrementQuantity = current.DecrementQuantity
			}
		case errs.Is(err, errs.NotFound):
			rec.Version = 0
		default:
			return err
		}

		rec.Version++
		rec.LastModifiedAt = time.Now().UTC()
		err = e.store.SaveAvailability(ctx, rec)
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.Conflict) {
			return err
		}
	}
	return errs.E("inventory.save", errs.Conflict, "availability write lost the version race twice")
}

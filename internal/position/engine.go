// Package position maintains per-(book, security, date) position state.
//
// The engine absorbs trade events and start-of-day snapshots, maintains the
// five-day settlement ladder, and derives the current and projected nets.
// Updates for one key are serialized by the ingress dispatcher (trades
// partition on bookId); the engine's own lock only guards cross-key reads
// such as API queries and batch recalculation.
package position

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// Store is the persistence contract for positions.
type Store interface {
	GetPosition(ctx context.Context, key types.PositionKey) (types.Position, error)
	SavePosition(ctx context.Context, p types.Position) error
	ListPositionsByDate(ctx context.Context, date types.Date) ([]types.Position, error)
	ListPositionsByStatus(ctx context.Context, date types.Date, status types.CalculationStatus) ([]types.Position, error)
}

// RefData resolves securities and books. Unknown identifiers surface
// NOT_FOUND, which parks the event for retry.
type RefData interface {
	Security(ctx context.Context, id string) (types.Security, error)
	Book(ctx context.Context, id string) (types.Book, error)
}

// Publisher receives every successful position mutation.
type Publisher interface {
	PublishPositionUpdate(p types.Position)
}

// Listener is notified after a position changes so downstream derivation
// (inventory, limits) can react. Called on the mutating goroutine.
type Listener func(p types.Position)

// Engine owns all position state. Safe for concurrent use.
type Engine struct {
	store   Store
	refdata RefData
	pub     Publisher
	logger  *slog.Logger

	mu        sync.RWMutex
	positions map[types.PositionKey]types.Position
	// seenTrades dedupes replays: the same (tradeId, side, qty) applied
	// twice must not double-count. A correction carries the same tradeId
	// with a negated quantity and therefore a distinct key.
	seenTrades map[string]bool

	listeners []Listener
}

// NewEngine creates a position engine.
func NewEngine(store Store, refdata RefData, pub Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		refdata:    refdata,
		pub:        pub,
		logger:     logger.With("component", "position"),
		positions:  make(map[types.PositionKey]types.Position),
		seenTrades: make(map[string]bool),
	}
}

// AddListener registers a post-update hook. Not safe to call after the
// engine starts receiving events.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// ProcessTradeEvent applies one trade: contractual quantity and the
// settlement bucket chosen by side and settlement distance. Replays of an
// already-applied trade return the current position unchanged.
func (e *Engine) ProcessTradeEvent(ctx context.Context, ev types.TradeDataEvent) (types.Position, error) {
	const op = "position.ProcessTradeEvent"

	if err := validateTrade(ev); err != nil {
		return types.Position{}, err
	}

	// Unknown security or book: surface NOT_FOUND so the dispatcher parks
	// the event, and leave a PENDING placeholder behind.
	if _, err := e.refdata.Security(ctx, ev.SecurityID); err != nil {
		e.markPending(ctx, types.PositionKey{BookID: ev.BookID, SecurityID: ev.SecurityID, BusinessDate: ev.TradeDate})
		return types.Position{}, errs.E(op, errs.NotFound, "security "+ev.SecurityID, err)
	}
	if _, err := e.refdata.Book(ctx, ev.BookID); err != nil {
		e.markPending(ctx, types.PositionKey{BookID: ev.BookID, SecurityID: ev.SecurityID, BusinessDate: ev.TradeDate})
		return types.Position{}, errs.E(op, errs.NotFound, "book "+ev.BookID, err)
	}

	key := types.PositionKey{BookID: ev.BookID, SecurityID: ev.SecurityID, BusinessDate: ev.TradeDate}
	dedupe := ev.TradeID + "|" + string(ev.Side) + "|" + ev.Quantity.String()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seenTrades[dedupe] {
		e.logger.Debug("duplicate trade dropped", "trade_id", ev.TradeID, "book", ev.BookID)
		return e.positions[key], nil
	}

	p, err := e.loadLocked(ctx, key)
	if err != nil {
		return types.Position{}, errs.E(op, err)
	}

	bucket, beyond := settlementBucket(ev.TradeDate, ev.SettlementDate)
	switch ev.Side {
	case types.BUY:
		p.Ladder.Receipt[bucket] = p.Ladder.Receipt[bucket].Add(ev.Quantity)
		p.ContractualQty = p.ContractualQty.Add(ev.Quantity)
	case types.SELL:
		p.Ladder.Deliver[bucket] = p.Ladder.Deliver[bucket].Add(ev.Quantity)
		p.ContractualQty = p.ContractualQty.Sub(ev.Quantity)
	}
	if p.Ladder.Receipt[bucket].IsNegative() || p.Ladder.Deliver[bucket].IsNegative() {
		return types.Position{}, errs.E(op, errs.Validation, "trade would drive a settlement bucket negative")
	}
	if beyond {
		p.HasBeyondLadder = true
	}

	if err := e.commitLocked(ctx, &p); err != nil {
		return types.Position{}, errs.E(op, err)
	}
	e.seenTrades[dedupe] = true
	return p, nil
}

// ProcessPositionEvent absorbs an external snapshot. Only start-of-day
// snapshots are authoritative; an intraday snapshot conflicts with the trade
// stream and is rejected.
func (e *Engine) ProcessPositionEvent(ctx context.Context, ev types.PositionEvent) (types.Position, error) {
	const op = "position.ProcessPositionEvent"

	if ev.BookID == "" || ev.SecurityID == "" || ev.BusinessDate == "" {
		return types.Position{}, errs.E(op, errs.Validation, "bookId, securityId and businessDate are required")
	}
	if !ev.IsStartOfDay {
		return types.Position{}, errs.E(op, errs.Validation, "intraday position snapshots conflict with the trade stream")
	}

	key := types.PositionKey{BookID: ev.BookID, SecurityID: ev.SecurityID, BusinessDate: ev.BusinessDate}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadLocked(ctx, key)
	if err != nil {
		return types.Position{}, errs.E(op, err)
	}

	if ev.ContractualQty != nil {
		p.ContractualQty = *ev.ContractualQty
	}
	if ev.SettledQty != nil {
		p.SettledQty = *ev.SettledQty
	}
	if ev.Ladder != nil {
		p.Ladder = *ev.Ladder
	}
	if ev.PositionType != "" {
		p.PositionType = ev.PositionType
	}
	if ev.IsHypothecatable != nil {
		p.IsHypothecatable = *ev.IsHypothecatable
	}
	if ev.IsReserved != nil {
		p.IsReserved = *ev.IsReserved
	}
	p.IsStartOfDay = true

	if err := e.commitLocked(ctx, &p); err != nil {
		return types.Position{}, errs.E(op, err)
	}
	return p, nil
}

// ProcessStartOfDayPositions persists a batch of start-of-day positions and
// triggers recalculation for the date.
func (e *Engine) ProcessStartOfDayPositions(ctx context.Context, list []types.Position, date types.Date) error {
	const op = "position.ProcessStartOfDayPositions"

	e.mu.Lock()
	for i := range list {
		p := list[i]
		p.BusinessDate = date
		p.IsStartOfDay = true
		if err := e.commitLocked(ctx, &p); err != nil {
			e.mu.Unlock()
			return errs.E(op, err)
		}
	}
	e.mu.Unlock()

	_, err := e.RecalculatePositions(ctx, date, types.CalcPending)
	return err
}

// RecalculatePositions rederives nets for every position on the date in the
// given calculation status and returns how many were refreshed.
func (e *Engine) RecalculatePositions(ctx context.Context, date types.Date, status types.CalculationStatus) (int, error) {
	const op = "position.RecalculatePositions"

	stale, err := e.store.ListPositionsByStatus(ctx, date, status)
	if err != nil {
		return 0, errs.E(op, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, p := range stale {
		if cached, ok := e.positions[p.PositionKey]; ok {
			p = cached
		}
		if err := e.commitLocked(ctx, &p); err != nil {
			return n, errs.E(op, err)
		}
		n++
	}
	e.logger.Info("positions recalculated", "date", date, "status", status, "count", n)
	return n, nil
}

// GetPosition returns a value copy of one position.
func (e *Engine) GetPosition(ctx context.Context, key types.PositionKey) (types.Position, error) {
	e.mu.RLock()
	p, ok := e.positions[key]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}
	return e.store.GetPosition(ctx, key)
}

// GetPositionsByDate returns value copies of all positions on a date.
func (e *Engine) GetPositionsByDate(ctx context.Context, date types.Date) ([]types.Position, error) {
	return e.store.ListPositionsByDate(ctx, date)
}

// GetSettlementLadder returns the five-day grid view for one position.
func (e *Engine) GetSettlementLadder(ctx context.Context, key types.PositionKey) (types.SettlementLadder, error) {
	p, err := e.GetPosition(ctx, key)
	if err != nil {
		return types.SettlementLadder{}, err
	}
	return CalculateSettlementLadder(p), nil
}

// loadLocked fetches the working copy for a key, falling back to the store
// and then to a fresh record. Caller holds e.mu.
func (e *Engine) loadLocked(ctx context.Context, key types.PositionKey) (types.Position, error) {
	if p, ok := e.positions[key]; ok {
		return p, nil
	}
	p, err := e.store.GetPosition(ctx, key)
	switch {
	case err == nil:
		e.positions[key] = p
		return p, nil
	case errs.Is(err, errs.NotFound):
		return types.Position{PositionKey: key, CalculationStatus: types.CalcPending}, nil
	default:
		return types.Position{}, err
	}
}

// commitLocked rederives, stamps the post-conditions, persists, publishes,
// and notifies listeners. Caller holds e.mu.
func (e *Engine) commitLocked(ctx context.Context, p *types.Position) error {
	Recompute(p)
	p.CalculationStatus = types.CalcValid
	p.CalculationDate = types.Today()
	p.Version++
	p.LastModifiedAt = time.Now().UTC()

	if err := e.store.SavePosition(ctx, *p); err != nil {
		return err
	}
	e.positions[p.PositionKey] = *p

	e.pub.PublishPositionUpdate(*p)
	for _, l := range e.listeners {
		l(*p)
	}
	return nil
}

// markPending leaves a PENDING placeholder behind an unresolvable event so
// queries see the key exists while retries are in flight.
func (e *Engine) markPending(ctx context.Context, key types.PositionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[key]; ok {
		return
	}
	e.positions[key] = types.Position{PositionKey: key, CalculationStatus: types.CalcPending}
}

func validateTrade(ev types.TradeDataEvent) error {
	const op = "position.validateTrade"
	missing := map[string]string{}
	if ev.TradeID == "" {
		missing["tradeId"] = "required"
	}
	if ev.BookID == "" {
		missing["bookId"] = "required"
	}
	if ev.SecurityID == "" {
		missing["securityId"] = "required"
	}
	if ev.Side != types.BUY && ev.Side != types.SELL {
		missing["side"] = "must be BUY or SELL"
	}
	if ev.Quantity.IsZero() {
		missing["quantity"] = "must be non-zero"
	}
	if ev.TradeDate.IsZero() {
		missing["tradeDate"] = "required"
	}
	if ev.SettlementDate.IsZero() {
		missing["settlementDate"] = "required"
	}
	if len(missing) > 0 {
		return errs.E(op, errs.Validation, "invalid trade event", missing)
	}
	return nil
}

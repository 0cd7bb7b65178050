// Package limits derives long-sell and short-sell trading limits for
// clients and aggregation units, validates orders against them, and tracks
// usage.
//
// Validation and usage updates for the same (client, security) or
// (AU, security) are serialized on striped locks; the two stripe indexes
// are always taken in ascending order so concurrent validations can never
// deadlock.
package limits

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// ruleTWNoRelend tags AU limits reduced by the Taiwan re-lend prohibition.
const ruleTWNoRelend = "TW_NO_RELEND"

// Store is the persistence contract for limits plus the position reads a
// rebuild needs.
type Store interface {
	GetClientLimit(ctx context.Context, clientID, securityID string, date types.Date) (types.ClientLimit, error)
	SaveClientLimit(ctx context.Context, l types.ClientLimit) error
	ListClientLimitsByDate(ctx context.Context, date types.Date) ([]types.ClientLimit, error)
	GetAULimit(ctx context.Context, auID, securityID string, date types.Date) (types.AggregationUnitLimit, error)
	SaveAULimit(ctx context.Context, l types.AggregationUnitLimit) error
	ListAULimitsByDate(ctx context.Context, date types.Date) ([]types.AggregationUnitLimit, error)
	ListPositionsByDate(ctx context.Context, date types.Date) ([]types.Position, error)
}

// RefData attributes books to clients and aggregation units.
type RefData interface {
	Security(ctx context.Context, id string) (types.Security, error)
	Book(ctx context.Context, id string) (types.Book, error)
}

// Inventory supplies current availability for the short-sell side.
type Inventory interface {
	GetAvailabilityByType(ctx context.Context, securityID string, calcType types.CalculationType, date types.Date) (types.InventoryAvailability, error)
}

// Publisher receives limit updates.
type Publisher interface {
	PublishClientLimitUpdate(l types.ClientLimit)
	PublishAULimitUpdate(l types.AggregationUnitLimit)
}

const stripeCount = 64

// Engine owns client and AU limits. Safe for concurrent use.
type Engine struct {
	store     Store
	refdata   RefData
	inventory Inventory
	pub       Publisher
	logger    *slog.Logger

	stripes [stripeCount]chan struct{} // binary semaphores, lockable in index order

	asyncWorkers int
}

// NewEngine creates a limit engine. asyncWorkers bounds background rebuild
// concurrency; zero means 4.
func NewEngine(store Store, refdata RefData, inv Inventory, pub Publisher, asyncWorkers int, logger *slog.Logger) *Engine {
	if asyncWorkers <= 0 {
		asyncWorkers = 4
	}
	e := &Engine{
		store:        store,
		refdata:      refdata,
		inventory:    inv,
		pub:          pub,
		logger:       logger.With("component", "limits"),
		asyncWorkers: asyncWorkers,
	}
	for i := range e.stripes {
		e.stripes[i] = make(chan struct{}, 1)
	}
	return e
}

// stripeFor hashes a serialization key onto a stripe.
func stripeFor(kind, ownerID, securityID string) int {
	h := fnv.New32a()
	h.Write([]byte(kind))
	h.Write([]byte(ownerID))
	h.Write([]byte{0})
	h.Write([]byte(securityID))
	return int(h.Sum32() % stripeCount)
}

// lockStripes acquires the stripes for the given indexes in ascending order
// and returns the release function.
func (e *Engine) lockStripes(idx ...int) func() {
	sort.Ints(idx)
	taken := make([]int, 0, len(idx))
	for i, n := range idx {
		if i > 0 && n == idx[i-1] {
			continue // same stripe, already held
		}
		e.stripes[n] <- struct{}{}
		taken = append(taken, n)
	}
	return func() {
		for i := len(taken) - 1; i >= 0; i-- {
			<-e.stripes[taken[i]]
		}
	}
}

// CalculateLimits rebuilds today's client and AU limits from the provided
// positions plus current inventory. Existing usage is preserved.
func (e *Engine) CalculateLimits(ctx context.Context, positions []types.Position) error {
	const op = "limits.CalculateLimits"

	type ownerKey struct {
		ownerID    string
		securityID string
		date       types.Date
	}

	clientLong := make(map[ownerKey]decimal.Decimal)
	auLong := make(map[ownerKey]decimal.Decimal)
	auBorrowed := make(map[ownerKey]decimal.Decimal)
	currencies := make(map[string]string)
	markets := make(map[string]string)

	for _, p := range positions {
		book, err := e.refdata.Book(ctx, p.BookID)
		if err != nil {
			e.logger.Warn("skipping position with unknown book", "book", p.BookID, "error", err)
			continue
		}
		sec, err := e.refdata.Security(ctx, p.SecurityID)
		if err != nil {
			e.logger.Warn("skipping position with unknown security", "security", p.SecurityID, "error", err)
			continue
		}
		currencies[p.SecurityID] = sec.Currency
		markets[p.SecurityID] = sec.Market

		long := p.SettledQty.Add(p.Ladder.Receipt[0]).Sub(p.Ladder.Deliver[0])
		long = decimal.Max(long, decimal.Zero)

		ck := ownerKey{book.ClientID, p.SecurityID, p.BusinessDate}
		clientLong[ck] = clientLong[ck].Add(long)

		ak := ownerKey{book.AggregationUnitID, p.SecurityID, p.BusinessDate}
		auLong[ak] = auLong[ak].Add(long)
		if p.PositionType == types.PosBorrowed {
			auBorrowed[ak] = auBorrowed[ak].Add(long)
		}
	}

	for key, long := range clientLong {
		short := e.shortSellCapacity(ctx, key.securityID, key.date)
		if err := e.rebuildClientLimit(ctx, key.ownerID, key.securityID, key.date, long, short, currencies[key.securityID], markets[key.securityID]); err != nil {
			return errs.E(op, err)
		}
	}
	for key, long := range auLong {
		short := e.shortSellCapacity(ctx, key.securityID, key.date)
		if err := e.rebuildAULimit(ctx, key.ownerID, key.securityID, key.date, long, short, auBorrowed[key], currencies[key.securityID], markets[key.securityID]); err != nil {
			return errs.E(op, err)
		}
	}
	return nil
}

// CalculateLimitsAsync schedules CalculateLimits on the background worker
// pool, chunking positions across workers. Errors are logged, not returned.
func (e *Engine) CalculateLimitsAsync(positions []types.Position) {
	go func() {
		g := new(errgroup.Group)
		g.SetLimit(e.asyncWorkers)

		chunk := (len(positions) + e.asyncWorkers - 1) / e.asyncWorkers
		if chunk == 0 {
			chunk = 1
		}
		for start := 0; start < len(positions); start += chunk {
			end := start + chunk
			if end > len(positions) {
				end = len(positions)
			}
			part := positions[start:end]
			g.Go(func() error {
				return e.CalculateLimits(context.Background(), part)
			})
		}
		if err := g.Wait(); err != nil {
			e.logger.Error("async limit rebuild failed", "error", err)
		}
	}()
}

// ValidateOrderAgainstLimits answers synchronously whether the order fits
// inside both the client's and the AU's remaining capacity for the order
// type. Checks for one (client, security) are serialized against usage
// updates.
func (e *Engine) ValidateOrderAgainstLimits(ctx context.Context, clientID, auID, securityID string, orderType types.OrderType, qty decimal.Decimal) (bool, error) {
	const op = "limits.ValidateOrderAgainstLimits"

	if qty.IsZero() || qty.IsNegative() {
		return false, errs.E(op, errs.Validation, "quantity must be positive")
	}
	if orderType != types.OrderLongSell && orderType != types.OrderShortSell {
		return false, errs.E(op, errs.Validation, "orderType must be LONG_SELL or SHORT_SELL")
	}

	unlock := e.lockStripes(
		stripeFor("client", clientID, securityID),
		stripeFor("au", auID, securityID),
	)
	defer unlock()

	date := types.Today()
	cl, err := e.store.GetClientLimit(ctx, clientID, securityID, date)
	if err != nil {
		return false, errs.E(op, err)
	}
	au, err := e.store.GetAULimit(ctx, auID, securityID, date)
	if err != nil {
		return false, errs.E(op, err)
	}

	ok := qty.LessThanOrEqual(cl.Headroom(orderType)) && qty.LessThanOrEqual(au.Headroom(orderType))
	return ok, nil
}

// UpdateLimitUsage atomically consumes capacity after a successful order
// execution. The used quantity never exceeds the limit.
func (e *Engine) UpdateLimitUsage(ctx context.Context, clientID, auID, securityID string, orderType types.OrderType, qty decimal.Decimal) error {
	const op = "limits.UpdateLimitUsage"

	if qty.IsZero() || qty.IsNegative() {
		return errs.E(op, errs.Validation, "quantity must be positive")
	}

	unlock := e.lockStripes(
		stripeFor("client", clientID, securityID),
		stripeFor("au", auID, securityID),
	)
	defer unlock()

	date := types.Today()
	cl, err := e.store.GetClientLimit(ctx, clientID, securityID, date)
	if err != nil {
		return errs.E(op, err)
	}
	au, err := e.store.GetAULimit(ctx, auID, securityID, date)
	if err != nil {
		return errs.E(op, err)
	}

	if qty.GreaterThan(cl.Headroom(orderType)) || qty.GreaterThan(au.Headroom(orderType)) {
		return errs.E(op, errs.Validation, "usage would exceed limit", map[string]string{
			"clientHeadroom": cl.Headroom(orderType).String(),
			"auHeadroom":     au.Headroom(orderType).String(),
			"requested":      qty.String(),
		})
	}

	addUsage(&cl.LimitCore, orderType, qty)
	addUsage(&au.LimitCore, orderType, qty)

	if err := e.saveClient(ctx, cl); err != nil {
		return errs.E(op, err)
	}
	if err := e.saveAU(ctx, au); err != nil {
		return errs.E(op, err)
	}
	return nil
}

// ApplyMarketSpecificRules reapplies regulatory adjustments to every AU
// limit in the market and republishes. Taiwan's re-lend prohibition is the
// live case: borrowed supply cannot back short sells.
func (e *Engine) ApplyMarketSpecificRules(ctx context.Context, market string) error {
	const op = "limits.ApplyMarketSpecificRules"

	if market != types.MarketTaiwan {
		return nil
	}

	aus, err := e.store.ListAULimitsByDate(ctx, types.Today())
	if err != nil {
		return errs.E(op, err)
	}

	positions, err := e.store.ListPositionsByDate(ctx, types.Today())
	if err != nil {
		return errs.E(op, err)
	}
	borrowed := make(map[string]decimal.Decimal) // auID|securityID -> borrowed long
	for _, p := range positions {
		if p.PositionType != types.PosBorrowed {
			continue
		}
		book, err := e.refdata.Book(ctx, p.BookID)
		if err != nil {
			continue
		}
		k := book.AggregationUnitID + "|" + p.SecurityID
		borrowed[k] = borrowed[k].Add(decimal.Max(p.CurrentNetPosition, decimal.Zero))
	}

	for _, au := range aus {
		if au.Market != market {
			continue
		}
		cut := borrowed[au.AggregationUnitID+"|"+au.SecurityID]
		if cut.IsZero() {
			continue
		}

		unlock := e.lockStripes(stripeFor("au", au.AggregationUnitID, au.SecurityID))
		reduced := decimal.Max(au.ShortSellLimit.Sub(cut), au.ShortSellUsed)
		au.ShortSellLimit = reduced
		au.MarketSpecificRules = appendUnique(au.MarketSpecificRules, ruleTWNoRelend)
		err := e.saveAU(ctx, au)
		unlock()
		if err != nil {
			return errs.E(op, err)
		}
	}
	return nil
}

// RecalculateLimits rebuilds all limits from today's positions.
func (e *Engine) RecalculateLimits(ctx context.Context) error {
	positions, err := e.store.ListPositionsByDate(ctx, types.Today())
	if err != nil {
		return errs.E("limits.RecalculateLimits", err)
	}
	return e.CalculateLimits(ctx, positions)
}

// GetClientLimit returns one client limit.
func (e *Engine) GetClientLimit(ctx context.Context, clientID, securityID string, date types.Date) (types.ClientLimit, error) {
	return e.store.GetClientLimit(ctx, clientID, securityID, date)
}

// GetAULimit returns one AU limit.
func (e *Engine) GetAULimit(ctx context.Context, auID, securityID string, date types.Date) (types.AggregationUnitLimit, error) {
	return e.store.GetAULimit(ctx, auID, securityID, date)
}

// shortSellCapacity reads the security's firm-wide short-sell availability;
// absent records mean no capacity yet.
func (e *Engine) shortSellCapacity(ctx context.Context, securityID string, date types.Date) decimal.Decimal {
	a, err := e.inventory.GetAvailabilityByType(ctx, securityID, types.ShortSell, date)
	if err != nil {
		return decimal.Zero
	}
	return a.RemainingQuantity()
}

func (e *Engine) rebuildClientLimit(ctx context.Context, clientID, securityID string, date types.Date, long, short decimal.Decimal, currency, market string) error {
	unlock := e.lockStripes(stripeFor("client", clientID, securityID))
	defer unlock()

	cl, err := e.store.GetClientLimit(ctx, clientID, securityID, date)
	switch {
	case err == nil:
	case errs.Is(err, errs.NotFound):
		cl = types.ClientLimit{ClientID: clientID}
		cl.SecurityID = securityID
		cl.BusinessDate = date
		cl.LimitType = types.LimitHouse
	default:
		return err
	}

	// A rebuild never shrinks capacity below what is already consumed.
	cl.LongSellLimit = decimal.Max(long, cl.LongSellUsed)
	cl.ShortSellLimit = decimal.Max(short, cl.ShortSellUsed)
	cl.Currency = currency
	cl.Market = market
	cl.Status = types.LimitActive

	return e.saveClient(ctx, cl)
}

func (e *Engine) rebuildAULimit(ctx context.Context, auID, securityID string, date types.Date, long, short, borrowed decimal.Decimal, currency, market string) error {
	unlock := e.lockStripes(stripeFor("au", auID, securityID))
	defer unlock()

	au, err := e.store.GetAULimit(ctx, auID, securityID, date)
	switch {
	case err == nil:
	case errs.Is(err, errs.NotFound):
		au = types.AggregationUnitLimit{AggregationUnitID: auID}
		au.SecurityID = securityID
		au.BusinessDate = date
		au.LimitType = types.LimitRegulatory
	default:
		return err
	}

	au.LongSellLimit = decimal.Max(long, au.LongSellUsed)
	shortLimit := short
	if market == types.MarketTaiwan && borrowed.IsPositive() {
		shortLimit = decimal.Max(shortLimit.Sub(borrowed), decimal.Zero)
		au.MarketSpecificRules = appendUnique(au.MarketSpecificRules, ruleTWNoRelend)
	}
	au.ShortSellLimit = decimal.Max(shortLimit, au.ShortSellUsed)
	au.Currency = currency
	au.Market = market
	au.Status = types.LimitActive

	return e.saveAU(ctx, au)
}

func (e *Engine) saveClient(ctx context.Context, cl types.ClientLimit) error {
	cl.Version++
	cl.LastUpdated = time.Now().UTC()
	if err := e.store.SaveClientLimit(ctx, cl); err != nil {
		return err
	}
	e.pub.PublishClientLimitUpdate(cl)
	return nil
}

func (e *Engine) saveAU(ctx context.Context, au types.AggregationUnitLimit) error {
	au.Version++
	au.LastUpdated = time.Now().UTC()
	if err := e.store.SaveAULimit(ctx, au); err != nil {
		return err
	}
	e.pub.PublishAULimitUpdate(au)
	return nil
}

func addUsage(c *types.LimitCore, orderType types.OrderType, qty decimal.Decimal) {
	switch orderType {
	case types.OrderLongSell:
		c.LongSellUsed = c.LongSellUsed.Add(qty)
	case types.OrderShortSell:
		c.ShortSellUsed = c.ShortSellUsed.Add(qty)
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

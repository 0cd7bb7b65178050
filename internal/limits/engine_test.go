package limits

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

const testSecurity = "AAPL"

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

type clientKey struct {
	clientID, securityID string
	date                 types.Date
}

type auKey struct {
	auID, securityID string
	date             types.Date
}

type memStore struct {
	mu        sync.Mutex
	clients   map[clientKey]types.ClientLimit
	aus       map[auKey]types.AggregationUnitLimit
	positions []types.Position
}

func newMemStore() *memStore {
	return &memStore{
		clients: make(map[clientKey]types.ClientLimit),
		aus:     make(map[auKey]types.AggregationUnitLimit),
	}
}

func (m *memStore) GetClientLimit(ctx context.Context, clientID, securityID string, date types.Date) (types.ClientLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.clients[clientKey{clientID, securityID, date}]
	if !ok {
		return types.ClientLimit{}, errs.E("memStore.GetClientLimit", errs.NotFound, "no limit")
	}
	return l, nil
}

func (m *memStore) SaveClientLimit(ctx context.Context, l types.ClientLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[clientKey{l.ClientID, l.SecurityID, l.BusinessDate}] = l
	return nil
}

func (m *memStore) ListClientLimitsByDate(ctx context.Context, date types.Date) ([]types.ClientLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ClientLimit
	for k, l := range m.clients {
		if k.date == date {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) GetAULimit(ctx context.Context, auID, securityID string, date types.Date) (types.AggregationUnitLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.aus[auKey{auID, securityID, date}]
	if !ok {
		return types.AggregationUnitLimit{}, errs.E("memStore.GetAULimit", errs.NotFound, "no limit")
	}
	return l, nil
}

func (m *memStore) SaveAULimit(ctx context.Context, l types.AggregationUnitLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aus[auKey{l.AggregationUnitID, l.SecurityID, l.BusinessDate}] = l
	return nil
}

func (m *memStore) ListAULimitsByDate(ctx context.Context, date types.Date) ([]types.AggregationUnitLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.AggregationUnitLimit
	for k, l := range m.aus {
		if k.date == date {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) ListPositionsByDate(ctx context.Context, date types.Date) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Position(nil), m.positions...), nil
}

type memRefData struct{}

func (memRefData) Security(ctx context.Context, id string) (types.Security, error) {
	return types.Security{InternalID: id, Market: "US", Currency: "USD", Status: types.SecurityActive}, nil
}

func (memRefData) Book(ctx context.Context, id string) (types.Book, error) {
	return types.Book{ID: id, ClientID: "C-123", AggregationUnitID: "AU-1", Market: "US"}, nil
}

type memInventory struct {
	short map[string]decimal.Decimal
}

func (m *memInventory) GetAvailabilityByType(ctx context.Context, securityID string, calcType types.CalculationType, date types.Date) (types.InventoryAvailability, error) {
	q, ok := m.short[securityID]
	if !ok {
		return types.InventoryAvailability{}, errs.E("memInventory", errs.NotFound, "no record")
	}
	return types.InventoryAvailability{AvailableQuantity: q, Status: types.InventoryActive}, nil
}

type memPublisher struct {
	mu            sync.Mutex
	clientUpdates int
	auUpdates     int
}

func (m *memPublisher) PublishClientLimitUpdate(l types.ClientLimit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientUpdates++
}

func (m *memPublisher) PublishAULimitUpdate(l types.AggregationUnitLimit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auUpdates++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine() (*Engine, *memStore, *memPublisher) {
	store := newMemStore()
	pub := &memPublisher{}
	inv := &memInventory{short: map[string]decimal.Decimal{testSecurity: dec(500000)}}
	return NewEngine(store, memRefData{}, inv, pub, 2, testLogger()), store, pub
}

// seedLimits installs the scenario's limits for today.
func seedLimits(t *testing.T, store *memStore, clientShortLimit, clientShortUsed, auShortLimit, auShortUsed int64) {
	t.Helper()
	today := types.Today()

	cl := types.ClientLimit{ClientID: "C-123"}
	cl.SecurityID = testSecurity
	cl.BusinessDate = today
	cl.ShortSellLimit = dec(clientShortLimit)
	cl.ShortSellUsed = dec(clientShortUsed)
	cl.LongSellLimit = dec(100000)
	cl.Status = types.LimitActive
	if err := store.SaveClientLimit(context.Background(), cl); err != nil {
		t.Fatal(err)
	}

	au := types.AggregationUnitLimit{AggregationUnitID: "AU-1"}
	au.SecurityID = testSecurity
	au.BusinessDate = today
	au.ShortSellLimit = dec(auShortLimit)
	au.ShortSellUsed = dec(auShortUsed)
	au.LongSellLimit = dec(100000)
	au.Status = types.LimitActive
	if err := store.SaveAULimit(context.Background(), au); err != nil {
		t.Fatal(err)
	}
}

// Scenario: client 6000/10000 used, AU 40000/50000. A 5000 short sell
// breaches the client side; 3000 fits both and usage advances to 9000/43000.
func TestValidateAndConsumeShortSell(t *testing.T) {
	t.Parallel()
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	seedLimits(t, store, 10000, 6000, 50000, 40000)

	ok, err := eng.ValidateOrderAgainstLimits(ctx, "C-123", "AU-1", testSecurity, types.OrderShortSell, dec(5000))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("5000 would take the client to 11000 > 10000, want rejected")
	}

	ok, err = eng.ValidateOrderAgainstLimits(ctx, "C-123", "AU-1", testSecurity, types.OrderShortSell, dec(3000))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("3000 fits both limits, want accepted")
	}

	if err := eng.UpdateLimitUsage(ctx, "C-123", "AU-1", testSecurity, types.OrderShortSell, dec(3000)); err != nil {
		t.Fatal(err)
	}

	cl, err := eng.GetClientLimit(ctx, "C-123", testSecurity, types.Today())
	if err != nil {
		t.Fatal(err)
	}
	if !cl.ShortSellUsed.Equal(dec(9000)) {
		t.Errorf("client shortSellUsed = %s, want 9000", cl.ShortSellUsed)
	}

	au, err := eng.GetAULimit(ctx, "AU-1", testSecurity, types.Today())
	if err != nil {
		t.Fatal(err)
	}
	if !au.ShortSellUsed.Equal(dec(43000)) {
		t.Errorf("AU shortSellUsed = %s, want 43000", au.ShortSellUsed)
	}
}

func TestValidateRejectsWhenAULimitInsufficient(t *testing.T) {
	t.Parallel()
	eng, store, _ := newTestEngine()

	// Client has room, AU does not.
	seedLimits(t, store, 100000, 0, 50000, 49000)

	ok, err := eng.ValidateOrderAgainstLimits(context.Background(), "C-123", "AU-1", testSecurity, types.OrderShortSell, dec(2000))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("AU headroom is 1000, a 2000 order must be rejected")
	}
}

func TestUpdateUsagePreservesUsedWithinLimit(t *testing.T) {
	t.Parallel()
	eng, store, _ := newTestEngine()

	seedLimits(t, store, 10000, 9500, 50000, 0)

	err := eng.UpdateLimitUsage(context.Background(), "C-123", "AU-1", testSecurity, types.OrderShortSell, dec(1000))
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("err kind = %v, want VALIDATION when usage would exceed limit", errs.KindOf(err))
	}

	cl, err := eng.GetClientLimit(context.Background(), "C-123", testSecurity, types.Today())
	if err != nil {
		t.Fatal(err)
	}
	if !cl.ShortSellUsed.Equal(dec(9500)) {
		t.Errorf("failed update must not change usage: %s", cl.ShortSellUsed)
	}
}

func TestValidateUnknownLimitIsNotFound(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()

	_, err := eng.ValidateOrderAgainstLimits(context.Background(), "C-999", "AU-9", testSecurity, types.OrderShortSell, dec(100))
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err kind = %v, want NOT_FOUND", errs.KindOf(err))
	}
}

func TestValidateInputContract(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := eng.ValidateOrderAgainstLimits(ctx, "C-123", "AU-1", testSecurity, types.OrderShortSell, dec(0)); !errs.Is(err, errs.Validation) {
		t.Error("zero quantity must be VALIDATION")
	}
	if _, err := eng.ValidateOrderAgainstLimits(ctx, "C-123", "AU-1", testSecurity, "BUY", dec(10)); !errs.Is(err, errs.Validation) {
		t.Error("unknown order type must be VALIDATION")
	}
}

func TestCalculateLimitsBuildsFromPositions(t *testing.T) {
	t.Parallel()
	eng, _, pub := newTestEngine()
	ctx := context.Background()

	today := types.Today()
	p := types.Position{
		PositionKey: types.PositionKey{BookID: "EQ-01", SecurityID: testSecurity, BusinessDate: today},
		SettledQty:  dec(80000),
	}
	p.CurrentNetPosition = p.SettledQty
	p.ProjectedNetPosition = p.SettledQty

	if err := eng.CalculateLimits(ctx, []types.Position{p}); err != nil {
		t.Fatal(err)
	}

	cl, err := eng.GetClientLimit(ctx, "C-123", testSecurity, today)
	if err != nil {
		t.Fatal(err)
	}
	if !cl.LongSellLimit.Equal(dec(80000)) {
		t.Errorf("client longSellLimit = %s, want 80000", cl.LongSellLimit)
	}
	if !cl.ShortSellLimit.Equal(dec(500000)) {
		t.Errorf("client shortSellLimit = %s, want 500000 from inventory", cl.ShortSellLimit)
	}

	au, err := eng.GetAULimit(ctx, "AU-1", testSecurity, today)
	if err != nil {
		t.Fatal(err)
	}
	if !au.LongSellLimit.Equal(dec(80000)) {
		t.Errorf("AU longSellLimit = %s, want 80000", au.LongSellLimit)
	}
	if pub.clientUpdates == 0 || pub.auUpdates == 0 {
		t.Error("rebuild must publish limit updates")
	}
}

func TestRebuildNeverShrinksBelowUsage(t *testing.T) {
	t.Parallel()
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	seedLimits(t, store, 10000, 6000, 50000, 40000)

	// A rebuild with a tiny position would imply a smaller limit; usage wins.
	p := types.Position{
		PositionKey: types.PositionKey{BookID: "EQ-01", SecurityID: testSecurity, BusinessDate: types.Today()},
		SettledQty:  dec(10),
	}
	p.CurrentNetPosition = p.SettledQty

	// Shrink inventory to force the small short capacity.
	eng.inventory.(*memInventory).short[testSecurity] = dec(100)

	if err := eng.CalculateLimits(ctx, []types.Position{p}); err != nil {
		t.Fatal(err)
	}

	cl, err := eng.GetClientLimit(ctx, "C-123", testSecurity, types.Today())
	if err != nil {
		t.Fatal(err)
	}
	if cl.ShortSellUsed.GreaterThan(cl.ShortSellLimit) {
		t.Errorf("invariant broken: used %s > limit %s", cl.ShortSellUsed, cl.ShortSellLimit)
	}
}

func TestTaiwanNoRelendReducesAUShortLimit(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pub := &memPublisher{}
	inv := &memInventory{short: map[string]decimal.Decimal{"2330.TW": dec(100000)}}
	eng := NewEngine(store, twRefData{}, inv, pub, 2, testLogger())
	ctx := context.Background()

	today := types.Today()
	p := types.Position{
		PositionKey:  types.PositionKey{BookID: "TW-01", SecurityID: "2330.TW", BusinessDate: today},
		SettledQty:   dec(30000),
		PositionType: types.PosBorrowed,
	}
	p.CurrentNetPosition = p.SettledQty

	if err := eng.CalculateLimits(ctx, []types.Position{p}); err != nil {
		t.Fatal(err)
	}

	au, err := eng.GetAULimit(ctx, "AU-TW", "2330.TW", today)
	if err != nil {
		t.Fatal(err)
	}
	// 100000 short capacity minus 30000 borrowed.
	if !au.ShortSellLimit.Equal(dec(70000)) {
		t.Errorf("AU shortSellLimit = %s, want 70000", au.ShortSellLimit)
	}
	found := false
	for _, r := range au.MarketSpecificRules {
		if r == ruleTWNoRelend {
			found = true
		}
	}
	if !found {
		t.Error("AU limit must be tagged with the TW no-relend rule")
	}
}

// twRefData maps everything onto a Taiwan AU.
type twRefData struct{}

func (twRefData) Security(ctx context.Context, id string) (types.Security, error) {
	return types.Security{InternalID: id, Market: types.MarketTaiwan, Currency: "TWD", Status: types.SecurityActive}, nil
}

func (twRefData) Book(ctx context.Context, id string) (types.Book, error) {
	return types.Book{ID: id, ClientID: "C-TW", AggregationUnitID: "AU-TW", Market: types.MarketTaiwan}, nil
}

package position

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

const (
	testBook     = "EQ-01"
	testSecurity = "AAPL"
	testDate     = types.Date("2024-03-05")
)

// memStore is an in-memory position store.
type memStore struct {
	mu        sync.Mutex
	positions map[types.PositionKey]types.Position
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[types.PositionKey]types.Position)}
}

func (m *memStore) GetPosition(ctx context.Context, key types.PositionKey) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[key]
	if !ok {
		return types.Position{}, errs.E("memStore.GetPosition", errs.NotFound, "no position")
	}
	return p, nil
}

func (m *memStore) SavePosition(ctx context.Context, p types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.PositionKey] = p
	return nil
}

func (m *memStore) ListPositionsByDate(ctx context.Context, date types.Date) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.BusinessDate == date {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ListPositionsByStatus(ctx context.Context, date types.Date, status types.CalculationStatus) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.BusinessDate == date && p.CalculationStatus == status {
			out = append(out, p)
		}
	}
	return out, nil
}

// memRefData resolves a fixed security/book universe.
type memRefData struct {
	securities map[string]types.Security
	books      map[string]types.Book
}

func newMemRefData() *memRefData {
	return &memRefData{
		securities: map[string]types.Security{
			testSecurity: {InternalID: testSecurity, Type: types.SecEquity, Market: "US", Currency: "USD", Status: types.SecurityActive},
		},
		books: map[string]types.Book{
			testBook: {ID: testBook, ClientID: "C-1", AggregationUnitID: "AU-1", Market: "US"},
		},
	}
}

func (m *memRefData) Security(ctx context.Context, id string) (types.Security, error) {
	s, ok := m.securities[id]
	if !ok {
		return types.Security{}, errs.E("memRefData.Security", errs.NotFound, id)
	}
	return s, nil
}

func (m *memRefData) Book(ctx context.Context, id string) (types.Book, error) {
	b, ok := m.books[id]
	if !ok {
		return types.Book{}, errs.E("memRefData.Book", errs.NotFound, id)
	}
	return b, nil
}

// memPublisher records published updates.
type memPublisher struct {
	mu      sync.Mutex
	updates []types.Position
}

func (m *memPublisher) PublishPositionUpdate(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, p)
}

func (m *memPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine() (*Engine, *memStore, *memPublisher) {
	store := newMemStore()
	pub := &memPublisher{}
	return NewEngine(store, newMemRefData(), pub, testLogger()), store, pub
}

func trade(id string, side types.Side, qty int64, settleOffset int) types.TradeDataEvent {
	return types.TradeDataEvent{
		TradeID:        id,
		BookID:         testBook,
		SecurityID:     testSecurity,
		Side:           side,
		Quantity:       decimal.NewFromInt(qty),
		TradeDate:      testDate,
		SettlementDate: testDate.AddDays(settleOffset),
	}
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestBuyTradeFillsReceiptBucket(t *testing.T) {
	t.Parallel()
	eng, _, pub := newTestEngine()

	p, err := eng.ProcessTradeEvent(context.Background(), trade("t1", types.BUY, 500, 2))
	if err != nil {
		t.Fatal(err)
	}

	if !p.Ladder.Receipt[2].Equal(dec(500)) {
		t.Errorf("sd2Receipt = %s, want 500", p.Ladder.Receipt[2])
	}
	if !p.ContractualQty.Equal(dec(500)) {
		t.Errorf("contractualQty = %s, want 500", p.ContractualQty)
	}
	if p.CalculationStatus != types.CalcValid {
		t.Errorf("status = %s, want VALID", p.CalculationStatus)
	}
	if p.Version != 1 {
		t.Errorf("version = %d, want 1", p.Version)
	}
	if pub.count() != 1 {
		t.Errorf("published %d updates, want 1", pub.count())
	}
}

func TestSellTradeFillsDeliverBucket(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()

	p, err := eng.ProcessTradeEvent(context.Background(), trade("t1", types.SELL, 300, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Ladder.Deliver[1].Equal(dec(300)) {
		t.Errorf("sd1Deliver = %s, want 300", p.Ladder.Deliver[1])
	}
	if !p.ContractualQty.Equal(dec(-300)) {
		t.Errorf("contractualQty = %s, want -300", p.ContractualQty)
	}
}

func TestLongDatedTradeAccumulatesIntoSd4(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := eng.ProcessTradeEvent(ctx, trade("t1", types.BUY, 100, 7)); err != nil {
		t.Fatal(err)
	}
	p, err := eng.ProcessTradeEvent(ctx, trade("t2", types.BUY, 50, 10))
	if err != nil {
		t.Fatal(err)
	}

	if !p.Ladder.Receipt[4].Equal(dec(150)) {
		t.Errorf("sd4Receipt = %s, want 150", p.Ladder.Receipt[4])
	}
	if !p.HasBeyondLadder {
		t.Error("HasBeyondLadder should be set")
	}
}

func TestDerivedNetsInvariant(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := eng.ProcessTradeEvent(ctx, trade("t1", types.BUY, 1000, 0)); err != nil {
		t.Fatal(err)
	}
	p, err := eng.ProcessTradeEvent(ctx, trade("t2", types.SELL, 400, 3))
	if err != nil {
		t.Fatal(err)
	}

	wantCurrent := p.SettledQty.Add(p.ContractualQty)
	if !p.CurrentNetPosition.Equal(wantCurrent) {
		t.Errorf("currentNet = %s, want %s", p.CurrentNetPosition, wantCurrent)
	}
	wantProjected := wantCurrent.Add(p.Ladder.NetSettlement())
	if !p.ProjectedNetPosition.Equal(wantProjected) {
		t.Errorf("projectedNet = %s, want %s", p.ProjectedNetPosition, wantProjected)
	}
}

func TestLadderViewMatchesDirectComputation(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := eng.ProcessTradeEvent(ctx, trade("t1", types.BUY, 700, 1)); err != nil {
		t.Fatal(err)
	}
	p, err := eng.ProcessTradeEvent(ctx, trade("t2", types.SELL, 200, 4))
	if err != nil {
		t.Fatal(err)
	}

	ladder := CalculateSettlementLadder(p)
	viaView := p.CurrentNetPosition.Add(ladder.NetSettlement)
	if !viaView.Equal(p.ProjectedNetPosition) {
		t.Errorf("projected via ladder view = %s, direct = %s", viaView, p.ProjectedNetPosition)
	}
}

func TestTradeReplayDoesNotDoubleCount(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	first, err := eng.ProcessTradeEvent(ctx, trade("t1", types.BUY, 500, 2))
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := eng.ProcessTradeEvent(ctx, trade("t1", types.BUY, 500, 2))
	if err != nil {
		t.Fatal(err)
	}

	if !replayed.ContractualQty.Equal(first.ContractualQty) {
		t.Errorf("replay changed contractualQty: %s -> %s", first.ContractualQty, replayed.ContractualQty)
	}
	if !replayed.Ladder.Receipt[2].Equal(first.Ladder.Receipt[2]) {
		t.Errorf("replay changed sd2Receipt: %s -> %s", first.Ladder.Receipt[2], replayed.Ladder.Receipt[2])
	}
	if replayed.Version != first.Version {
		t.Errorf("replay bumped version: %d -> %d", first.Version, replayed.Version)
	}
}

func TestSellThenCorrectionRestoresState(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	before, err := eng.ProcessTradeEvent(ctx, trade("t0", types.BUY, 1000, 0))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.ProcessTradeEvent(ctx, trade("t1", types.SELL, 400, 2)); err != nil {
		t.Fatal(err)
	}

	// The correction is the same trade with a negated quantity.
	undo := trade("t1", types.SELL, 400, 2)
	undo.Quantity = undo.Quantity.Neg()
	after, err := eng.ProcessTradeEvent(ctx, undo)
	if err != nil {
		t.Fatal(err)
	}

	if !after.ContractualQty.Equal(before.ContractualQty) {
		t.Errorf("contractualQty = %s, want %s", after.ContractualQty, before.ContractualQty)
	}
	if !after.Ladder.Deliver[2].Equal(before.Ladder.Deliver[2]) {
		t.Errorf("sd2Deliver = %s, want %s", after.Ladder.Deliver[2], before.Ladder.Deliver[2])
	}
	if !after.ProjectedNetPosition.Equal(before.ProjectedNetPosition) {
		t.Errorf("projectedNet = %s, want %s", after.ProjectedNetPosition, before.ProjectedNetPosition)
	}
}

func TestUnknownSecurityParksWithPending(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()

	ev := trade("t1", types.BUY, 100, 0)
	ev.SecurityID = "UNKNOWN"
	_, err := eng.ProcessTradeEvent(context.Background(), ev)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err kind = %v, want NOT_FOUND", errs.KindOf(err))
	}

	key := types.PositionKey{BookID: testBook, SecurityID: "UNKNOWN", BusinessDate: testDate}
	p, err := eng.GetPosition(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if p.CalculationStatus != types.CalcPending {
		t.Errorf("status = %s, want PENDING", p.CalculationStatus)
	}
}

func TestInvalidTradeRejected(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()

	ev := trade("", types.BUY, 0, 0)
	ev.Side = "HOLD"
	_, err := eng.ProcessTradeEvent(context.Background(), ev)
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("err kind = %v, want VALIDATION", errs.KindOf(err))
	}
	fields := errs.FieldsOf(err)
	for _, f := range []string{"tradeId", "side", "quantity"} {
		if fields[f] == "" {
			t.Errorf("missing field error for %s", f)
		}
	}
}

func TestStartOfDaySnapshotOverwrites(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := eng.ProcessTradeEvent(ctx, trade("t1", types.BUY, 100, 1)); err != nil {
		t.Fatal(err)
	}

	settled := dec(90000)
	contractual := dec(0)
	p, err := eng.ProcessPositionEvent(ctx, types.PositionEvent{
		EventID:        "e1",
		BookID:         testBook,
		SecurityID:     testSecurity,
		BusinessDate:   testDate,
		SettledQty:     &settled,
		ContractualQty: &contractual,
		Ladder:         &types.Ladder{},
		IsStartOfDay:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !p.SettledQty.Equal(settled) {
		t.Errorf("settledQty = %s, want 90000", p.SettledQty)
	}
	if !p.ContractualQty.IsZero() {
		t.Errorf("contractualQty = %s, want 0", p.ContractualQty)
	}
	if !p.IsStartOfDay {
		t.Error("IsStartOfDay should be set")
	}
	if !p.CurrentNetPosition.Equal(settled) {
		t.Errorf("currentNet = %s, want 90000", p.CurrentNetPosition)
	}
}

func TestIntradaySnapshotRejected(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()

	_, err := eng.ProcessPositionEvent(context.Background(), types.PositionEvent{
		EventID:      "e1",
		BookID:       testBook,
		SecurityID:   testSecurity,
		BusinessDate: testDate,
		IsStartOfDay: false,
	})
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("err kind = %v, want VALIDATION", errs.KindOf(err))
	}
}

func TestRecalculatePositionsRefreshesStatus(t *testing.T) {
	t.Parallel()
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	stale := types.Position{
		PositionKey:       types.PositionKey{BookID: testBook, SecurityID: testSecurity, BusinessDate: testDate},
		SettledQty:        dec(100),
		CalculationStatus: types.CalcPending,
	}
	if err := store.SavePosition(ctx, stale); err != nil {
		t.Fatal(err)
	}

	n, err := eng.RecalculatePositions(ctx, testDate, types.CalcPending)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recalculated %d positions, want 1", n)
	}

	p, err := eng.GetPosition(ctx, stale.PositionKey)
	if err != nil {
		t.Fatal(err)
	}
	if p.CalculationStatus != types.CalcValid {
		t.Errorf("status = %s, want VALID", p.CalculationStatus)
	}
	if !p.CurrentNetPosition.Equal(dec(100)) {
		t.Errorf("currentNet = %s, want 100", p.CurrentNetPosition)
	}
}

func TestListenerNotifiedOnUpdate(t *testing.T) {
	t.Parallel()
	eng, _, _ := newTestEngine()

	var got []types.Position
	eng.AddListener(func(p types.Position) { got = append(got, p) })

	if _, err := eng.ProcessTradeEvent(context.Background(), trade("t1", types.BUY, 10, 0)); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("listener called %d times, want 1", len(got))
	}
}

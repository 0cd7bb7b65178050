package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"inventory-core/internal/config"
	"inventory-core/internal/engine"
	"inventory-core/pkg/types"
)

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// newRefDataServer serves a fixed security/book universe.
func newRefDataServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/securities/AAPL", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Security{
			InternalID: "AAPL", Type: types.SecEquity, Market: "US",
			Currency: "USD", Status: types.SecurityActive,
		})
	})
	mux.HandleFunc("/books/EQ-01", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Book{
			ID: "EQ-01", ClientID: "C-123", AggregationUnitID: "AU-1", Market: "US",
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newTestStack builds a full core (in-memory store, stub refdata, no bus)
// behind the API router.
func newTestStack(t *testing.T) (*engine.Core, *httptest.Server) {
	t.Helper()

	refSrv := newRefDataServer(t)

	cfg := config.Config{}
	cfg.Store.Path = ":memory:"
	cfg.RefData = config.RefDataConfig{BaseURL: refSrv.URL, Timeout: 2 * time.Second, CacheTTL: time.Minute}
	cfg.Engine = config.EngineConfig{
		ShardCount:              2,
		ShardQueueHigh:          100,
		ShardQueueLow:           25,
		DeadlineEventProcessing: time.Second,
		DeadlineOrderValidation: time.Second,
	}
	cfg.Retry = config.RetryConfig{MaxRetries: 1, BackoffInitial: time.Millisecond, BackoffFactor: 2, BackoffMax: 2 * time.Millisecond}
	cfg.Markets = config.MarketsConfig{Enabled: []string{"US"}, JPCutoffTimeUTC: "06:00"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core, err := engine.New(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(core.Stop)

	srv := NewServer(config.APIConfig{Port: 0}, core, logger)
	apiSrv := httptest.NewServer(srv.Router())
	t.Cleanup(apiSrv.Close)

	return core, apiSrv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func seedPosition(t *testing.T, core *engine.Core, settled int64) types.Date {
	t.Helper()
	today := types.Today()
	p := types.Position{
		PositionKey:      types.PositionKey{BookID: "EQ-01", SecurityID: "AAPL", BusinessDate: today},
		SettledQty:       dec(settled),
		IsHypothecatable: true,
		PositionType:     types.PosOwned,
	}
	if err := core.Positions().ProcessStartOfDayPositions(context.Background(), []types.Position{p}, today); err != nil {
		t.Fatal(err)
	}
	return today
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, srv := newTestStack(t)

	var health healthResponse
	resp := getJSON(t, srv.URL+"/health", &health)
	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		t.Fatalf("health = %d %+v", resp.StatusCode, health)
	}
}

func TestRuleCRUDOverREST(t *testing.T) {
	t.Parallel()
	_, srv := newTestStack(t)

	// Invalid rule: missing almost everything.
	resp := postJSON(t, srv.URL+"/api/rules", types.CalculationRule{ID: "bad"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid rule status = %d, want 400", resp.StatusCode)
	}
	var errBody errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatal(err)
	}
	if errBody.Kind != "VALIDATION" || errBody.Fields["name"] != "required" {
		t.Errorf("error body = %+v, want VALIDATION with field errors", errBody)
	}

	rule := types.CalculationRule{
		ID:            "r1",
		Name:          "hypothecatable long",
		RuleType:      types.RuleInclude,
		Market:        "US",
		Priority:      1,
		EffectiveDate: types.Today().AddDays(-1),
		Status:        types.RuleActive,
		Conditions: []types.RuleCondition{
			{Attribute: "isHypothecatable", Operator: types.OpEQ, Value: "true"},
		},
	}
	resp = postJSON(t, srv.URL+"/api/rules", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d, want 201", resp.StatusCode)
	}

	var active []types.CalculationRule
	if r := getJSON(t, srv.URL+"/api/rules", &active); r.StatusCode != http.StatusOK {
		t.Fatalf("list rules status = %d", r.StatusCode)
	}
	if len(active) != 1 || active[0].ID != "r1" {
		t.Fatalf("active rules = %+v, want [r1]", active)
	}

	var filtered []types.CalculationRule
	getJSON(t, srv.URL+"/api/rules/INCLUDE/US", &filtered)
	if len(filtered) != 1 {
		t.Errorf("filtered rules = %d, want 1", len(filtered))
	}
}

func TestPositionAndLadderQueries(t *testing.T) {
	t.Parallel()
	core, srv := newTestStack(t)

	today := seedPosition(t, core, 100000)

	var positions []types.Position
	resp := getJSON(t, srv.URL+"/api/positions?date="+string(today), &positions)
	if resp.StatusCode != http.StatusOK || len(positions) != 1 {
		t.Fatalf("positions = %d records, status %d", len(positions), resp.StatusCode)
	}
	if !positions[0].CurrentNetPosition.Equal(dec(100000)) {
		t.Errorf("currentNet = %s, want 100000", positions[0].CurrentNetPosition)
	}

	var p types.Position
	getJSON(t, srv.URL+"/api/positions/EQ-01/AAPL?date="+string(today), &p)
	if p.CalculationStatus != types.CalcValid {
		t.Errorf("status = %s, want VALID", p.CalculationStatus)
	}

	var ladder types.SettlementLadder
	getJSON(t, srv.URL+"/api/positions/EQ-01/AAPL/ladder?date="+string(today), &ladder)
	if !ladder.NetSettlement.IsZero() {
		t.Errorf("netSettlement = %s, want 0", ladder.NetSettlement)
	}

	// Malformed date surfaces 400.
	resp = getJSON(t, srv.URL+"/api/positions?date=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus date status = %d, want 400", resp.StatusCode)
	}
}

func TestInventoryQueryAfterPositionSeed(t *testing.T) {
	t.Parallel()
	core, srv := newTestStack(t)

	today := seedPosition(t, core, 100000)

	var rec types.InventoryAvailability
	resp := getJSON(t, srv.URL+"/api/inventory/AAPL/FOR_LOAN?date="+string(today), &rec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inventory status = %d, want 200", resp.StatusCode)
	}
	if !rec.AvailableQuantity.Equal(dec(100000)) {
		t.Errorf("FOR_LOAN = %s, want 100000", rec.AvailableQuantity)
	}

	var all []types.InventoryAvailability
	getJSON(t, srv.URL+"/api/inventory/AAPL?date="+string(today), &all)
	if len(all) != len(types.AllCalculationTypes) {
		t.Errorf("records = %d, want %d", len(all), len(types.AllCalculationTypes))
	}
}

func TestOrderValidationAndUsageOverREST(t *testing.T) {
	t.Parallel()
	core, srv := newTestStack(t)

	seedPosition(t, core, 100000)
	if err := core.Limits().RecalculateLimits(context.Background()); err != nil {
		t.Fatal(err)
	}

	order := orderRequest{
		ClientID:          "C-123",
		AggregationUnitID: "AU-1",
		SecurityID:        "AAPL",
		OrderType:         types.OrderLongSell,
		Quantity:          dec(30000),
	}

	var verdict validationResponse
	resp := postJSON(t, srv.URL+"/api/orders/validate", order)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status = %d, want 200", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatal(err)
	}
	if !verdict.Valid {
		t.Fatal("30000 against a 100000 long-sell limit must validate")
	}

	if resp := postJSON(t, srv.URL+"/api/limits/usage", order); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("usage status = %d, want 204", resp.StatusCode)
	}

	var cl types.ClientLimit
	getJSON(t, srv.URL+"/api/limits/client/C-123/AAPL?date="+string(types.Today()), &cl)
	if !cl.LongSellUsed.Equal(dec(30000)) {
		t.Errorf("longSellUsed = %s, want 30000", cl.LongSellUsed)
	}

	// An oversized order is rejected but the request itself succeeds.
	order.Quantity = dec(90000)
	resp = postJSON(t, srv.URL+"/api/orders/validate", order)
	verdict = validationResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatal(err)
	}
	if verdict.Valid {
		t.Error("90000 after 30000 used against 100000 must be rejected")
	}
}

func TestUnknownLimitIs404(t *testing.T) {
	t.Parallel()
	_, srv := newTestStack(t)

	resp := getJSON(t, srv.URL+"/api/limits/client/NOBODY/AAPL", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

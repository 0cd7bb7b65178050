package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"inventory-core/pkg/types"
)

// newBusServer upgrades connections, checks the subscription message, and
// replays the given raw events.
func newBusServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscription: %v", err)
			return
		}
		if sub.Type != "subscribe" || len(sub.Streams) != len(allStreams) {
			t.Errorf("subscription = %+v", sub)
		}

		for _, ev := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
				return
			}
		}

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedRoutesEventTypes(t *testing.T) {
	t.Parallel()

	srv := newBusServer(t,
		`{"event_type":"trade","tradeId":"t1","bookId":"EQ-01","securityId":"AAPL","side":"BUY","quantity":"500","tradeDate":"2024-03-05","settlementDate":"2024-03-07"}`,
		`{"event_type":"position","eventId":"p1","bookId":"EQ-01","securityId":"AAPL","businessDate":"2024-03-05","isStartOfDay":true}`,
		`{"event_type":"inventory","eventId":"i1","securityIdentifier":"AAPL","businessDate":"2024-03-05","calculationType":"SHORT_SELL","grossQuantity":"1","netQuantity":"1","availableQuantity":"1","reservedQuantity":"0","decrementQuantity":"0","securityTemperature":"GC","isExternalSource":true,"status":"ACTIVE"}`,
		`{"event_type":"contract","contractId":"c1","type":"SLAB","securityId":"AAPL","qty":"100","startDate":"2024-03-05","endDate":"2024-03-12","counterpartyId":"CP1"}`,
		`{"event_type":"heartbeat"}`,
		`not even json`,
	)

	feed := NewFeed(wsURL(srv), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	waitFor := func(name string, ok func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if ok() {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("%s never arrived", name)
	}

	var trade types.TradeDataEvent
	waitFor("trade", func() bool {
		select {
		case trade = <-feed.TradeEvents():
			return true
		default:
			return false
		}
	})
	if trade.TradeID != "t1" || trade.Side != types.BUY || !trade.Quantity.Equal(decimal.NewFromInt(500)) {
		t.Errorf("trade = %+v", trade)
	}

	var pos types.PositionEvent
	waitFor("position", func() bool {
		select {
		case pos = <-feed.PositionEvents():
			return true
		default:
			return false
		}
	})
	if pos.EventID != "p1" || !pos.IsStartOfDay {
		t.Errorf("position = %+v", pos)
	}

	var inv types.InventoryEvent
	waitFor("inventory", func() bool {
		select {
		case inv = <-feed.InventoryEvents():
			return true
		default:
			return false
		}
	})
	if inv.CalculationType != types.ShortSell || !inv.IsExternalSource {
		t.Errorf("inventory = %+v", inv)
	}

	var con types.ContractEvent
	waitFor("contract", func() bool {
		select {
		case con = <-feed.ContractEvents():
			return true
		default:
			return false
		}
	})
	if con.Type != types.ContractSLAB || con.ContractID != "c1" {
		t.Errorf("contract = %+v", con)
	}
}

func TestFeedDecimalQuantitiesParseFromStrings(t *testing.T) {
	t.Parallel()

	// Quantities arrive as JSON strings to preserve fixed-point precision.
	raw := `{"event_type":"trade","tradeId":"t1","bookId":"B","securityId":"S","side":"SELL","quantity":"123456.654321","tradeDate":"2024-03-05","settlementDate":"2024-03-06"}`

	var ev types.TradeDataEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	want, _ := decimal.NewFromString("123456.654321")
	if !ev.Quantity.Equal(want) {
		t.Errorf("quantity = %s, want %s", ev.Quantity, want)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/types"
)

type fakeGateway struct {
	mux   *http.ServeMux
	hits  map[string]*atomic.Int32
	since atomic.Value
}

func newFakeGateway() *fakeGateway {
	g := &fakeGateway{mux: http.NewServeMux(), hits: map[string]*atomic.Int32{}}
	g.handle("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	return g
}

func (g *fakeGateway) handle(pattern string, h http.HandlerFunc) {
	counter := &atomic.Int32{}
	g.hits[pattern] = counter
	g.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		h(w, r)
	})
}

func (g *fakeGateway) count(pattern string) int {
	return int(g.hits[pattern].Load())
}

func connect(t *testing.T, g *fakeGateway, wsURL string) *Broker {
	t.Helper()
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	b := New(Config{
		BaseURL:    srv.URL,
		WSURL:      wsURL,
		APIKey:     "k1",
		Timeout:    2 * time.Second,
		MaxRetries: 3,
	})
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { b.Disconnect(context.Background()) })
	return b
}

func TestSubmitIsNeverRetried(t *testing.T) {
	g := newFakeGateway()
	g.handle("POST /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	b := connect(t, g, "")

	_, err := b.SubmitOrder(context.Background(), types.OrderIntent{
		ClientOrderID: "c1", Symbol: "MGC", Side: types.SideBuy, Quantity: 1, OrderType: types.OrderTypeMarket,
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, broker.ErrRejected))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, 1, g.count("POST /v1/orders"))
}

func TestSubmitClientErrorIsRejection(t *testing.T) {
	g := newFakeGateway()
	g.handle("POST /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "qty too large", http.StatusUnprocessableEntity)
	})
	b := connect(t, g, "")

	_, err := b.SubmitOrder(context.Background(), types.OrderIntent{
		ClientOrderID: "c1", Symbol: "MGC", Side: types.SideBuy, Quantity: 99, OrderType: types.OrderTypeMarket,
	})
	assert.ErrorIs(t, err, broker.ErrRejected)
}

func TestSubmitSendsLimitPriceAndKey(t *testing.T) {
	g := newFakeGateway()
	var got submitRequest
	g.handle("POST /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.Header.Get("X-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"client_order_id":"c1","broker_order_id":"B-9","status":"SUBMITTED"}`))
	})
	b := connect(t, g, "")

	ack, err := b.SubmitOrder(context.Background(), types.OrderIntent{
		ClientOrderID: "c1", Symbol: "MGC", Side: types.SideSell, Quantity: 2,
		OrderType: types.OrderTypeLimit, LimitPrice: decimal.NewNullDecimal(decimal.RequireFromString("2010.5")),
	})
	require.NoError(t, err)
	assert.Equal(t, "B-9", ack.BrokerOrderID)
	assert.Equal(t, types.OrderStatusSubmitted, ack.Status)
	require.NotNil(t, got.LimitPrice)
	assert.Equal(t, "2010.5", *got.LimitPrice)
	assert.Equal(t, types.SideSell, got.Side)
}

func TestReadsRetryTransientFailures(t *testing.T) {
	g := newFakeGateway()
	var calls atomic.Int32
	g.handle("GET /v1/positions", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"symbol":"MGC","qty":-1,"avg_price":"2001.2"}]`))
	})
	b := connect(t, g, "")

	positions, err := b.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(-1), positions[0].Quantity)
	assert.Equal(t, 3, g.count("GET /v1/positions"))
}

func TestReadsDoNotRetryClientErrors(t *testing.T) {
	g := newFakeGateway()
	g.handle("GET /v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	b := connect(t, g, "")

	_, err := b.PollOrderStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, broker.ErrUnknownOrder)
	assert.Equal(t, 1, g.count("GET /v1/orders/{id}"))
}

func TestPollFillsDecodesPendingCommission(t *testing.T) {
	g := newFakeGateway()
	g.handle("GET /v1/fills", func(w http.ResponseWriter, r *http.Request) {
		g.since.Store(r.URL.Query().Get("since"))
		w.Write([]byte(`[
			{"id":77,"ts":"2024-05-01T14:00:00Z","client_order_id":"c1","broker_order_id":"B-1","exec_id":"E-1","symbol":"MGC","side":"BUY","qty":1,"price":"100.5","commission":null},
			{"ts":"2024-05-01T14:00:01Z","client_order_id":"c1","broker_order_id":"B-1","exec_id":"E-2","symbol":"MGC","side":"BUY","qty":1,"price":"100.6","commission":"1.25"}
		]`))
	})
	b := connect(t, g, "")

	since := time.Date(2024, 5, 1, 13, 59, 0, 0, time.UTC)
	fills, err := b.PollFills(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "2024-05-01T13:59:00Z", g.since.Load())
	assert.Zero(t, fills[0].ID)
	assert.True(t, fills[0].CommissionPending())
	assert.Equal(t, "E-1", fills[0].ExecKey())
	assert.True(t, fills[1].Commission.Decimal.Equal(decimal.RequireFromString("1.25")))
}

func TestPollCommissionAndOpenOrders(t *testing.T) {
	g := newFakeGateway()
	g.handle("GET /v1/commissions/{exec}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"amount":"2","pending":false}`))
	})
	g.handle("GET /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		w.Write([]byte(`[{"client_order_id":"c1","broker_order_id":"B-1","symbol":"MGC","side":"BUY","qty":1,"status":"ACCEPTED"}]`))
	})
	g.handle("DELETE /v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	b := connect(t, g, "")
	ctx := context.Background()

	c, err := b.PollCommission(ctx, "E-1")
	require.NoError(t, err)
	assert.Equal(t, "E-1", c.ExecID)
	assert.False(t, c.Pending)
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(2)))

	open, err := b.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.OrderStatusAccepted, open[0].Status)

	require.NoError(t, b.CancelOrder(ctx, "B-1"))
	assert.Equal(t, 1, g.count("DELETE /v1/orders/{id}"))
}

func TestCallsRequireConnect(t *testing.T) {
	b := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := b.ListPositions(context.Background())
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	_, err = b.SubmitOrder(context.Background(), types.OrderIntent{})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestStreamDeliversTicksAndNotifications(t *testing.T) {
	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.Header.Get("X-API-Key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","tick":{"symbol":"`+sub.Symbol+`","price":"2002.1","ts":"2024-05-01T14:00:00Z"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"fill","fill":{"ts":"2024-05-01T14:00:01Z","exec_id":"E-7","symbol":"MGC","side":"SELL","qty":1,"price":"2002.1","commission":null}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","status":{"broker_order_id":"B-7","status":"FILLED","filled_qty":1}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(wsSrv.Close)

	b := connect(t, newFakeGateway(), "ws"+strings.TrimPrefix(wsSrv.URL, "http"))

	ticks, err := b.SubscribeMarketData(context.Background(), "MGC")
	require.NoError(t, err)

	select {
	case ev := <-ticks:
		assert.Equal(t, "MGC", ev.Symbol)
		assert.True(t, ev.Price.Equal(decimal.RequireFromString("2002.1")))
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	n, ok := broker.AsNotifier(b)
	require.True(t, ok)
	for _, want := range []broker.NotificationKind{broker.NotifyFill, broker.NotifyStatus} {
		select {
		case got := <-n.Notifications():
			assert.Equal(t, want, got.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s notification", want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(&APIError{StatusCode: 503}))
	assert.True(t, retryable(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, retryable(&APIError{StatusCode: 400}))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(nil))
	assert.True(t, retryable(errors.New("connection reset")))
}

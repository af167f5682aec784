package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"brokerhub/internal/broker"
	"brokerhub/internal/config"
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

// fakeGateway is a scriptable gateway endpoint: it accepts the login
// handshake and answers each op with the scripted handler.
type fakeGateway struct {
	server      *httptest.Server
	connections atomic.Int32
	handle      func(op string, params json.RawMessage) frameResponse
}

func newFakeGateway(t *testing.T, handle func(op string, params json.RawMessage) frameResponse) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{handle: handle}
	fg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fg.connections.Add(1)

		// Login handshake.
		var login frame
		if err := ws.ReadJSON(&login); err != nil {
			return
		}
		if err := ws.WriteJSON(frameResponse{ID: login.ID, OK: true}); err != nil {
			return
		}

		for {
			var req frame
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			resp := fg.handle(req.Op, req.Params)
			resp.ID = req.ID
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(fg.server.URL, "http")
}

func newTestClient(t *testing.T, fg *fakeGateway) *Client {
	t.Helper()
	cfg := config.Gateway{
		URL:                   fg.wsURL(),
		Username:              "user",
		Password:              "pass",
		ConnectTimeoutSeconds: 5,
		RequestTimeoutSeconds: 5,
	}
	conn := NewConn(cfg, zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn, zap.NewNop())
}

func dataResponse(t *testing.T, v any) frameResponse {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return frameResponse{OK: true, Data: raw}
}

func TestFetchPositionsRoundTrip(t *testing.T) {
	fg := newFakeGateway(t, func(op string, _ json.RawMessage) frameResponse {
		if op != "positions" {
			return frameResponse{OK: false, Error: "unexpected op"}
		}
		return frameResponse{OK: true, Data: json.RawMessage(`[
			{"symbol":"ESZ5","qty":"2","avg_price":"5300.25","last_price":"5310.00","currency":"USD","account":"GW-1"},
			{"symbol":"EUR/USD","qty":"100000","avg_price":"1.0800","last_price":"1.0850","currency":"EUR","account":"GW-1"},
			{"symbol":"BROKEN","qty":"two","avg_price":"1","last_price":"1","currency":"USD","account":"GW-1"}
		]`)}
	})
	client := newTestClient(t, fg)

	positions, err := client.FetchPositions(context.Background(), provider.FetchParams{AccountID: "GW-1"})
	require.NoError(t, err)
	require.Len(t, positions, 2) // the malformed row is skipped

	assert.Equal(t, models.InstrumentFuture, positions[0].InstrumentType)
	assert.InDelta(t, 2*5310.0, positions[0].MarketValue, 1e-9)
	assert.Equal(t, models.InstrumentFX, positions[1].InstrumentType)
}

func TestLazyConnectAndReconnect(t *testing.T) {
	fg := newFakeGateway(t, func(op string, _ json.RawMessage) frameResponse {
		return frameResponse{OK: true, Data: json.RawMessage(`[]`)}
	})
	client := newTestClient(t, fg)

	// No session before the first call.
	assert.Equal(t, int32(0), fg.connections.Load())

	_, err := client.FetchTransactions(context.Background(), provider.FetchParams{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fg.connections.Load())

	// Second call reuses the session.
	_, err = client.FetchTransactions(context.Background(), provider.FetchParams{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fg.connections.Load())
}

func TestReconnectAfterDrop(t *testing.T) {
	dropNext := atomic.Bool{}
	fg := newFakeGateway(t, func(op string, _ json.RawMessage) frameResponse {
		return frameResponse{OK: true, Data: json.RawMessage(`[]`)}
	})

	// Wrap the handler so one response is withheld by closing the socket:
	// simulate a maintenance drop between calls.
	inner := fg.handle
	fg.handle = func(op string, params json.RawMessage) frameResponse {
		if dropNext.CompareAndSwap(true, false) {
			panic(http.ErrAbortHandler) // tears down this connection only
		}
		return inner(op, params)
	}

	client := newTestClient(t, fg)

	_, err := client.FetchTransactions(context.Background(), provider.FetchParams{})
	require.NoError(t, err)

	dropNext.Store(true)
	_, err = client.FetchTransactions(context.Background(), provider.FetchParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrConnectionFailure)

	// The next call dials a fresh session and succeeds.
	_, err = client.FetchTransactions(context.Background(), provider.FetchParams{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fg.connections.Load(), int32(2))
}

func TestPlaceOrderRejection(t *testing.T) {
	fg := newFakeGateway(t, func(op string, _ json.RawMessage) frameResponse {
		return frameResponse{OK: false, Error: "insufficient margin"}
	})
	client := newTestClient(t, fg)

	result, err := client.PlaceOrder(context.Background(), broker.OrderRequest{
		AccountID: "GW-1", Ticker: "ESZ5", Side: "BUY", Quantity: 1, OrderType: "market",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrRejected)
	require.NotNil(t, result)
	assert.Equal(t, models.OrderStatusRejected, result.Status)
	assert.Contains(t, result.Reason, "insufficient margin")
}

func TestPlaceOrderFill(t *testing.T) {
	fg := newFakeGateway(t, func(op string, _ json.RawMessage) frameResponse {
		return frameResponse{OK: true, Data: json.RawMessage(
			`{"order_id":"GW-42","status":"FILLED","filled_qty":1,"avg_price":5301.0,"commission":2.25}`)}
	})
	client := newTestClient(t, fg)

	result, err := client.PlaceOrder(context.Background(), broker.OrderRequest{
		AccountID: "GW-1", Ticker: "ESZ5", Side: "BUY", Quantity: 1, OrderType: "market",
	})
	require.NoError(t, err)
	assert.Equal(t, "GW-42", result.BrokerOrderID)
	assert.Equal(t, models.OrderStatusExecuted, result.Status)
	assert.Equal(t, 1.0, result.FilledQuantity)
}

func TestCanPriceOptOut(t *testing.T) {
	fg := newFakeGateway(t, func(string, json.RawMessage) frameResponse {
		return frameResponse{OK: true}
	})
	client := newTestClient(t, fg)

	assert.True(t, client.CanPrice(models.InstrumentFuture))
	assert.True(t, client.CanPrice(models.InstrumentFX))
	assert.False(t, client.CanPrice(models.InstrumentEquity))
	assert.False(t, client.CanPrice(models.InstrumentOption))
}

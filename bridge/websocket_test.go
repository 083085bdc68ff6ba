package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEA 模拟 EA 端桥接程序
type fakeEA struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    atomic.Int32
	authSeen atomic.Value

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeEA(t *testing.T) *fakeEA {
	ea := &fakeEA{}
	ea.server = httptest.NewServer(http.HandlerFunc(ea.handle))
	t.Cleanup(ea.server.Close)
	return ea
}

func (ea *fakeEA) url() string {
	return "ws" + strings.TrimPrefix(ea.server.URL, "http")
}

func (ea *fakeEA) handle(w http.ResponseWriter, r *http.Request) {
	ea.authSeen.Store(r.Header.Get("Authorization"))
	conn, err := ea.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ea.conns.Add(1)
	ea.mu.Lock()
	ea.conn = conn
	ea.mu.Unlock()
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := wsResponse{ID: req.ID, OK: true}
		switch req.Type {
		case "instruction":
			if req.Instruction.Symbol == "BAD" {
				resp = wsResponse{ID: req.ID, Rejected: true, Error: "invalid symbol"}
				break
			}
			resp.Ack = &Ack{Ticket: "T-" + req.Instruction.TradeID, Filled: true, Price: 1.2}
		case "quote":
			resp.Quote = &Quote{Symbol: req.Symbol, Bid: 1.1, Ask: 1.2}
		case "positions":
			resp.Positions = []Position{{Ticket: "T-1", TradeID: "t1", Symbol: "EURUSD", Filled: true}}
		case "deal":
			resp.Deal = &Deal{Ticket: req.Ticket, TradeID: "t1", Filled: true, ClosePrice: 1.195, RealizedProfit: -0.005}
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (ea *fakeEA) drop() {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	if ea.conn != nil {
		ea.conn.Close()
	}
}

func startBridge(t *testing.T, ea *fakeEA) *WebsocketBridge {
	t.Helper()
	b := NewWebsocketBridge(WebsocketConfig{URL: ea.url(), Token: "secret", ReconnectDelay: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	require.Eventually(t, b.Connected, 2*time.Second, 5*time.Millisecond)
	return b
}

func TestWebsocketDispatchAndQueries(t *testing.T) {
	ea := newFakeEA(t)
	b := startBridge(t, ea)
	ctx := context.Background()

	ack, err := b.Dispatch(ctx, Instruction{Kind: KindOpenOrder, Token: 42, Account: "main", TradeID: "t1", Symbol: "EURUSD", Side: "buy"})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ack.Token)
	assert.Equal(t, "T-t1", ack.Ticket)
	assert.Equal(t, "Bearer secret", ea.authSeen.Load())

	_, err = b.Dispatch(ctx, Instruction{Kind: KindOpenOrder, Token: 43, TradeID: "t2", Symbol: "BAD", Side: "buy"})
	assert.True(t, IsRejection(err))

	q, err := b.Quote(ctx, "EURUSD")
	require.NoError(t, err)
	assert.InDelta(t, 1.15, q.Mid(), 1e-9)

	positions, err := b.Positions(ctx, "main")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "t1", positions[0].TradeID)

	deal, err := b.ClosedDeal(ctx, "main", "T-1")
	require.NoError(t, err)
	assert.Equal(t, "T-1", deal.Ticket)
	assert.InDelta(t, -0.005, deal.RealizedProfit, 1e-12)
}

func TestWebsocketReconnects(t *testing.T) {
	ea := newFakeEA(t)
	b := startBridge(t, ea)

	ea.drop()
	require.Eventually(t, func() bool { return ea.conns.Load() >= 2 && b.Connected() }, 3*time.Second, 10*time.Millisecond)

	ack, err := b.Dispatch(context.Background(), Instruction{Kind: KindCancelOrder, Token: 7, TradeID: "t9", Ticket: "T-9"})
	require.NoError(t, err)
	assert.Equal(t, "T-t9", ack.Ticket)
}

func TestWebsocketNotConnected(t *testing.T) {
	b := NewWebsocketBridge(WebsocketConfig{URL: "ws://127.0.0.1:1/none"})
	_, err := b.Dispatch(context.Background(), Instruction{Kind: KindCancelOrder, Token: 1, TradeID: "t1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, IsRejection(err), "未连接可重试")
	require.NoError(t, b.Close())
}

func TestWebsocketStatusCallback(t *testing.T) {
	ea := newFakeEA(t)
	b := NewWebsocketBridge(WebsocketConfig{URL: ea.url(), Token: "secret", ReconnectDelay: 20 * time.Millisecond})

	var mu sync.Mutex
	var seen []bool
	b.OnStatus(func(connected bool) {
		mu.Lock()
		seen = append(seen, connected)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	require.Eventually(t, b.Connected, 2*time.Second, 5*time.Millisecond)

	ea.drop()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, seen[:3])
}

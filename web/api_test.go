package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcopier/bridge"
	"signalcopier/config"
	"signalcopier/database"
	"signalcopier/delivery"
	"signalcopier/engine"
	"signalcopier/event"
	qmi18n "signalcopier/i18n"
	"signalcopier/ledger"
	"signalcopier/registry"
	"signalcopier/safety"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := qmi18n.Init("en-US"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeOperator struct {
	confirmed []string
	discarded []string
	resets    []string
	resetErr  error
}

func (f *fakeOperator) Confirmations() []engine.Confirmation {
	return []engine.Confirmation{{ID: "cfm_1", CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}}
}

func (f *fakeOperator) Confirm(_ context.Context, id string) ([]uint64, error) {
	if id != "cfm_1" {
		return nil, fmt.Errorf("%w: %s", engine.ErrConfirmationNotFound, id)
	}
	f.confirmed = append(f.confirmed, id)
	return []uint64{7}, nil
}

func (f *fakeOperator) Discard(_ context.Context, id string) error {
	if id != "cfm_1" {
		return fmt.Errorf("%w: %s", engine.ErrConfirmationNotFound, id)
	}
	f.discarded = append(f.discarded, id)
	return nil
}

func (f *fakeOperator) ResetDelivery(_ context.Context, id string, resend bool) (*registry.Signal, []uint64, error) {
	if f.resetErr != nil {
		return nil, nil, f.resetErr
	}
	f.resets = append(f.resets, fmt.Sprintf("%s:%v", id, resend))
	return &registry.Signal{ID: id, Status: registry.StatusPending}, nil, nil
}

type fakeEvents struct{}

func (fakeEvents) GetEvents(_ context.Context, f *database.EventFilter) ([]*database.EventRecord, error) {
	if f.SignalID == "broken" {
		return nil, errors.New("db down")
	}
	return []*database.EventRecord{{ID: 1, Type: "delivery_failed", SignalID: f.SignalID}}, nil
}

func (fakeEvents) GetEventByID(_ context.Context, id int64) (*database.EventRecord, error) {
	if id != 1 {
		return nil, errors.New("record not found")
	}
	return &database.EventRecord{ID: 1, Type: "delivery_failed"}, nil
}

func (fakeEvents) GetEventStats(context.Context) (*database.EventStats, error) {
	return &database.EventStats{TotalCount: 1}, nil
}

type fixture struct {
	router *gin.Engine
	op     *fakeOperator
	sig    *registry.Signal
	queue  *delivery.Queue
	hub    *EventHub
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.New(nil, nil, 0)
	sig, err := reg.Register(ctx, registry.NewSignal{
		ChannelID:       "chan-1",
		Account:         "main",
		SourceMessageID: "m1",
		Symbol:          "EURUSD",
		Direction:       registry.Buy,
		Entry:           1.2,
		StopLoss:        1.195,
		Targets:         []float64{1.205},
	}, registry.DuplicatePolicy{})
	require.NoError(t, err)

	book := ledger.New(nil, nil, 0)
	plan, err := ledger.BuildSplitPlan(ledger.LegModeBridgeManaged, nil, 1)
	require.NoError(t, err)
	_, err = book.OpenFromSignal(ctx, sig, plan)
	require.NoError(t, err)

	q := delivery.NewQueue(delivery.Config{MaxAttempts: 1}, delivery.NopJournal{})
	_, err = q.Enqueue(ctx, bridge.Instruction{
		Kind: bridge.KindOpenOrder, Account: "main", SignalID: sig.ID, TradeID: "t1", Symbol: "EURUSD", Side: "buy",
	}, nil)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Channels = []config.ChannelConfig{{ID: "chan-1", Account: "main", Enabled: true}}
	breaker := safety.NewCircuitBreaker(func(string) config.RuleSet {
		return config.RuleSet{CircuitBreaker: config.CircuitBreakerRule{Enabled: true, MaxDailyLoss: 10}}
	})
	breaker.RecordPnL("main", -3)

	f := &fixture{op: &fakeOperator{}, sig: sig, queue: q, hub: NewEventHub()}
	SetProviders(Providers{
		Operator:   f.op,
		Signals:    reg,
		Trades:     book,
		Deliveries: q,
		Breakers:   breaker,
		Events:     fakeEvents{},
		Hub:        f.hub,
		Config:     func() *config.Config { return cfg },
	})
	t.Cleanup(func() { SetProviders(Providers{}) })

	f.router = gin.New()
	f.router.Use(I18nMiddleware())
	SetupRoutes(f.router, token)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	f := newFixture(t, "secret")

	w, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthReportsDegraded(t *testing.T) {
	f := newFixture(t, "")
	p := getProviders()
	p.Health = func(context.Context) error { return errors.New("database unreachable") }
	SetProviders(p)

	w, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, "secret")

	w, body := f.do(t, http.MethodGet, "/api/signals/"+f.sig.ID, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "errors.unauthorized", body["code"])
	assert.Equal(t, "Missing or invalid API token", body["error"])

	w, body = f.do(t, http.MethodGet, "/api/signals/"+f.sig.ID, map[string]string{"Accept-Language": "zh-CN,zh;q=0.9"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "缺少或无效的接口令牌", body["error"])

	w, _ = f.do(t, http.MethodGet, "/api/signals/"+f.sig.ID, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/signals/"+f.sig.ID, map[string]string{"X-API-Token": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetSignalWithTrades(t *testing.T) {
	f := newFixture(t, "")

	w, body := f.do(t, http.MethodGet, "/api/signals/"+f.sig.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sig := body["signal"].(map[string]interface{})
	assert.Equal(t, f.sig.ID, sig["id"])
	assert.Equal(t, "EURUSD", sig["symbol"])
	assert.Len(t, body["trades"], 1)

	w, body = f.do(t, http.MethodGet, "/api/signals/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "errors.not_found", body["code"])

	w, body = f.do(t, http.MethodGet, "/api/signals?channel_id=chan-1&open=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestResetDelivery(t *testing.T) {
	f := newFixture(t, "")

	w, body := f.do(t, http.MethodPost, "/api/signals/"+f.sig.ID+"/reset-delivery?resend=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{f.sig.ID + ":true"}, f.op.resets)
	assert.Equal(t, "pending", body["signal"].(map[string]interface{})["status"])

	f.op.resetErr = fmt.Errorf("%w: acknowledged -> pending", registry.ErrInvalidTransition)
	w, body = f.do(t, http.MethodPost, "/api/signals/"+f.sig.ID+"/reset-delivery", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "errors.invalid_state", body["code"])
	assert.Contains(t, body["detail"], "acknowledged")

	f.op.resetErr = fmt.Errorf("%w: nope", registry.ErrNotFound)
	w, _ = f.do(t, http.MethodPost, "/api/signals/nope/reset-delivery", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeliveries(t *testing.T) {
	f := newFixture(t, "")

	w, body := f.do(t, http.MethodGet, "/api/deliveries/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	en, ok := f.queue.Next()
	require.True(t, ok)
	_, _ = f.queue.Fail(en.Seq, en.Attempts, &bridge.Rejection{Reason: "market closed"})

	w, body = f.do(t, http.MethodGet, "/api/deliveries/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	entry := body["entries"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "failed", entry["status"])
	assert.Contains(t, entry["last_error"], "market closed")
}

func TestConfirmations(t *testing.T) {
	f := newFixture(t, "")

	w, body := f.do(t, http.MethodGet, "/api/confirmations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = f.do(t, http.MethodPost, "/api/confirmations/cfm_1/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{float64(7)}, body["enqueued"])
	assert.Equal(t, []string{"cfm_1"}, f.op.confirmed)

	w, _ = f.do(t, http.MethodPost, "/api/confirmations/cfm_1/discard", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"cfm_1"}, f.op.discarded)

	w, body = f.do(t, http.MethodPost, "/api/confirmations/cfm_9/confirm", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", body["error"])
}

func TestChannelsAndBreakers(t *testing.T) {
	f := newFixture(t, "")

	w, body := f.do(t, http.MethodGet, "/api/channels", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = f.do(t, http.MethodGet, "/api/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	states := body["breakers"].([]interface{})
	require.Len(t, states, 1)
	st := states[0].(map[string]interface{})
	assert.Equal(t, "main", st["account"])
	assert.InDelta(t, -3, st["realized_pnl"], 1e-9)
	assert.Equal(t, false, st["tripped"])
}

func TestEvents(t *testing.T) {
	f := newFixture(t, "")

	w, body := f.do(t, http.MethodGet, "/api/events?signal_id=sig_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = f.do(t, http.MethodGet, "/api/events?signal_id=broken", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/events/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/events/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/events/2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/events/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total_count"])
}

func TestMissingProvidersReturnUnavailable(t *testing.T) {
	f := newFixture(t, "")
	SetProviders(Providers{})

	w, body := f.do(t, http.MethodGet, "/api/deliveries/failed", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "errors.service_unavailable", body["code"])
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, "secret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.ProcessEvent(&event.Event{
		Type:     event.EventTypeDeliveryFailed,
		Severity: event.SeverityCritical,
		Title:    "Delivery failed",
		Data:     map[string]interface{}{"signal_id": "sig_1"},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "delivery_failed", msg["type"])
	assert.Equal(t, "critical", msg["severity"])
	assert.Equal(t, "sig_1", msg["data"].(map[string]interface{})["signal_id"])

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	assert.Error(t, err)
}

package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcopier/storage"
)

type fakeLogs struct {
	last storage.LogQueryParams
}

func (f *fakeLogs) GetLogs(params storage.LogQueryParams) ([]*storage.LogRecord, int, error) {
	f.last = params
	if params.Keyword == "broken" {
		return nil, 0, errors.New("db locked")
	}
	return []*storage.LogRecord{{ID: 3, Level: "WARN", Message: "bridge disconnected"}}, 1, nil
}

type fakeHistory struct{}

func (fakeHistory) History(_ context.Context, seq uint64) ([]storage.Transition, error) {
	if seq != 7 {
		return nil, nil
	}
	return []storage.Transition{
		{Seq: 7, Status: "pending", At: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{Seq: 7, Status: "acked", Attempts: 1, At: time.Date(2026, 3, 2, 9, 0, 1, 0, time.UTC)},
	}, nil
}

func TestGetLogs(t *testing.T) {
	f := newFixture(t, "")
	logs := &fakeLogs{}
	SetProviders(Providers{Logs: logs})

	w, body := f.do(t, http.MethodGet, "/api/logs?level=warn&component=engine&signal_id=sig_1&limit=5000&start_time=2026-03-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 1000, body["limit"])
	assert.Equal(t, "warn", logs.last.Level)
	assert.Equal(t, "engine", logs.last.Component)
	assert.Equal(t, "sig_1", logs.last.SignalID)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), logs.last.StartTime)
	assert.False(t, logs.last.EndTime.IsZero())

	w, body = f.do(t, http.MethodGet, "/api/logs?start_time=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "errors.invalid_time", body["code"])

	w, _ = f.do(t, http.MethodGet, "/api/logs?keyword=broken", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetLogsWithoutStorage(t *testing.T) {
	f := newFixture(t, "")
	SetProviders(Providers{})

	w, body := f.do(t, http.MethodGet, "/api/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["total"])
}

func TestDeliveryHistory(t *testing.T) {
	f := newFixture(t, "")
	SetProviders(Providers{History: fakeHistory{}})

	w, body := f.do(t, http.MethodGet, "/api/deliveries/7/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := body["history"].([]interface{})
	require.Len(t, history, 2)
	assert.Equal(t, "acked", history[1].(map[string]interface{})["status"])

	w, _ = f.do(t, http.MethodGet, "/api/deliveries/8/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/deliveries/abc/history", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "errors.invalid_seq", body["code"])
}

type fakeStreamer struct {
	ch          chan *storage.LogRecord
	subscribed  atomic.Bool
	unsubscribe atomic.Bool
}

func (f *fakeStreamer) Subscribe() chan *storage.LogRecord {
	f.subscribed.Store(true)
	return f.ch
}

func (f *fakeStreamer) Unsubscribe(chan *storage.LogRecord) {
	f.unsubscribe.Store(true)
}

func TestLogStream(t *testing.T) {
	f := newFixture(t, "")
	streamer := &fakeStreamer{ch: make(chan *storage.LogRecord, 1)}
	SetProviders(Providers{LogStream: streamer})

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/logs", nil)
	require.NoError(t, err)

	require.Eventually(t, streamer.subscribed.Load, time.Second, 5*time.Millisecond)
	streamer.ch <- &storage.LogRecord{ID: 9, Level: "ERROR", Message: "journal write failed"}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "log", msg["type"])
	assert.Equal(t, "journal write failed", msg["data"].(map[string]interface{})["message"])

	conn.Close()
	require.Eventually(t, streamer.unsubscribe.Load, time.Second, 5*time.Millisecond)
}

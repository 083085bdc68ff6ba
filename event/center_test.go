package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcopier/database"
	"signalcopier/i18n"
)

// mockStore 模拟数据库
type mockStore struct {
	mu      sync.Mutex
	events  []*database.EventRecord
	saveErr error
}

func (m *mockStore) SaveEvent(_ context.Context, event *database.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) CleanupOldEvents(context.Context, string, int, int) error { return nil }

func (m *mockStore) saved() []*database.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*database.EventRecord(nil), m.events...)
}

// mockNotifier 模拟通知服务
type mockNotifier struct {
	mu            sync.Mutex
	notifications []*Event
}

func (m *mockNotifier) ProcessEvent(event *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, event)
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

func startCenter(t *testing.T, store Store, notifier EventProcessor) *EventCenter {
	t.Helper()
	require.NoError(t, i18n.Init("en-US"))
	cfg := DefaultEventCenterConfig()
	ec := NewEventCenter(store, NewEventBus(100), notifier, cfg)
	require.NoError(t, ec.Start())
	return ec
}

func TestEventCenterPersistsAndNotifiesBySeverity(t *testing.T) {
	store := &mockStore{}
	notifier := &mockNotifier{}
	ec := startCenter(t, store, notifier)

	ec.PublishEvent(EventTypeSignalRegistered, map[string]interface{}{
		"signal_id": "sig_1", "channel_id": "chan-1", "symbol": "EURUSD", "direction": "buy",
	})
	ec.PublishEvent(EventTypeDeliveryFailed, map[string]interface{}{
		"signal_id": "sig_1", "kind": "open", "attempts": 5, "error": "timeout",
	})
	ec.Stop()

	saved := store.saved()
	require.Len(t, saved, 2)
	assert.Equal(t, "info", saved[0].Severity)
	assert.Equal(t, "registry", saved[0].Source)
	assert.Equal(t, "sig_1", saved[0].SignalID)
	assert.Equal(t, "EURUSD", saved[0].Symbol)
	assert.Equal(t, "Signal sig_1 from channel chan-1 registered: buy EURUSD", saved[0].Message)

	assert.Equal(t, "critical", saved[1].Severity)
	assert.Equal(t, "Delivery failed", saved[1].Title)
	assert.Contains(t, saved[1].Details, `"attempts":5`)

	// info 低于默认通知级别
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, EventTypeDeliveryFailed, notifier.notifications[0].Type)
	assert.Equal(t, SeverityCritical, notifier.notifications[0].Severity)
}

func TestEventCenterNotifiesWhenStoreFails(t *testing.T) {
	store := &mockStore{saveErr: errors.New("disk full")}
	notifier := &mockNotifier{}
	ec := startCenter(t, store, notifier)

	ec.PublishEvent(EventTypeCircuitBreakerTripped, map[string]interface{}{"account": "main", "reason": "loss"})
	assert.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 10*time.Millisecond)
	ec.Stop()
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSeverity
	}{
		{EventTypeDeliveryFailed, SeverityCritical},
		{EventTypeBridgeDisconnected, SeverityCritical},
		{EventTypeModificationUnmatched, SeverityWarning},
		{EventTypeSignalRegistered, SeverityInfo},
		{EventTypeClassificationAmbiguous, SeverityInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, GetEventSeverity(tt.eventType), tt.eventType)
	}
	assert.True(t, SeverityCritical.Rank() > SeverityWarning.Rank())
	assert.Equal(t, SeverityWarning, ParseSeverity("bogus"))
}

func TestEventSource(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSource
	}{
		{EventTypeSignalDuplicate, SourceRegistry},
		{EventTypeDeliveryFailed, SourceDelivery},
		{EventTypeTradeReconciled, SourceSafety},
		{EventTypeDeliveryOverride, SourceOperator},
		{EventTypeSystemStart, SourceSystem},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, GetEventSource(tt.eventType), tt.eventType)
	}
}

func TestEventTitleFallsBackToType(t *testing.T) {
	require.NoError(t, i18n.Init("zh-CN"))
	assert.Equal(t, "熔断解除", GetEventTitle(EventTypeCircuitBreakerReset))
	assert.Equal(t, "custom_event", GetEventTitle(EventType("custom_event")))
	assert.Equal(t, "boom", GetEventMessage(EventType("custom_event"), map[string]interface{}{"error": "boom"}))
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus(1)
	bus.Publish(&Event{Type: EventTypeSystemStart})
	bus.Publish(&Event{Type: EventTypeSystemStop})

	got := <-bus.Subscribe()
	assert.Equal(t, EventTypeSystemStart, got.Type)
	assert.False(t, got.Timestamp.IsZero())
	select {
	case <-bus.Subscribe():
		t.Fatal("second event should have been dropped")
	default:
	}
}

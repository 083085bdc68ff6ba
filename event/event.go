package event

import (
	"time"

	"signalcopier/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeSignalRegistered        EventType = "signal_registered"
	EventTypeSignalDuplicate         EventType = "signal_duplicate"
	EventTypeMessageReplayed         EventType = "message_replayed"
	EventTypeSignalSuperseded        EventType = "signal_superseded"
	EventTypeSignalFiltered          EventType = "signal_filtered"
	EventTypeClassificationAmbiguous EventType = "classification_ambiguous"
	EventTypeModificationUnmatched   EventType = "modification_unmatched"
	EventTypeAlreadyDelivered        EventType = "already_delivered"
	EventTypeInvalidTransition       EventType = "invalid_transition"
	EventTypeDeliveryFailed          EventType = "delivery_failed"
	EventTypeCompensationIssued      EventType = "compensation_issued"
	EventTypeConfirmationPending     EventType = "confirmation_pending"
	EventTypeConfirmationResolved    EventType = "confirmation_resolved"
	EventTypeDeliveryOverride        EventType = "delivery_override"
	EventTypeCircuitBreakerTripped   EventType = "circuit_breaker_tripped"
	EventTypeCircuitBreakerReset     EventType = "circuit_breaker_reset"
	EventTypeTradeReconciled         EventType = "trade_reconciled"
	EventTypeBridgeDisconnected      EventType = "bridge_disconnected"
	EventTypeBridgeReconnected       EventType = "bridge_reconnected"
	EventTypeSystemStart             EventType = "system_start"
	EventTypeSystemStop              EventType = "system_stop"
)

// Event 事件结构
// Severity/Title/Message 由事件中心在持久化时填充
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}

	Severity EventSeverity
	Title    string
	Message  string
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
	default:
		// 队列满时丢弃，不阻塞信号处理
		logger.Warn("⚠️ [event] 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}

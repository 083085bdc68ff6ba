package event

import (
	"signalcopier/i18n"
)

// EventSeverity 严重程度
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// Rank 用于比较严重程度
func (s EventSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// ParseSeverity 解析配置值，未知值视为 warning
func ParseSeverity(s string) EventSeverity {
	switch EventSeverity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return EventSeverity(s)
	}
	return SeverityWarning
}

// EventSource 事件来源
type EventSource string

const (
	SourceRegistry EventSource = "registry"
	SourceEngine   EventSource = "engine"
	SourceDelivery EventSource = "delivery"
	SourceSafety   EventSource = "safety"
	SourceBridge   EventSource = "bridge"
	SourceOperator EventSource = "operator"
	SourceSystem   EventSource = "system"
)

var severities = map[EventType]EventSeverity{
	EventTypeDeliveryFailed:        SeverityCritical,
	EventTypeCircuitBreakerTripped: SeverityCritical,
	EventTypeBridgeDisconnected:    SeverityCritical,

	EventTypeModificationUnmatched: SeverityWarning,
	EventTypeAlreadyDelivered:      SeverityWarning,
	EventTypeInvalidTransition:     SeverityWarning,
	EventTypeCompensationIssued:    SeverityWarning,
	EventTypeConfirmationPending:   SeverityWarning,
	EventTypeDeliveryOverride:      SeverityWarning,
	EventTypeTradeReconciled:       SeverityWarning,
	EventTypeSignalFiltered:        SeverityWarning,
}

var sources = map[EventType]EventSource{
	EventTypeSignalRegistered:        SourceRegistry,
	EventTypeSignalDuplicate:         SourceRegistry,
	EventTypeMessageReplayed:         SourceEngine,
	EventTypeSignalSuperseded:        SourceRegistry,
	EventTypeAlreadyDelivered:        SourceRegistry,
	EventTypeInvalidTransition:       SourceEngine,
	EventTypeSignalFiltered:          SourceSafety,
	EventTypeClassificationAmbiguous: SourceEngine,
	EventTypeModificationUnmatched:   SourceEngine,
	EventTypeConfirmationPending:     SourceEngine,
	EventTypeConfirmationResolved:    SourceOperator,
	EventTypeDeliveryOverride:        SourceOperator,
	EventTypeDeliveryFailed:          SourceDelivery,
	EventTypeCompensationIssued:      SourceDelivery,
	EventTypeCircuitBreakerTripped:   SourceSafety,
	EventTypeCircuitBreakerReset:     SourceSafety,
	EventTypeTradeReconciled:         SourceSafety,
	EventTypeBridgeDisconnected:      SourceBridge,
	EventTypeBridgeReconnected:       SourceBridge,
}

// GetEventSeverity 事件严重程度，未列出的为 info
func GetEventSeverity(t EventType) EventSeverity {
	if s, ok := severities[t]; ok {
		return s
	}
	return SeverityInfo
}

// GetEventSource 事件来源，未列出的为 system
func GetEventSource(t EventType) EventSource {
	if s, ok := sources[t]; ok {
		return s
	}
	return SourceSystem
}

// GetEventTitle 本地化标题
func GetEventTitle(t EventType) string {
	key := "event." + string(t) + ".title"
	if title := i18n.T(key); title != key {
		return title
	}
	return string(t)
}

// GetEventMessage 本地化正文，模板数据为事件 Data
func GetEventMessage(t EventType, data map[string]interface{}) string {
	key := "event." + string(t) + ".message"
	if msg := i18n.T(key, data); msg != key {
		return msg
	}
	if msg, ok := data["message"].(string); ok {
		return msg
	}
	if err, ok := data["error"].(string); ok {
		return err
	}
	return string(t)
}

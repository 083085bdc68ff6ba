package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"signalcopier/database"
	"signalcopier/logger"
)

// Store 事件持久化
type Store interface {
	SaveEvent(ctx context.Context, event *database.EventRecord) error
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error
}

// EventCenter 事件中心：持久化运维诊断事件并按严重程度通知
type EventCenter struct {
	db       Store
	eventBus *EventBus
	notifier EventProcessor
	config   *EventCenterConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	Enabled           bool
	MinNotifySeverity EventSeverity
	CleanupInterval   int // 小时
	Retention         RetentionConfig
}

// RetentionConfig 保留策略配置
type RetentionConfig struct {
	CriticalDays     int
	WarningDays      int
	InfoDays         int
	CriticalMaxCount int
	WarningMaxCount  int
	InfoMaxCount     int
}

// DefaultEventCenterConfig 默认配置
func DefaultEventCenterConfig() *EventCenterConfig {
	return &EventCenterConfig{
		Enabled:           true,
		MinNotifySeverity: SeverityWarning,
		CleanupInterval:   24,
		Retention: RetentionConfig{
			CriticalDays:     365,
			WarningDays:      90,
			InfoDays:         30,
			CriticalMaxCount: 100000,
			WarningMaxCount:  50000,
			InfoMaxCount:     20000,
		},
	}
}

// NewEventCenter 创建事件中心；notifier 可以为 nil
func NewEventCenter(db Store, eventBus *EventBus, notifier EventProcessor, config *EventCenterConfig) *EventCenter {
	if config == nil {
		config = DefaultEventCenterConfig()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 24
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventCenter{
		db:       db,
		eventBus: eventBus,
		notifier: notifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	if !ec.config.Enabled {
		logger.Info("⏸️ [event] 事件中心未启用")
		return nil
	}

	ec.wg.Add(2)
	go ec.processEvents()
	go ec.cleanupTask()

	logger.Info("✅ [event] 事件中心已启动")
	return nil
}

// Stop 停止事件中心，处理完已入队的事件后返回
func (ec *EventCenter) Stop() {
	ec.cancel()
	ec.wg.Wait()
	logger.Info("✅ [event] 事件中心已停止")
}

func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()
	for {
		select {
		case <-ec.ctx.Done():
			// 排空剩余事件
			for {
				select {
				case event, ok := <-eventCh:
					if !ok {
						return
					}
					ec.handleEvent(event)
				default:
					return
				}
			}
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

// handleEvent 持久化并按需通知
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	event.Severity = GetEventSeverity(event.Type)
	event.Title = GetEventTitle(event.Type)
	event.Message = GetEventMessage(event.Type, event.Data)

	detailsJSON, err := json.Marshal(event.Data)
	if err != nil {
		logger.Warn("⚠️ [event] 序列化事件详情失败: %v", err)
		detailsJSON = []byte("{}")
	}

	record := &database.EventRecord{
		Type:      string(event.Type),
		Severity:  string(event.Severity),
		Source:    string(GetEventSource(event.Type)),
		Account:   extractString(event.Data, "account"),
		ChannelID: extractString(event.Data, "channel_id"),
		SignalID:  extractString(event.Data, "signal_id"),
		Symbol:    extractString(event.Data, "symbol"),
		Title:     event.Title,
		Message:   event.Message,
		Details:   string(detailsJSON),
		CreatedAt: event.Timestamp,
	}

	if ec.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := ec.db.SaveEvent(ctx, record)
		cancel()
		if err != nil {
			// 保存失败仍然通知，避免丢失告警
			logger.Error("❌ [event] 保存事件失败: %v", err)
		}
	}

	if ec.notifier != nil && ec.shouldNotify(event.Severity) {
		ec.notifier.ProcessEvent(event)
	}
}

func extractString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		}
	}
	return ""
}

func (ec *EventCenter) shouldNotify(severity EventSeverity) bool {
	return severity.Rank() >= ec.config.MinNotifySeverity.Rank()
}

func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	// 首次等待1小时后再开始清理
	timer := time.NewTimer(1 * time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-timer.C:
			ec.performCleanup()
			timer.Reset(time.Duration(ec.config.CleanupInterval) * time.Hour)
		}
	}
}

func (ec *EventCenter) performCleanup() {
	if ec.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	r := ec.config.Retention
	for _, p := range []struct {
		severity EventSeverity
		count    int
		days     int
	}{
		{SeverityCritical, r.CriticalMaxCount, r.CriticalDays},
		{SeverityWarning, r.WarningMaxCount, r.WarningDays},
		{SeverityInfo, r.InfoMaxCount, r.InfoDays},
	} {
		if err := ec.db.CleanupOldEvents(ctx, string(p.severity), p.count, p.days); err != nil {
			logger.Error("❌ [event] 清理 %s 事件失败: %v", p.severity, err)
		}
	}
	logger.Info("🧹 [event] 旧事件清理完成")
}

// PublishEvent 发布事件（便捷方法）
func (ec *EventCenter) PublishEvent(eventType EventType, data map[string]interface{}) {
	ec.eventBus.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

package notify

import (
	"sync"

	"signalcopier/config"
	"signalcopier/event"
	"signalcopier/logger"
)

// Notifier 通知接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

// NotificationService 通知服务（实现 event.EventProcessor）
type NotificationService struct {
	notifiers []Notifier
	async     bool
	wg        sync.WaitGroup
}

// NewNotificationService 根据配置创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{async: true}
	if !cfg.Notifications.Enabled {
		return ns
	}

	tg := cfg.Notifications.Telegram
	if tg.Enabled && tg.BotToken != "" {
		telegramNotifier, err := NewTelegramNotifier(tg.BotToken, tg.ChatID, "")
		if err != nil {
			logger.Warn("⚠️ [notify] 初始化 Telegram 通知失败: %v", err)
		} else {
			ns.notifiers = append(ns.notifiers, telegramNotifier)
			logger.Info("✅ [notify] Telegram 通知已启用")
		}
	}

	wh := cfg.Notifications.Webhook
	if wh.Enabled && wh.URL != "" {
		webhookNotifier, err := NewWebhookNotifier(wh.URL, wh.Timeout)
		if err != nil {
			logger.Warn("⚠️ [notify] 初始化 Webhook 通知失败: %v", err)
		} else {
			ns.notifiers = append(ns.notifiers, webhookNotifier)
			logger.Info("✅ [notify] Webhook 通知已启用")
		}
	}

	return ns
}

// NewServiceWith 使用指定通知器创建同步发送的服务
func NewServiceWith(notifiers ...Notifier) *NotificationService {
	return &NotificationService{notifiers: notifiers}
}

// Len 已启用的通知器数量
func (ns *NotificationService) Len() int {
	return len(ns.notifiers)
}

// ProcessEvent 发送通知（严重程度由事件中心过滤）
func (ns *NotificationService) ProcessEvent(evt *event.Event) {
	if evt == nil || len(ns.notifiers) == 0 {
		return
	}
	if !ns.async {
		ns.fanOut(evt)
		return
	}
	// 异步发送，不阻塞事件处理
	ns.wg.Add(1)
	go func() {
		defer ns.wg.Done()
		ns.fanOut(evt)
	}()
}

// Wait 等待进行中的异步通知完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}

func (ns *NotificationService) fanOut(evt *event.Event) {
	var wg sync.WaitGroup
	for _, notifier := range ns.notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			if err := n.Send(evt); err != nil {
				logger.Warn("⚠️ [notify] [%s] 通知发送失败: %v", n.Name(), err)
			}
		}(notifier)
	}
	wg.Wait()
}

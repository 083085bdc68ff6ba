package engine

import (
	"context"
	"sync"

	"signalcopier/event"
	"signalcopier/logger"
	"signalcopier/metrics"
)

// 未配置持久化时内存中保留的已处理消息数，超过后清空
const maxProcessedMessages = 20000

// MessageLog 已处理频道消息的集合（消息源至少投递一次）
type MessageLog interface {
	// MarkMessageProcessed 首次记录返回 true
	MarkMessageProcessed(ctx context.Context, channelID, messageID string) (bool, error)
}

type memoryMessageLog struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemoryMessageLog() *memoryMessageLog {
	return &memoryMessageLog{seen: make(map[string]struct{})}
}

func (m *memoryMessageLog) MarkMessageProcessed(_ context.Context, channelID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := channelID + "|" + messageID
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	if len(m.seen) >= maxProcessedMessages {
		m.seen = make(map[string]struct{})
	}
	m.seen[key] = struct{}{}
	return true, nil
}

// firstDelivery 记录消息为已处理；重放返回 false
// 记录失败时照常处理，重复由注册表的来源消息索引兜底
func (e *Engine) firstDelivery(ctx context.Context, channelID string, msg Message) bool {
	if msg.MessageID == "" {
		return true
	}
	first, err := e.messages.MarkMessageProcessed(ctx, channelID, msg.MessageID)
	if err != nil {
		logger.Warn("⚠️ [engine] 记录消息 %s/%s 处理状态失败: %v", channelID, msg.MessageID, err)
		return true
	}
	return first
}

func (e *Engine) replayed(channelID string, msg Message, signalID string) Outcome {
	logger.Info("🔁 [engine] 频道 %s 消息 %s 重复送达，已忽略", channelID, msg.MessageID)
	metrics.GetPrometheusMetrics().RecordSignal(channelID, "replay")
	e.publish(event.EventTypeMessageReplayed, map[string]interface{}{
		"channel_id": channelID,
		"message_id": msg.MessageID,
		"signal_id":  signalID,
	})
	return Outcome{Kind: OutcomeReplay, SignalID: signalID}
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"signalcopier/bridge"
	"signalcopier/logger"
	"signalcopier/metrics"
)

// AckHandler 处理确认结果
// e.Status 为 acked 时应用 on-ack 操作；为 obsolete 时表示作废后才收到确认，需要补偿
type AckHandler func(ctx context.Context, e Entry)

// Consumer 队列消费者：单个调度循环，每次尝试一个 goroutine
type Consumer struct {
	queue       *Queue
	bridge      bridge.Bridge
	rateLimiter *rate.Limiter
	onAck       AckHandler
	wg          sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(q *Queue, b bridge.Bridge, onAck AckHandler) *Consumer {
	cfg := q.Config()
	return &Consumer{
		queue:       q,
		bridge:      b,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		onAck:       onAck,
	}
}

// Run 运行调度循环直到 ctx 结束，返回前等待所有进行中的尝试结束
func (c *Consumer) Run(ctx context.Context) {
	cfg := c.queue.Config()
	sweep := time.NewTicker(cfg.SweepInterval)
	defer sweep.Stop()
	defer c.wg.Wait()

	logger.Info("🚚 [delivery] 消费者已启动 (限速 %.1f/s, 突发 %d, 确认期限 %v)",
		cfg.RateLimit, cfg.Burst, cfg.AckTimeout)

	for {
		for {
			e, ok := c.queue.Next()
			if !ok {
				break
			}
			if err := c.rateLimiter.Wait(ctx); err != nil {
				// 退出时条目保持 inflight，重启后由日志恢复
				logger.Info("⏹️ [delivery] 消费者已停止")
				return
			}
			c.wg.Add(1)
			go c.attempt(ctx, e)
		}

		select {
		case <-ctx.Done():
			logger.Info("⏹️ [delivery] 消费者已停止")
			return
		case <-c.queue.Ready():
		case now := <-sweep.C:
			if n := c.queue.Expire(now); n > 0 {
				logger.Warn("⏱️ [delivery] %d 条指令确认超时", n)
			}
		}
	}
}

func (c *Consumer) attempt(ctx context.Context, e Entry) {
	defer c.wg.Done()
	pm := metrics.GetPrometheusMetrics()
	kind := string(e.Instruction.Kind)

	// 发送前最后一次检查是否已作废
	if c.queue.IsObsolete(e.Seq) {
		logger.Debug("[delivery] #%d 已作废，跳过发送", e.Seq)
		return
	}

	actx, cancel := context.WithTimeout(ctx, c.queue.Config().AckTimeout)
	start := time.Now()
	ack, err := c.bridge.Dispatch(actx, e.Instruction)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		result := "error"
		switch {
		case bridge.IsRejection(err):
			result = "rejected"
		case errors.Is(err, context.DeadlineExceeded):
			result = "timeout"
			err = fmt.Errorf("%w: %v", ErrDeliveryTimeout, err)
		}
		pm.RecordDeliveryAttempt(kind, result, elapsed)
		c.queue.Fail(e.Seq, e.Attempts, err)
		return
	}

	entry, err := c.queue.Ack(e.Seq, ack)
	switch {
	case err == nil:
		pm.RecordDeliveryAttempt(kind, "acked", elapsed)
		logger.Info("✅ [delivery] #%d %s %s 已确认 (ticket=%s, %v)",
			e.Seq, kind, e.Instruction.TradeID, ack.Ticket, elapsed.Round(time.Millisecond))
	case errors.Is(err, ErrObsolete):
		pm.RecordDeliveryAttempt(kind, "late_ack", elapsed)
		logger.Warn("⚠️ [delivery] #%d %s 作废后收到确认，需要补偿", e.Seq, kind)
	default:
		logger.Warn("⚠️ [delivery] #%d 确认未生效: %v", e.Seq, err)
		return
	}
	if c.onAck != nil {
		c.onAck(ctx, entry)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"signalcopier/classifier"
	"signalcopier/config"
	"signalcopier/database"
	"signalcopier/event"
	"signalcopier/logger"
	"signalcopier/registry"
	"signalcopier/resolver"
	"signalcopier/utils"
)

// ErrConfirmationNotFound 待确认修改不存在
var ErrConfirmationNotFound = errors.New("confirmation not found")

// ConfirmationStore 待确认修改的持久化
type ConfirmationStore interface {
	SaveConfirmation(ctx context.Context, c *database.ConfirmationRecord) error
	DeleteConfirmation(ctx context.Context, id string) error
	LoadConfirmations(ctx context.Context) ([]*database.ConfirmationRecord, error)
}

// Confirmation 等待运维确认的修改指令
type Confirmation struct {
	ID        string          `json:"id"`
	Intent    resolver.Intent `json:"intent"`
	CreatedAt time.Time       `json:"created_at"`
}

// needsConfirmation 频道关闭自动执行，或类别在确认列表中
func needsConfirmation(ch config.ChannelConfig, c classifier.Category) bool {
	if !ch.AutoApply {
		return true
	}
	for _, name := range ch.ConfirmCategories {
		if name == c.String() {
			return true
		}
	}
	return false
}

// park 暂存修改指令等待确认；持久化成功后才进入内存
func (e *Engine) park(ctx context.Context, in resolver.Intent) (*Confirmation, error) {
	c := &Confirmation{ID: utils.NewConfirmationID(), Intent: in, CreatedAt: e.now()}
	if e.store != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode confirmation: %w", err)
		}
		if err := e.store.SaveConfirmation(ctx, &database.ConfirmationRecord{
			ID:        c.ID,
			ChannelID: in.ChannelID,
			SignalID:  in.SignalID,
			Category:  in.Category.String(),
			Payload:   string(payload),
			CreatedAt: c.CreatedAt,
		}); err != nil {
			return nil, fmt.Errorf("save confirmation: %w", err)
		}
	}

	e.pendingMu.Lock()
	e.pending[c.ID] = c
	e.pendingMu.Unlock()

	logger.Info("⏸️ [engine] 频道 %s 的 %s 指令等待确认 (%s)", in.ChannelID, in.Category, c.ID)
	e.publish(event.EventTypeConfirmationPending, map[string]interface{}{
		"confirmation_id": c.ID,
		"channel_id":      in.ChannelID,
		"signal_id":       in.SignalID,
		"category":        in.Category.String(),
	})
	return c, nil
}

// LoadConfirmations 启动时恢复待确认修改
func (e *Engine) LoadConfirmations(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	records, err := e.store.LoadConfirmations(ctx)
	if err != nil {
		return fmt.Errorf("load confirmations: %w", err)
	}

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for _, r := range records {
		var in resolver.Intent
		if err := json.Unmarshal([]byte(r.Payload), &in); err != nil {
			logger.Warn("⚠️ [engine] 待确认修改 %s 无法解析，已跳过: %v", r.ID, err)
			continue
		}
		e.pending[r.ID] = &Confirmation{ID: r.ID, Intent: in, CreatedAt: r.CreatedAt}
	}
	logger.Info("📂 [engine] 已恢复 %d 条待确认修改", len(e.pending))
	return nil
}

// Confirmations 按创建时间列出待确认修改
func (e *Engine) Confirmations() []Confirmation {
	e.pendingMu.Lock()
	out := make([]Confirmation, 0, len(e.pending))
	for _, c := range e.pending {
		out = append(out, *c)
	}
	e.pendingMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *Engine) take(ctx context.Context, id, decision string) (*Confirmation, error) {
	e.pendingMu.Lock()
	c, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.pendingMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationNotFound, id)
	}

	if e.store != nil {
		if err := e.store.DeleteConfirmation(ctx, id); err != nil {
			logger.Warn("⚠️ [engine] 删除待确认修改 %s 失败: %v", id, err)
		}
	}
	e.publish(event.EventTypeConfirmationResolved, map[string]interface{}{
		"confirmation_id": id,
		"channel_id":      c.Intent.ChannelID,
		"signal_id":       c.Intent.SignalID,
		"category":        c.Intent.Category.String(),
		"decision":        decision,
	})
	return c, nil
}

// Confirm 运维确认并执行修改指令，返回入队的序号
func (e *Engine) Confirm(ctx context.Context, id string) ([]uint64, error) {
	c, err := e.take(ctx, id, "confirmed")
	if err != nil {
		return nil, err
	}
	in := c.Intent
	in.Origin = OriginOperator
	seqs, err := e.apply(ctx, in)
	if err != nil {
		e.unmatched(in, err.Error())
		return nil, err
	}
	logger.Info("▶️ [engine] 待确认修改 %s 已执行", id)
	return seqs, nil
}

// Discard 运维丢弃修改指令
func (e *Engine) Discard(ctx context.Context, id string) error {
	if _, err := e.take(ctx, id, "discarded"); err != nil {
		return err
	}
	logger.Info("🗑️ [engine] 待确认修改 %s 已丢弃", id)
	return nil
}

// ResetDelivery 运维覆盖：清除信号投递标记；resend 为 true 时重新建立交易并投递
func (e *Engine) ResetDelivery(ctx context.Context, signalID string, resend bool) (*registry.Signal, []uint64, error) {
	sig, err := e.registry.ResetDelivery(ctx, signalID)
	if err != nil {
		return nil, nil, err
	}
	logger.Warn("🔓 [engine] 信号 %s 投递标记已被运维重置", signalID)
	e.publish(event.EventTypeDeliveryOverride, map[string]interface{}{
		"signal_id":  sig.ID,
		"channel_id": sig.ChannelID,
		"account":    sig.Account,
		"symbol":     sig.Symbol,
		"resend":     resend,
	})
	if !resend {
		return sig, nil, nil
	}

	// 旧交易仍在执行中时不允许重发
	for _, t := range e.ledger.ForSignal(sig.ID) {
		if !t.Status.Terminal() {
			return sig, nil, fmt.Errorf("signal %s still has active trade %s", sig.ID, t.ID)
		}
	}

	plan, err := splitPlan(e.RulesFor(sig.Account), len(sig.Targets))
	if err != nil {
		return sig, nil, err
	}
	seqs, err := e.deliver(ctx, sig, plan)
	if err != nil {
		return sig, nil, err
	}
	updated, _ := e.registry.Get(sig.ID)
	return updated, seqs, nil
}

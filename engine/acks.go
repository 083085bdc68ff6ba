package engine

import (
	"context"
	"errors"
	"time"

	"signalcopier/bridge"
	"signalcopier/delivery"
	"signalcopier/event"
	"signalcopier/ledger"
	"signalcopier/logger"
	"signalcopier/registry"
	"signalcopier/resolver"
	"signalcopier/safety"
)

// HandleAck 执行端确认回调（delivery.AckHandler）
// 作废后才收到的确认触发补偿指令
func (e *Engine) HandleAck(ctx context.Context, en delivery.Entry) {
	if en.Ack == nil {
		return
	}
	if en.Status == delivery.StatusObsolete {
		e.compensate(ctx, en)
		return
	}

	if en.Instruction.Kind == bridge.KindOpenOrder {
		e.onOpenAck(ctx, en)
		return
	}

	for _, op := range en.OnAck {
		if err := e.applyOp(ctx, op, *en.Ack); err != nil {
			if !e.diagnose(err, en.Instruction.SignalID, op.TradeID) {
				logger.Error("❌ [engine] #%d 确认后更新账本失败: %v", en.Seq, err)
			}
		}
	}
}

func (e *Engine) onOpenAck(ctx context.Context, en delivery.Entry) {
	ack := *en.Ack
	id := en.Instruction.TradeID

	var (
		t   *ledger.Trade
		err error
	)
	if ack.Filled {
		t, err = e.ledger.ApplyFill(ctx, id, ack.Ticket, ack.Price)
	} else {
		t, err = e.ledger.AssignTicket(ctx, id, ack.Ticket)
	}
	if err != nil {
		// 交易在开仓指令发出后被本地取消
		if cur, ok := e.ledger.Get(id); ok && cur.Status == ledger.StatusCancelled {
			e.compensate(ctx, en)
			return
		}
		if !e.diagnose(err, en.Instruction.SignalID, id) {
			logger.Error("❌ [engine] 交易 %s 开仓确认回写失败: %v", id, err)
		}
		return
	}

	if sig, ok := e.registry.Get(en.Instruction.SignalID); ok && sig.Status == registry.StatusSent {
		if _, err := e.registry.Acknowledge(ctx, sig.ID); err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
			logger.Error("❌ [engine] 信号 %s 确认失败: %v", sig.ID, err)
		}
	}
	e.resync(ctx, en.Instruction, t)
}

// resync 开仓指令发出后本地修改过的止损、止盈在拿到 ticket 后补发
func (e *Engine) resync(ctx context.Context, sent bridge.Instruction, t *ledger.Trade) {
	if t.Ticket == "" || t.Status.Terminal() {
		return
	}

	if t.StopLoss > 0 && t.StopLoss != sent.StopLoss {
		in := tradeInstruction(bridge.KindModifyStop, t)
		in.Price = t.StopLoss
		e.enqueueResync(ctx, in, resolver.Op{Kind: resolver.OpMoveStop, TradeID: t.ID, Price: t.StopLoss})
	}
	for i, tg := range t.Targets {
		if tg.Price <= 0 || tg.Hit || (i < len(sent.Targets) && sent.Targets[i] == tg.Price) {
			continue
		}
		in := tradeInstruction(bridge.KindModifyTarget, t)
		in.TargetIndex, in.Price = tg.Index, tg.Price
		e.enqueueResync(ctx, in, resolver.Op{Kind: resolver.OpSetTarget, TradeID: t.ID, Index: tg.Index, Price: tg.Price})
	}
}

func (e *Engine) enqueueResync(ctx context.Context, in bridge.Instruction, op resolver.Op) {
	if _, err := e.queue.Enqueue(ctx, in, []resolver.Op{op}); err != nil {
		logger.Error("❌ [engine] 交易 %s 补发 %s 失败: %v", in.TradeID, in.Kind, err)
		return
	}
	logger.Info("🔁 [engine] 交易 %s 成交后补发 %s %.5f", in.TradeID, in.Kind, in.Price)
}

// compensate 已作废的开仓指令被执行端接受：挂单撤销，已成交则全部平仓
func (e *Engine) compensate(ctx context.Context, en delivery.Entry) {
	ack := *en.Ack
	if en.Instruction.Kind != bridge.KindOpenOrder || ack.Ticket == "" {
		logger.Warn("⚠️ [engine] #%d %s 作废后确认，无需补偿", en.Seq, en.Instruction.Kind)
		return
	}

	in := bridge.Instruction{
		Account:  en.Instruction.Account,
		SignalID: en.Instruction.SignalID,
		TradeID:  en.Instruction.TradeID,
		Ticket:   ack.Ticket,
		Symbol:   en.Instruction.Symbol,
		Side:     en.Instruction.Side,
	}
	if ack.Filled {
		in.Kind = bridge.KindCloseFraction
		in.Fraction = 1
	} else {
		in.Kind = bridge.KindCancelOrder
	}

	entry, err := e.queue.Enqueue(ctx, in, nil)
	if err != nil {
		logger.Error("❌ [engine] 交易 %s 补偿指令入队失败: %v", in.TradeID, err)
		return
	}
	logger.Warn("🩹 [engine] #%d 作废后被接受，已下发补偿 %s (#%d)", en.Seq, in.Kind, entry.Seq)
	e.publish(event.EventTypeCompensationIssued, map[string]interface{}{
		"signal_id": in.SignalID,
		"trade_id":  in.TradeID,
		"account":   in.Account,
		"kind":      string(in.Kind),
		"seq":       en.Seq,
	})
}

// handleFailed 投递失败（每个条目只回调一次）
// 开仓失败的交易取消；信号下的交易全部结束且仍为 sent 时标记为 rejected
func (e *Engine) handleFailed(en delivery.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := en.Instruction
	if in.Kind == bridge.KindOpenOrder {
		if t, ok := e.ledger.Get(in.TradeID); ok && t.Status == ledger.StatusPending {
			if _, err := e.ledger.Cancel(ctx, t.ID); err != nil {
				logger.Warn("⚠️ [engine] 取消失败交易 %s 出错: %v", t.ID, err)
			}
		}
		if sig, ok := e.registry.Get(in.SignalID); ok && sig.Status == registry.StatusSent && e.ledger.AllTerminal(sig.ID) {
			if _, err := e.registry.Reject(ctx, sig.ID, en.LastError); err != nil {
				logger.Warn("⚠️ [engine] 信号 %s 标记拒绝失败: %v", sig.ID, err)
			}
		}
	}

	e.publish(event.EventTypeDeliveryFailed, map[string]interface{}{
		"signal_id": in.SignalID,
		"trade_id":  in.TradeID,
		"account":   in.Account,
		"symbol":    in.Symbol,
		"kind":      string(in.Kind),
		"seq":       en.Seq,
		"attempts":  en.Attempts,
		"error":     en.LastError,
	})
}

// HandleRepair 对账修复回调：平台侧已实现的盈亏计入熔断器，交易全部结束的信号结算
func (e *Engine) HandleRepair(ctx context.Context, rec safety.RepairRecord) {
	if rec.Profit != 0 && e.breaker != nil {
		e.breaker.RecordPnL(rec.Account, rec.Profit)
	}
	switch rec.Type {
	case safety.RepairClosed, safety.RepairCancelled:
		e.SettleIfDone(ctx, rec.SignalID)
	}
}

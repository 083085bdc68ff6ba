// Package engine 信号生命周期引擎
// 新信号：提取 -> 注册 -> 建立交易 -> 标记投递 -> 入队；
// 修改指令：分类 -> 定位信号 -> 解析 -> 本地账本操作 + 入队；
// 执行端确认后回写账本与注册表。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"signalcopier/bridge"
	"signalcopier/classifier"
	"signalcopier/config"
	"signalcopier/delivery"
	"signalcopier/event"
	"signalcopier/ledger"
	"signalcopier/logger"
	"signalcopier/metrics"
	"signalcopier/registry"
	"signalcopier/resolver"
	"signalcopier/safety"
	"signalcopier/utils"
)

// 修改指令来源
const (
	OriginMessage   = "message"
	OriginScheduler = "scheduler"
	OriginOperator  = "operator"
)

// 回复链缓存上限，超过后清空
const maxReplyLinks = 5000

// Publisher 事件发布
type Publisher interface {
	PublishEvent(eventType event.EventType, data map[string]interface{})
}

// Deps 引擎依赖；Breaker、Window、Events、Confirmations、Messages 可为空
type Deps struct {
	Registry      *registry.Registry
	Ledger        *ledger.Ledger
	Queue         *delivery.Queue
	Breaker       *safety.CircuitBreaker
	Window        *safety.TradingWindow
	Extractor     Extractor
	Events        Publisher
	Confirmations ConfirmationStore
	Messages      MessageLog
}

// OutcomeKind 消息处理结果类型
type OutcomeKind string

const (
	OutcomeIgnored      OutcomeKind = "ignored"
	OutcomeSignal       OutcomeKind = "signal"
	OutcomeDuplicate    OutcomeKind = "duplicate"
	OutcomeFiltered     OutcomeKind = "filtered"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeModification OutcomeKind = "modification"
	OutcomeReplay       OutcomeKind = "replay"
)

// Outcome 消息处理结果
type Outcome struct {
	Kind          OutcomeKind         `json:"kind"`
	SignalID      string              `json:"signal_id,omitempty"`
	Intents       []classifier.Intent `json:"intents,omitempty"`
	Enqueued      []uint64            `json:"enqueued,omitempty"`
	Unmatched     int                 `json:"unmatched,omitempty"`
	Invalid       int                 `json:"invalid,omitempty"`
	Confirmations []string            `json:"confirmations,omitempty"`
}

// Engine 信号生命周期引擎
type Engine struct {
	registry  *registry.Registry
	ledger    *ledger.Ledger
	queue     *delivery.Queue
	breaker   *safety.CircuitBreaker
	window    *safety.TradingWindow
	extractor Extractor
	events    Publisher
	store     ConfirmationStore
	messages  MessageLog

	mu         sync.RWMutex
	cfg        *config.Config
	taxonomies map[string]*classifier.Taxonomy

	linkMu  sync.Mutex
	replies map[string]string // 频道|消息ID -> 信号ID（修改指令消息）

	pendingMu sync.Mutex
	pending   map[string]*Confirmation

	now func() time.Time
}

// New 创建引擎并注册投递失败回调
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Ledger == nil || deps.Queue == nil {
		return nil, errors.New("engine requires registry, ledger and queue")
	}
	if deps.Extractor == nil {
		deps.Extractor = LineExtractor{}
	}
	if deps.Messages == nil {
		deps.Messages = newMemoryMessageLog()
	}
	e := &Engine{
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		queue:     deps.Queue,
		breaker:   deps.Breaker,
		window:    deps.Window,
		extractor: deps.Extractor,
		events:    deps.Events,
		store:     deps.Confirmations,
		messages:  deps.Messages,
		replies:   make(map[string]string),
		pending:   make(map[string]*Confirmation),
		now:       utils.NowUTC,
	}
	if err := e.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	e.queue.OnFailed(e.handleFailed)
	return e, nil
}

// UpdateConfig 重新编译频道关键词表（热更新）；编译失败时保留旧配置
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	taxonomies := make(map[string]*classifier.Taxonomy, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		tx, err := classifier.Compile(classifier.Policy{
			ChannelID:         ch.ID,
			Enabled:           ch.Enabled,
			DetectRepliesOnly: ch.DetectRepliesOnly,
			Keywords:          ch.Keywords,
		})
		if err != nil {
			return fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		taxonomies[ch.ID] = tx
	}

	e.mu.Lock()
	e.cfg = cfg
	e.taxonomies = taxonomies
	e.mu.Unlock()
	logger.Info("🔑 [engine] 已加载 %d 个频道关键词表", len(taxonomies))
	return nil
}

// RulesFor 账户当前生效的规则集
func (e *Engine) RulesFor(account string) config.RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.RulesFor(account)
}

func (e *Engine) channel(id string) (config.ChannelConfig, *classifier.Taxonomy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ch, ok := e.cfg.Channel(id)
	if !ok {
		return ch, nil, false
	}
	return ch, e.taxonomies[id], true
}

// Run 消费消息直到 ctx 结束或通道关闭
func (e *Engine) Run(ctx context.Context, messages <-chan Message) {
	logger.Info("📡 [engine] 开始处理频道消息")
	for {
		select {
		case <-ctx.Done():
			logger.Info("⏹️ [engine] 消息处理已停止")
			return
		case msg, ok := <-messages:
			if !ok {
				logger.Info("⏹️ [engine] 消息源已关闭")
				return
			}
			if _, err := e.HandleMessage(ctx, msg); err != nil {
				logger.Error("❌ [engine] 处理消息 %s/%s 失败: %v", msg.ChannelID, msg.MessageID, err)
			}
		}
	}
}

// HandleMessage 处理一条频道消息
// 可本地恢复的错误（重复信号、无法匹配的修改）只记录，不返回
// 同一（频道, 消息ID）只生效一次
func (e *Engine) HandleMessage(ctx context.Context, msg Message) (Outcome, error) {
	ch, tx, ok := e.channel(msg.ChannelID)
	if !ok || !ch.Enabled {
		logger.Debug("[engine] 忽略未启用频道 %s 的消息 %s", msg.ChannelID, msg.MessageID)
		return Outcome{Kind: OutcomeIgnored}, nil
	}

	if ex, ok := e.extractor.Extract(msg.Text); ok {
		if msg.MessageID != "" {
			if sig, seen := e.registry.FindBySourceMessage(ch.ID, msg.MessageID); seen {
				return e.replayed(ch.ID, msg, sig.ID), nil
			}
		}
		if !e.firstDelivery(ctx, ch.ID, msg) {
			return e.replayed(ch.ID, msg, ""), nil
		}
		return e.handleSignal(ctx, ch, msg, ex)
	}

	res := tx.Classify(msg.Text, msg.ReplyTo != "")
	if res.Empty() {
		return Outcome{Kind: OutcomeIgnored}, nil
	}
	if !e.firstDelivery(ctx, ch.ID, msg) {
		return e.replayed(ch.ID, msg, ""), nil
	}
	if err := res.Err(); err != nil {
		logger.Info("🔀 [engine] 频道 %s 消息 %s 按优先级处理: %v", ch.ID, msg.MessageID, err)
		metrics.GetPrometheusMetrics().RecordAmbiguous(ch.ID)
		e.publish(event.EventTypeClassificationAmbiguous, map[string]interface{}{
			"channel_id": ch.ID,
			"message_id": msg.MessageID,
			"dropped":    categoryNames(res.Ambiguous),
		})
	}
	return e.handleModification(ctx, ch, msg, res.Intents)
}

func (e *Engine) handleSignal(ctx context.Context, ch config.ChannelConfig, msg Message, ex Extraction) (Outcome, error) {
	pm := metrics.GetPrometheusMetrics()
	account := ch.Account
	rules := e.RulesFor(account)

	at := msg.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	if e.window != nil && !e.window.Allow(account, at) {
		e.filtered(ch, ex, "outside trading window")
		return Outcome{Kind: OutcomeFiltered}, nil
	}
	if e.breaker != nil {
		if ok, reason := e.breaker.Allow(account); !ok {
			e.filtered(ch, ex, reason)
			return Outcome{Kind: OutcomeFiltered}, nil
		}
	}

	plan, err := splitPlan(rules, len(ex.Targets))
	if err != nil {
		return Outcome{}, err
	}

	pip := resolver.PipSize(ex.Symbol, rules.PipSizes)
	sig, err := e.registry.Register(ctx, registry.NewSignal{
		ChannelID:       ch.ID,
		Account:         account,
		SourceMessageID: msg.MessageID,
		Symbol:          ex.Symbol,
		Direction:       ex.Direction,
		Entry:           ex.Entry,
		StopLoss:        ex.StopLoss,
		Targets:         ex.Targets,
	}, registry.DuplicatePolicy{
		Enabled:   ch.DuplicateSuppression,
		Tolerance: resolver.PipsToPrice(ch.DuplicateTolerancePips, pip),
	})
	if errors.Is(err, registry.ErrDuplicateSignal) {
		logger.Warn("♻️ [engine] 频道 %s 重复信号已丢弃: %v", ch.ID, err)
		pm.RecordSignal(ch.ID, "duplicate")
		e.publish(event.EventTypeSignalDuplicate, map[string]interface{}{
			"channel_id": ch.ID,
			"symbol":     ex.Symbol,
			"signal_id":  duplicateOf(err),
			"message_id": msg.MessageID,
		})
		return Outcome{Kind: OutcomeDuplicate}, nil
	}
	if err != nil {
		pm.RecordSignal(ch.ID, "error")
		return Outcome{}, err
	}

	e.supersedeEarlier(ctx, sig)

	seqs, err := e.deliver(ctx, sig, plan)
	if err != nil {
		if e.diagnose(err, sig.ID, "") {
			pm.RecordSignal(ch.ID, "rejected")
			return Outcome{Kind: OutcomeRejected, SignalID: sig.ID}, nil
		}
		pm.RecordSignal(ch.ID, "error")
		return Outcome{SignalID: sig.ID}, err
	}

	pm.RecordSignal(ch.ID, "registered")
	e.publish(event.EventTypeSignalRegistered, map[string]interface{}{
		"signal_id":  sig.ID,
		"channel_id": ch.ID,
		"account":    account,
		"symbol":     sig.Symbol,
		"direction":  string(sig.Direction),
		"trades":     len(seqs),
	})
	return Outcome{Kind: OutcomeSignal, SignalID: sig.ID, Enqueued: seqs}, nil
}

// splitPlan 按账户规则集生成拆单计划
func splitPlan(rules config.RuleSet, targetCount int) (ledger.SplitPlan, error) {
	mode, err := ledger.ParseLegMode(rules.LegMode())
	if err != nil {
		return ledger.SplitPlan{}, err
	}
	var percents []float64
	if rules.MultiTP.Enabled {
		percents = rules.MultiTP.Splits
	}
	plan, err := ledger.BuildSplitPlan(mode, percents, targetCount)
	if err != nil {
		return plan, fmt.Errorf("split plan: %w", err)
	}
	return plan, nil
}

// deliver 建立交易、标记投递并把开仓指令入队
// MarkSent 是唯一设置投递标记的地方，失败时已建立的交易全部取消
func (e *Engine) deliver(ctx context.Context, sig *registry.Signal, plan ledger.SplitPlan) ([]uint64, error) {
	trades, err := e.ledger.OpenFromSignal(ctx, sig, plan)
	if err != nil {
		if _, serr := e.registry.Supersede(ctx, sig.ID, "open trades failed"); serr != nil {
			logger.Warn("⚠️ [engine] 信号 %s 作废失败: %v", sig.ID, serr)
		}
		return nil, err
	}

	if _, err := e.registry.MarkSent(ctx, sig.ID); err != nil {
		e.cancelTrades(ctx, trades)
		return nil, err
	}

	seqs := make([]uint64, 0, len(trades))
	var enqueueErr error
	for _, t := range trades {
		entry, err := e.queue.Enqueue(ctx, openInstruction(t), nil)
		if err != nil {
			logger.Error("❌ [engine] 交易 %s 开仓指令入队失败: %v", t.ID, err)
			e.cancelTrades(ctx, []*ledger.Trade{t})
			enqueueErr = err
			continue
		}
		seqs = append(seqs, entry.Seq)
	}
	if len(seqs) == 0 && enqueueErr != nil {
		if _, err := e.registry.Reject(ctx, sig.ID, "enqueue failed: "+enqueueErr.Error()); err != nil {
			logger.Warn("⚠️ [engine] 信号 %s 标记拒绝失败: %v", sig.ID, err)
		}
		return nil, enqueueErr
	}
	return seqs, nil
}

// supersedeEarlier 同频道同品种、尚未拿到平台订单的旧信号被新信号作废
func (e *Engine) supersedeEarlier(ctx context.Context, sig *registry.Signal) {
	for _, old := range e.registry.List(registry.Filter{ChannelID: sig.ChannelID, Symbol: sig.Symbol}) {
		if old.ID == sig.ID || (old.Status != registry.StatusPending && old.Status != registry.StatusSent) {
			continue
		}
		trades := e.ledger.ForSignal(old.ID)
		if hasPlatformOrder(trades) {
			continue
		}
		if _, err := e.registry.Supersede(ctx, old.ID, "superseded by "+sig.ID); err != nil {
			logger.Warn("⚠️ [engine] 作废信号 %s 失败: %v", old.ID, err)
			continue
		}

		oldID := old.ID
		e.queue.MarkObsoleteWhere(func(en delivery.Entry) bool {
			return en.Instruction.Kind == bridge.KindOpenOrder && en.Instruction.SignalID == oldID
		})
		e.cancelTrades(ctx, trades)

		logger.Info("⏭️ [engine] 信号 %s 被 %s 取代", old.ID, sig.ID)
		e.publish(event.EventTypeSignalSuperseded, map[string]interface{}{
			"signal_id":     old.ID,
			"superseded_by": sig.ID,
			"channel_id":    sig.ChannelID,
			"symbol":        sig.Symbol,
		})
	}
}

func hasPlatformOrder(trades []*ledger.Trade) bool {
	for _, t := range trades {
		if t.Ticket != "" {
			return true
		}
	}
	return false
}

func (e *Engine) cancelTrades(ctx context.Context, trades []*ledger.Trade) {
	for _, t := range trades {
		if t.Status != ledger.StatusPending {
			continue
		}
		if _, err := e.ledger.Cancel(ctx, t.ID); err != nil {
			logger.Warn("⚠️ [engine] 取消交易 %s 失败: %v", t.ID, err)
		}
	}
}

func (e *Engine) handleModification(ctx context.Context, ch config.ChannelConfig, msg Message, intents []classifier.Intent) (Outcome, error) {
	pm := metrics.GetPrometheusMetrics()
	out := Outcome{Kind: OutcomeModification, Intents: intents}
	sig, found := e.resolveSignal(ch.ID, msg)
	if found {
		out.SignalID = sig.ID
		e.linkReply(ch.ID, msg.MessageID, sig.ID)
	}

	for _, ci := range intents {
		in := resolver.Intent{
			Intent:    ci,
			ChannelID: ch.ID,
			MessageID: msg.MessageID,
			Origin:    OriginMessage,
		}
		if found {
			in.SignalID = sig.ID
		}
		if !found && ci.Category != classifier.DeleteAll {
			out.Unmatched++
			e.unmatched(in, "no open signal")
			continue
		}

		if needsConfirmation(ch, ci.Category) {
			c, err := e.park(ctx, in)
			if err != nil {
				return out, err
			}
			pm.RecordIntent(ch.ID, ci.Category.String(), "parked")
			out.Confirmations = append(out.Confirmations, c.ID)
			continue
		}

		seqs, err := e.apply(ctx, in)
		switch {
		case err == nil:
			pm.RecordIntent(ch.ID, ci.Category.String(), "applied")
			out.Enqueued = append(out.Enqueued, seqs...)
		case errors.Is(err, resolver.ErrUnresolvableModification):
			out.Unmatched++
			e.unmatched(in, err.Error())
		case e.diagnose(err, in.SignalID, in.TradeID):
			pm.RecordIntent(ch.ID, ci.Category.String(), "invalid")
			out.Invalid++
		default:
			pm.RecordIntent(ch.ID, ci.Category.String(), "error")
			return out, err
		}
	}
	return out, nil
}

// resolveSignal 回复消息沿回复链定位信号；非回复消息取频道最近的未完结信号
func (e *Engine) resolveSignal(channelID string, msg Message) (*registry.Signal, bool) {
	if msg.ReplyTo == "" {
		return e.registry.LatestOpen(channelID)
	}
	if sig, ok := e.registry.FindBySourceMessage(channelID, msg.ReplyTo); ok {
		return sig, true
	}
	e.linkMu.Lock()
	id, ok := e.replies[channelID+"|"+msg.ReplyTo]
	e.linkMu.Unlock()
	if !ok {
		return nil, false
	}
	return e.registry.Get(id)
}

func (e *Engine) linkReply(channelID, messageID, signalID string) {
	if messageID == "" {
		return
	}
	e.linkMu.Lock()
	if len(e.replies) >= maxReplyLinks {
		e.replies = make(map[string]string)
	}
	e.replies[channelID+"|"+messageID] = signalID
	e.linkMu.Unlock()
}

// ApplyIntent 执行一条已定位的修改指令（调度器、运维确认）
func (e *Engine) ApplyIntent(ctx context.Context, in resolver.Intent) error {
	_, err := e.apply(ctx, in)
	result := "applied"
	switch {
	case errors.Is(err, resolver.ErrUnresolvableModification):
		result = "unmatched"
	case errors.Is(err, registry.ErrInvalidTransition):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	metrics.GetPrometheusMetrics().RecordIntent(in.ChannelID, in.Category.String(), result)
	return err
}

// apply 解析修改指令，立即执行本地操作并把执行指令入队
func (e *Engine) apply(ctx context.Context, in resolver.Intent) ([]uint64, error) {
	var trades []*ledger.Trade
	if in.Category == classifier.DeleteAll {
		trades = e.ledger.ForChannel(in.ChannelID)
	} else {
		trades = e.ledger.ForSignal(in.SignalID)
	}

	ch, _, _ := e.channel(in.ChannelID)
	account := ch.Account
	if len(trades) > 0 {
		account = trades[0].Account
	}
	rules := e.RulesFor(account)

	plan, err := resolver.Resolve(in, trades, resolver.Options{
		BreakevenOffsetPips:      rules.Breakeven.OffsetPips,
		DeleteAllIncludesPartial: ch.DeleteAllIncludesPartial,
		PipSizes:                 rules.PipSizes,
	})
	if err != nil {
		return nil, err
	}
	for _, s := range plan.Skipped {
		logger.Debug("[engine] %s 跳过 %s", in.Category, s)
	}

	for _, op := range plan.Local {
		if err := e.applyOp(ctx, op, bridge.Ack{}); err != nil {
			if !e.diagnose(err, in.SignalID, op.TradeID) {
				return nil, err
			}
		}
	}

	seqs := make([]uint64, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		entry, err := e.queue.Enqueue(ctx, a.Instruction, a.OnAck)
		if err != nil {
			return seqs, fmt.Errorf("enqueue %s for %s: %w", a.Instruction.Kind, a.Instruction.TradeID, err)
		}
		seqs = append(seqs, entry.Seq)
	}

	logger.Info("🛠️ [engine] %s (%s) 作用于 %s: 本地 %d 项, 下发 %d 条",
		in.Category, in.Origin, target(in), len(plan.Local), len(seqs))
	return seqs, nil
}

func target(in resolver.Intent) string {
	switch {
	case in.TradeID != "":
		return in.TradeID
	case in.SignalID != "":
		return in.SignalID
	}
	return "channel " + in.ChannelID
}

// applyOp 执行一项账本操作；ack 为执行端回报（本地操作时为零值）
func (e *Engine) applyOp(ctx context.Context, op resolver.Op, ack bridge.Ack) error {
	var (
		t   *ledger.Trade
		err error
	)
	switch op.Kind {
	case resolver.OpCancel:
		t, err = e.ledger.Cancel(ctx, op.TradeID)
	case resolver.OpMoveStop:
		t, err = e.ledger.MoveStop(ctx, op.TradeID, op.Price)
	case resolver.OpSetTarget:
		t, err = e.ledger.SetTarget(ctx, op.TradeID, op.Index, op.Price)
	case resolver.OpMarkTargetHit:
		t, err = e.ledger.MarkTargetHit(ctx, op.TradeID, op.Index)
	case resolver.OpEnableTrailing:
		t, err = e.ledger.EnableTrailing(ctx, op.TradeID)
	case resolver.OpClose:
		t, err = e.ledger.ApplyClose(ctx, op.TradeID, ledger.Close{Fraction: op.Fraction, Price: ack.Price, Profit: ack.Profit})
		if err == nil && e.breaker != nil {
			e.breaker.RecordPnL(t.Account, ack.Profit)
		}
	case resolver.OpObsoleteOpen:
		id := op.TradeID
		e.queue.MarkObsoleteWhere(func(en delivery.Entry) bool {
			return en.Instruction.Kind == bridge.KindOpenOrder && en.Instruction.TradeID == id
		})
		return nil
	default:
		return fmt.Errorf("unknown ledger op %q", op.Kind)
	}
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		e.SettleIfDone(ctx, t.SignalID)
	}
	return nil
}

// SettleIfDone 信号的交易全部结束后不再参与重复检测和修改匹配
// 已确认的信号标记结算；尚未确认的信号（交易全部被撤销）作废
func (e *Engine) SettleIfDone(ctx context.Context, signalID string) {
	sig, ok := e.registry.Get(signalID)
	if !ok || sig.Settled || !e.ledger.AllTerminal(signalID) {
		return
	}
	var err error
	switch sig.Status {
	case registry.StatusAcknowledged:
		_, err = e.registry.Settle(ctx, signalID)
	case registry.StatusPending, registry.StatusSent:
		_, err = e.registry.Supersede(ctx, signalID, "all trades cancelled")
	default:
		return
	}
	if err != nil {
		logger.Warn("⚠️ [engine] 信号 %s 结算失败: %v", signalID, err)
		return
	}
	logger.Info("🏁 [engine] 信号 %s 的交易已全部结束", signalID)
}

func (e *Engine) filtered(ch config.ChannelConfig, ex Extraction, reason string) {
	logger.Warn("🚫 [engine] 频道 %s 的 %s 信号未执行: %s", ch.ID, ex.Symbol, reason)
	metrics.GetPrometheusMetrics().RecordSignal(ch.ID, "filtered")
	e.publish(event.EventTypeSignalFiltered, map[string]interface{}{
		"channel_id": ch.ID,
		"account":    ch.Account,
		"symbol":     ex.Symbol,
		"reason":     reason,
	})
}

func (e *Engine) unmatched(in resolver.Intent, reason string) {
	logger.Warn("❓ [engine] 频道 %s 的 %s 指令无法匹配: %s", in.ChannelID, in.Category, reason)
	metrics.GetPrometheusMetrics().RecordIntent(in.ChannelID, in.Category.String(), "unmatched")
	e.publish(event.EventTypeModificationUnmatched, map[string]interface{}{
		"channel_id": in.ChannelID,
		"signal_id":  in.SignalID,
		"message_id": in.MessageID,
		"category":   in.Category.String(),
		"reason":     reason,
	})
}

// diagnose 逻辑或时序错误：发布运维诊断事件，操作视为空操作；返回是否已处理
func (e *Engine) diagnose(err error, signalID, tradeID string) bool {
	switch {
	case errors.Is(err, registry.ErrAlreadyDelivered):
		logger.Error("❌ [engine] 信号 %s 重复投递被拦截: %v", signalID, err)
		e.publish(event.EventTypeAlreadyDelivered, map[string]interface{}{
			"signal_id": signalID,
			"error":     err.Error(),
		})
		return true
	case errors.Is(err, registry.ErrInvalidTransition):
		logger.Error("❌ [engine] 非法状态迁移: %v", err)
		e.publish(event.EventTypeInvalidTransition, map[string]interface{}{
			"signal_id": signalID,
			"trade_id":  tradeID,
			"error":     err.Error(),
		})
		return true
	}
	return false
}

func (e *Engine) publish(t event.EventType, data map[string]interface{}) {
	if e.events != nil {
		e.events.PublishEvent(t, data)
	}
}

func categoryNames(cs []classifier.Category) string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}

// duplicateOf 从 ErrDuplicateSignal 的错误信息中取出已有信号ID
func duplicateOf(err error) string {
	_, id, ok := strings.Cut(err.Error(), "matches ")
	if !ok {
		return ""
	}
	return id
}

func tradeInstruction(kind bridge.Kind, t *ledger.Trade) bridge.Instruction {
	return bridge.Instruction{
		Kind:     kind,
		Account:  t.Account,
		SignalID: t.SignalID,
		TradeID:  t.ID,
		Ticket:   t.Ticket,
		Symbol:   t.Symbol,
		Side:     string(t.Direction),
	}
}

func openInstruction(t *ledger.Trade) bridge.Instruction {
	in := tradeInstruction(bridge.KindOpenOrder, t)
	in.Entry = t.Entry
	in.StopLoss = t.StopLoss
	in.Fraction = t.Fraction
	for _, tg := range t.Targets {
		in.Targets = append(in.Targets, tg.Price)
	}
	return in
}

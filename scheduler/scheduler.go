// Package scheduler 周期评估持仓交易的自动管理规则（保本、移动止损、熔断跨日）。
// 触发的规则以修改指令的形式交给引擎，经解析器生成执行指令。
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"signalcopier/bridge"
	"signalcopier/classifier"
	"signalcopier/config"
	"signalcopier/ledger"
	"signalcopier/logger"
	"signalcopier/metrics"
	"signalcopier/registry"
	"signalcopier/resolver"
)

// IntentSink 接收调度器产生的修改指令
type IntentSink interface {
	ApplyIntent(ctx context.Context, in resolver.Intent) error
}

// Quoter 报价来源
type Quoter interface {
	Quote(ctx context.Context, symbol string) (bridge.Quote, error)
}

// Book 调度器使用的账本操作
type Book interface {
	OpenSnapshot() []*ledger.Trade
	MarkBreakevenApplied(ctx context.Context, id string) (bool, error)
	RatchetTrail(ctx context.Context, id string, level, step float64) (bool, error)
}

// SignalLookup 查询信号（用于取信号的止盈序列）
type SignalLookup interface {
	Get(id string) (*registry.Signal, bool)
}

// Rollover 跨交易日检查（熔断器）
type Rollover interface {
	Rollover()
}

// Scheduler 自动管理调度器
type Scheduler struct {
	book     Book
	signals  SignalLookup
	quotes   Quoter
	sink     IntentSink
	rules    func(account string) config.RuleSet
	breaker  Rollover
	interval time.Duration
}

// New 创建调度器
func New(book Book, signals SignalLookup, quotes Quoter, sink IntentSink, rules func(string) config.RuleSet, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		book:     book,
		signals:  signals,
		quotes:   quotes,
		sink:     sink,
		rules:    rules,
		interval: interval,
	}
}

// SetRollover 设置每次评估时执行的跨日检查
func (s *Scheduler) SetRollover(r Rollover) {
	s.breaker = r
}

// Start 启动调度协程
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("⏹️ [scheduler] 调度器已停止")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	logger.Info("✅ [scheduler] 调度器已启动 (间隔: %v)", s.interval)
}

// Tick 对当前快照评估一次规则，返回触发的规则数
func (s *Scheduler) Tick(ctx context.Context) int {
	if s.breaker != nil {
		s.breaker.Rollover()
	}

	snapshot := s.book.OpenSnapshot()
	pm := metrics.GetPrometheusMetrics()
	pm.SetOpenTrades(len(snapshot))

	quotes := make(map[string]bridge.Quote)
	failed := make(map[string]bool)
	fired := 0

	for _, t := range snapshot {
		if !t.Status.Live() || t.Ticket == "" {
			continue
		}
		if ctx.Err() != nil {
			return fired
		}

		q, ok := quotes[t.Symbol]
		if !ok {
			if failed[t.Symbol] {
				continue
			}
			var err error
			q, err = s.quotes.Quote(ctx, t.Symbol)
			if err != nil {
				failed[t.Symbol] = true
				logger.Warn("⚠️ [scheduler] 获取 %s 报价失败: %v", t.Symbol, err)
				continue
			}
			quotes[t.Symbol] = q
		}

		rules := s.rules(t.Account)
		if s.breakeven(ctx, t, q, rules) {
			fired++
			pm.RecordRuleFired("breakeven")
		}
		if s.trailing(ctx, t, q, rules) {
			fired++
			pm.RecordRuleFired("trailing")
		}
	}
	return fired
}

// exitPrice 平仓方向的价格：多头看 bid，空头看 ask
func exitPrice(t *ledger.Trade, q bridge.Quote) float64 {
	if t.Direction == registry.Sell {
		return q.Ask
	}
	return q.Bid
}

// triggerPrice 第 k 个止盈价：优先使用交易自身（可能被修改过），否则取信号
func (s *Scheduler) triggerPrice(t *ledger.Trade, k int) (float64, bool) {
	if tg, ok := t.Target(k); ok && tg.Price > 0 {
		return tg.Price, true
	}
	if s.signals == nil {
		return 0, false
	}
	sig, ok := s.signals.Get(t.SignalID)
	if !ok || k > len(sig.Targets) || sig.Targets[k-1] <= 0 {
		return 0, false
	}
	return sig.Targets[k-1], true
}

func (s *Scheduler) breakeven(ctx context.Context, t *ledger.Trade, q bridge.Quote, rules config.RuleSet) bool {
	rule := rules.Breakeven
	if !rule.Enabled || t.BreakevenApplied {
		return false
	}
	k := rule.TriggerTarget
	if k < 1 {
		k = 1
	}
	trigger, ok := s.triggerPrice(t, k)
	if !ok {
		return false
	}
	price := exitPrice(t, q)
	if (price-trigger)*t.Direction.Sign() < 0 {
		return false
	}

	// 先设置标记再下发，保证只触发一次
	marked, err := s.book.MarkBreakevenApplied(ctx, t.ID)
	if err != nil {
		logger.Warn("⚠️ [scheduler] 交易 %s 设置保本标记失败: %v", t.ID, err)
		return false
	}
	if !marked {
		return false
	}

	logger.Info("🛡️ [scheduler] 交易 %s 到达 TP%d (%.5f)，止损移至保本", t.ID, k, trigger)
	return s.emit(ctx, t, classifier.Intent{Category: classifier.MoveSLBreakeven})
}

func (s *Scheduler) trailing(ctx context.Context, t *ledger.Trade, q bridge.Quote, rules config.RuleSet) bool {
	rule := rules.Trailing
	if !rule.Enabled && !t.TrailingEnabled {
		return false
	}
	if rule.DistancePips <= 0 || t.Entry <= 0 {
		return false
	}

	pip := decimal.NewFromFloat(resolver.PipSize(t.Symbol, rules.PipSizes))
	price := decimal.NewFromFloat(exitPrice(t, q))
	entry := decimal.NewFromFloat(t.Entry)
	sign := decimal.NewFromInt(int64(t.Direction.Sign()))

	profit := price.Sub(entry).Mul(sign)
	if profit.LessThan(decimal.NewFromFloat(rule.ActivationPips).Mul(pip)) {
		return false
	}

	candidate := price.Sub(decimal.NewFromFloat(rule.DistancePips).Mul(pip).Mul(sign))
	step := decimal.NewFromFloat(rule.StepPips).Mul(pip)
	level := candidate.InexactFloat64()

	ratcheted, err := s.book.RatchetTrail(ctx, t.ID, level, step.InexactFloat64())
	if err != nil {
		logger.Warn("⚠️ [scheduler] 交易 %s 移动止损记录失败: %v", t.ID, err)
		return false
	}
	if !ratcheted {
		return false
	}

	logger.Info("📐 [scheduler] 交易 %s 移动止损至 %.5f (价格 %.5f)", t.ID, level, price.InexactFloat64())
	return s.emit(ctx, t, classifier.Intent{Category: classifier.SetSL, Param: level, HasParam: true})
}

func (s *Scheduler) emit(ctx context.Context, t *ledger.Trade, ci classifier.Intent) bool {
	in := resolver.Intent{
		Intent:    ci,
		ChannelID: t.ChannelID,
		SignalID:  t.SignalID,
		TradeID:   t.ID,
		Origin:    "scheduler",
	}
	if err := s.sink.ApplyIntent(ctx, in); err != nil {
		if errors.Is(err, resolver.ErrUnresolvableModification) {
			logger.Debug("[scheduler] 交易 %s 的 %s 无需执行: %v", t.ID, ci.Category, err)
			return false
		}
		logger.Warn("⚠️ [scheduler] 交易 %s 的 %s 下发失败: %v", t.ID, ci.Category, err)
		return false
	}
	return true
}

package safety

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signalcopier/config"
	"signalcopier/logger"
	"signalcopier/metrics"
	"signalcopier/utils"
)

// RulesProvider 返回账户当前生效的规则集（支持热更新）
type RulesProvider func(account string) config.RuleSet

// BreakerState 账户当日熔断状态
type BreakerState struct {
	Account     string    `json:"account"`
	TradingDay  time.Time `json:"trading_day"`
	RealizedPnL float64   `json:"realized_pnl"`
	Tripped     bool      `json:"tripped"`
	Reason      string    `json:"reason,omitempty"`
	ResumeAt    time.Time `json:"resume_at,omitempty"`
}

// BreakerStore 熔断状态持久化（重启后恢复当日累计盈亏和熔断）
type BreakerStore interface {
	SaveBreakerState(ctx context.Context, st BreakerState) error
	LoadBreakerStates(ctx context.Context) ([]BreakerState, error)
}

type dayState struct {
	day     time.Time
	pnl     float64
	tripped bool
	reason  string
}

// CircuitBreaker 按账户、按交易日统计已实现盈亏的熔断器
// 熔断期间拒绝新信号，已有持仓不受影响，下一个交易日自动恢复
type CircuitBreaker struct {
	mu      sync.Mutex
	rules   RulesProvider
	days    map[string]*dayState
	now     func() time.Time
	onTrip  func(BreakerState)
	onReset func(BreakerState)

	store  BreakerStore
	saveMu sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(rules RulesProvider) *CircuitBreaker {
	return &CircuitBreaker{
		rules: rules,
		days:  make(map[string]*dayState),
		now:   utils.NowUTC,
	}
}

// SetStore 设置状态持久化
func (cb *CircuitBreaker) SetStore(store BreakerStore) {
	cb.mu.Lock()
	cb.store = store
	cb.mu.Unlock()
}

// Restore 恢复当前交易日的状态，过期的记录忽略
func (cb *CircuitBreaker) Restore(ctx context.Context) error {
	cb.mu.Lock()
	store := cb.store
	cb.mu.Unlock()
	if store == nil {
		return nil
	}
	states, err := store.LoadBreakerStates(ctx)
	if err != nil {
		return fmt.Errorf("load breaker states: %w", err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	today := utils.TradingDay(cb.now())
	restored := 0
	for _, st := range states {
		if st.Account == "" || !st.TradingDay.Equal(today) {
			continue
		}
		cb.days[st.Account] = &dayState{day: today, pnl: st.RealizedPnL, tripped: st.Tripped, reason: st.Reason}
		metrics.GetPrometheusMetrics().SetDailyPnL(st.Account, st.RealizedPnL)
		metrics.GetPrometheusMetrics().SetCircuitBreaker(st.Account, st.Tripped)
		if st.Tripped {
			logger.Warn("🚨 [safety] 账户 %s 当日已熔断（重启恢复）: %s", st.Account, st.Reason)
		}
		restored++
	}
	logger.Info("📂 [safety] 已恢复 %d 个账户的当日熔断状态", restored)
	return nil
}

// persist 写入账户最新状态；串行执行保证最后写入的是最新快照
func (cb *CircuitBreaker) persist(account string) {
	cb.mu.Lock()
	store := cb.store
	cb.mu.Unlock()
	if store == nil {
		return
	}

	cb.saveMu.Lock()
	defer cb.saveMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveBreakerState(ctx, cb.Status(account)); err != nil {
		logger.Warn("⚠️ [safety] 保存账户 %s 熔断状态失败: %v", account, err)
	}
}

// OnTrip 注册熔断回调（锁外执行）
func (cb *CircuitBreaker) OnTrip(fn func(BreakerState)) {
	cb.mu.Lock()
	cb.onTrip = fn
	cb.mu.Unlock()
}

// OnReset 注册恢复回调（锁外执行）
func (cb *CircuitBreaker) OnReset(fn func(BreakerState)) {
	cb.mu.Lock()
	cb.onReset = fn
	cb.mu.Unlock()
}

// state 返回当前交易日的状态，跨日时重置；第二个返回值为被重置的旧状态
func (cb *CircuitBreaker) state(account string, now time.Time) (*dayState, *BreakerState) {
	today := utils.TradingDay(now)
	s, ok := cb.days[account]
	if !ok {
		s = &dayState{day: today}
		cb.days[account] = s
		return s, nil
	}
	if s.day.Equal(today) {
		return s, nil
	}
	var reset *BreakerState
	if s.tripped {
		r := cb.snapshot(account, s)
		reset = &r
	}
	*s = dayState{day: today}
	metrics.GetPrometheusMetrics().SetCircuitBreaker(account, false)
	metrics.GetPrometheusMetrics().SetDailyPnL(account, 0)
	return s, reset
}

func (cb *CircuitBreaker) snapshot(account string, s *dayState) BreakerState {
	st := BreakerState{
		Account:     account,
		TradingDay:  s.day,
		RealizedPnL: s.pnl,
		Tripped:     s.tripped,
		Reason:      s.reason,
	}
	if s.tripped {
		st.ResumeAt = s.day.AddDate(0, 0, 1)
	}
	return st
}

// RecordPnL 累计已实现盈亏，达到阈值时熔断；返回本次是否触发熔断
func (cb *CircuitBreaker) RecordPnL(account string, profit float64) bool {
	cb.mu.Lock()
	s, reset := cb.state(account, cb.now())
	s.pnl += profit
	metrics.GetPrometheusMetrics().SetDailyPnL(account, s.pnl)

	var tripped *BreakerState
	rule := cb.rules(account).CircuitBreaker
	if rule.Enabled && !s.tripped {
		switch {
		case rule.MaxDailyLoss > 0 && -s.pnl >= rule.MaxDailyLoss:
			s.reason = fmt.Sprintf("daily loss %.2f reached limit %.2f", -s.pnl, rule.MaxDailyLoss)
		case rule.MaxDailyProfit > 0 && s.pnl >= rule.MaxDailyProfit:
			s.reason = fmt.Sprintf("daily profit %.2f reached target %.2f", s.pnl, rule.MaxDailyProfit)
		}
		if s.reason != "" {
			s.tripped = true
			st := cb.snapshot(account, s)
			tripped = &st
			metrics.GetPrometheusMetrics().SetCircuitBreaker(account, true)
		}
	}
	onTrip, onReset := cb.onTrip, cb.onReset
	cb.mu.Unlock()

	cb.persist(account)
	if reset != nil {
		cb.notifyReset(onReset, *reset)
	}
	if tripped != nil {
		logger.Warn("🚨 [safety] 账户 %s 触发熔断: %s，暂停接收新信号至 %s",
			account, tripped.Reason, utils.ToConfiguredTimezone(tripped.ResumeAt).Format("2006-01-02 15:04"))
		if onTrip != nil {
			onTrip(*tripped)
		}
		return true
	}
	return false
}

// Allow 账户当前是否允许开新仓
func (cb *CircuitBreaker) Allow(account string) (bool, string) {
	cb.mu.Lock()
	s, reset := cb.state(account, cb.now())
	allowed, reason := !s.tripped, s.reason
	onReset := cb.onReset
	cb.mu.Unlock()

	if reset != nil {
		cb.notifyReset(onReset, *reset)
	}
	return allowed, reason
}

// Rollover 检查所有账户是否跨日（由调度器周期调用）
func (cb *CircuitBreaker) Rollover() {
	cb.mu.Lock()
	now := cb.now()
	var resets []BreakerState
	for account := range cb.days {
		if _, reset := cb.state(account, now); reset != nil {
			resets = append(resets, *reset)
		}
	}
	onReset := cb.onReset
	cb.mu.Unlock()

	sort.Slice(resets, func(i, j int) bool { return resets[i].Account < resets[j].Account })
	for _, r := range resets {
		cb.notifyReset(onReset, r)
	}
}

func (cb *CircuitBreaker) notifyReset(fn func(BreakerState), st BreakerState) {
	logger.Info("✅ [safety] 账户 %s 新交易日，熔断解除", st.Account)
	if fn != nil {
		fn(st)
	}
}

// Status 账户当日状态
func (cb *CircuitBreaker) Status(account string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s, ok := cb.days[account]
	if !ok || !s.day.Equal(utils.TradingDay(cb.now())) {
		return BreakerState{Account: account, TradingDay: utils.TradingDay(cb.now())}
	}
	return cb.snapshot(account, s)
}

// States 全部账户的当日状态
func (cb *CircuitBreaker) States() []BreakerState {
	cb.mu.Lock()
	accounts := make([]string, 0, len(cb.days))
	for a := range cb.days {
		accounts = append(accounts, a)
	}
	cb.mu.Unlock()

	sort.Strings(accounts)
	out := make([]BreakerState, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, cb.Status(a))
	}
	return out
}

package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signalcopier/lock"
	"signalcopier/logger"
	"signalcopier/registry"
	"signalcopier/utils"
)

// Store 交易持久化接口（写穿）
type Store interface {
	SaveTrades(ctx context.Context, trades []*Trade) error // 同一事务内写入
	LoadTrades(ctx context.Context) ([]*Trade, error)
}

// Ledger 交易账本
// 单笔交易的变更在 trade:<id> 锁内完成，持久化成功后才更新内存
type Ledger struct {
	mu     sync.RWMutex
	trades map[string]*Trade

	store   Store
	locker  lock.DistributedLock
	lockTTL time.Duration
	now     func() time.Time
}

// New 创建账本；store 为 nil 时仅保存在内存
func New(store Store, locker lock.DistributedLock, lockTTL time.Duration) *Ledger {
	if locker == nil {
		locker = lock.NewLocalLock()
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &Ledger{
		trades:  make(map[string]*Trade),
		store:   store,
		locker:  locker,
		lockTTL: lockTTL,
		now:     utils.NowUTC,
	}
}

// Load 启动时从存储恢复
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	list, err := l.store.LoadTrades(ctx)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	l.mu.Lock()
	for _, t := range list {
		l.trades[t.ID] = t.Clone()
	}
	l.mu.Unlock()
	logger.Info("📂 [ledger] 已恢复 %d 笔交易", len(list))
	return nil
}

func (l *Ledger) persist(ctx context.Context, trades ...*Trade) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveTrades(ctx, trades); err != nil {
		return fmt.Errorf("persist trades: %w", err)
	}
	return nil
}

func (l *Ledger) commit(trades ...*Trade) {
	l.mu.Lock()
	for _, t := range trades {
		l.trades[t.ID] = t
	}
	l.mu.Unlock()
}

// OpenFromSignal 根据拆单计划为信号建立交易
// split 模式每条腿一笔交易，只携带自己的止盈；bridge_managed 模式一笔交易携带完整止盈序列
func (l *Ledger) OpenFromSignal(ctx context.Context, sig *registry.Signal, plan SplitPlan) ([]*Trade, error) {
	if len(plan.Legs) == 0 {
		return nil, fmt.Errorf("signal %s: empty split plan", sig.ID)
	}
	total := 0.0
	for _, leg := range plan.Legs {
		total += leg.Fraction
	}
	if total < 1-Epsilon || total > 1+Epsilon {
		return nil, fmt.Errorf("signal %s: leg fractions sum to %v", sig.ID, total)
	}

	now := l.now()
	trades := make([]*Trade, 0, len(plan.Legs))
	for i, leg := range plan.Legs {
		t := &Trade{
			ID:        utils.NewTradeID(sig.ID, i+1),
			SignalID:  sig.ID,
			ChannelID: sig.ChannelID,
			Account:   sig.Account,
			Symbol:    sig.Symbol,
			Direction: sig.Direction,
			Entry:     sig.Entry,
			Mode:      plan.Mode,
			Leg:       i + 1,
			Fraction:  leg.Fraction,
			Status:    StatusPending,
			StopLoss:  sig.StopLoss,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if leg.TargetIndex > 0 {
			if leg.TargetIndex > len(sig.Targets) {
				return nil, fmt.Errorf("signal %s: leg %d references missing target %d", sig.ID, i+1, leg.TargetIndex)
			}
			t.Targets = []Target{{Index: leg.TargetIndex, Price: sig.Targets[leg.TargetIndex-1], Fraction: 1}}
		} else {
			for j, price := range sig.Targets {
				tg := Target{Index: j + 1, Price: price}
				if j < len(plan.TargetFractions) {
					tg.Fraction = plan.TargetFractions[j]
				}
				t.Targets = append(t.Targets, tg)
			}
		}
		trades = append(trades, t)
	}

	if err := l.persist(ctx, trades...); err != nil {
		return nil, err
	}
	l.commit(trades...)

	out := make([]*Trade, len(trades))
	for i, t := range trades {
		out[i] = t.Clone()
	}
	logger.Info("📒 [ledger] 信号 %s 建立 %d 笔交易 (%s)", sig.ID, len(trades), plan.Mode)
	return out, nil
}

// mutate 在交易锁内读取、修改、持久化、提交
// fn 返回 false 表示无需变更（幂等重放）
func (l *Ledger) mutate(ctx context.Context, id string, fn func(t *Trade) (bool, error)) (*Trade, bool, error) {
	var out *Trade
	var changed bool
	err := lock.WithLock(ctx, l.locker, "trade:"+id, l.lockTTL, func() error {
		l.mu.RLock()
		cur, ok := l.trades[id]
		l.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		next := cur.Clone()
		ch, err := fn(next)
		if err != nil {
			return err
		}
		if !ch {
			out = cur.Clone()
			return nil
		}
		next.UpdatedAt = l.now()
		if err := l.persist(ctx, next); err != nil {
			return err
		}
		l.commit(next)
		out, changed = next.Clone(), true
		return nil
	})
	return out, changed, err
}

func invalid(t *Trade, to Status) error {
	return &registry.TransitionError{Entity: "trade", ID: t.ID, From: string(t.Status), To: string(to)}
}

// ApplyFill pending -> open（平台确认成交）
// 已是 open 且 ticket 相同时为幂等重放
func (l *Ledger) ApplyFill(ctx context.Context, id, ticket string, price float64) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if t.Status == StatusOpen && t.Ticket == ticket {
			return false, nil
		}
		if t.Status != StatusPending {
			return false, invalid(t, StatusOpen)
		}
		t.Status = StatusOpen
		t.Ticket = ticket
		if t.Entry == 0 && price > 0 {
			t.Entry = price
		}
		return true, nil
	})
	return t, err
}

// AssignTicket 挂单已被平台接受但未成交
func (l *Ledger) AssignTicket(ctx context.Context, id, ticket string) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if t.Status.Terminal() {
			return false, invalid(t, t.Status)
		}
		if t.Ticket == ticket {
			return false, nil
		}
		t.Ticket = ticket
		return true, nil
	})
	return t, err
}

// Close 平仓成交回报
type Close struct {
	Fraction float64 // 本交易原始仓位的比例
	Price    float64
	Profit   float64
}

// ApplyClose open/partially_closed -> partially_closed 或 closed
func (l *Ledger) ApplyClose(ctx context.Context, id string, c Close) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if !t.Status.Live() {
			return false, invalid(t, StatusClosed)
		}
		if c.Fraction <= 0 {
			return false, fmt.Errorf("trade %s: close fraction must be positive", t.ID)
		}
		t.ClosedFraction += c.Fraction
		t.RealizedPnL += c.Profit
		if t.ClosedFraction >= 1-Epsilon {
			t.ClosedFraction = 1
			t.Status = StatusClosed
		} else {
			t.Status = StatusPartiallyClosed
		}
		return true, nil
	})
	return t, err
}

// Cancel pending/open -> cancelled
func (l *Ledger) Cancel(ctx context.Context, id string) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if t.Status != StatusPending && t.Status != StatusOpen {
			return false, invalid(t, StatusCancelled)
		}
		t.Status = StatusCancelled
		return true, nil
	})
	return t, err
}

// MoveStop 修改止损（不改变状态）
func (l *Ledger) MoveStop(ctx context.Context, id string, stop float64) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if t.Status.Terminal() {
			return false, invalid(t, t.Status)
		}
		if t.StopLoss == stop {
			return false, nil
		}
		t.StopLoss = stop
		return true, nil
	})
	return t, err
}

// SetTarget 修改第 index 个止盈价
func (l *Ledger) SetTarget(ctx context.Context, id string, index int, price float64) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if t.Status.Terminal() {
			return false, invalid(t, t.Status)
		}
		for i := range t.Targets {
			if t.Targets[i].Index == index {
				t.Targets[i].Price = price
				return true, nil
			}
		}
		return false, fmt.Errorf("trade %s has no target %d", t.ID, index)
	})
	return t, err
}

// MarkTargetHit 标记止盈已到达
func (l *Ledger) MarkTargetHit(ctx context.Context, id string, index int) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		for i := range t.Targets {
			if t.Targets[i].Index == index {
				if t.Targets[i].Hit {
					return false, nil
				}
				t.Targets[i].Hit = true
				return true, nil
			}
		}
		return false, fmt.Errorf("trade %s has no target %d", t.ID, index)
	})
	return t, err
}

// MarkBreakevenApplied 保本标记（检查并设置），已设置时返回 false
func (l *Ledger) MarkBreakevenApplied(ctx context.Context, id string) (bool, error) {
	_, changed, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if t.BreakevenApplied || !t.Status.Live() {
			return false, nil
		}
		t.BreakevenApplied = true
		return true, nil
	})
	return changed, err
}

// RatchetTrail 移动止损棘轮（检查并设置）
// 只有比上次移动位置与当前止损中较紧的一个再收紧至少 step 时才记录，返回是否记录
func (l *Ledger) RatchetTrail(ctx context.Context, id string, level, step float64) (bool, error) {
	_, changed, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if !t.Status.Live() {
			return false, nil
		}
		ref := t.TightestStop()
		if ref != 0 && (level-ref)*t.Direction.Sign() < step-Epsilon {
			return false, nil
		}
		t.TrailStop = level
		return true, nil
	})
	return changed, err
}

// EnableTrailing 开启移动止损（本地操作）
func (l *Ledger) EnableTrailing(ctx context.Context, id string) (*Trade, error) {
	t, _, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		if t.Status.Terminal() {
			return false, invalid(t, t.Status)
		}
		if t.TrailingEnabled {
			return false, nil
		}
		t.TrailingEnabled = true
		return true, nil
	})
	return t, err
}

// Repair 对账修复目标状态（来自平台事实）
type Repair struct {
	Status         Status
	Ticket         string
	ClosedFraction float64
	StopLoss       float64
	PnLDelta       float64 // 平台侧已实现、本地尚未记录的盈亏
}

// Reconcile 修复迁移：允许回退，只由对账器调用
func (l *Ledger) Reconcile(ctx context.Context, id string, r Repair) (*Trade, error) {
	t, changed, err := l.mutate(ctx, id, func(t *Trade) (bool, error) {
		before := *t
		if r.Status != "" {
			t.Status = r.Status
		}
		if r.Ticket != "" {
			t.Ticket = r.Ticket
		}
		if r.ClosedFraction > 0 {
			t.ClosedFraction = r.ClosedFraction
		}
		if r.StopLoss > 0 {
			t.StopLoss = r.StopLoss
		}
		t.RealizedPnL += r.PnLDelta
		return before.Status != t.Status || before.Ticket != t.Ticket ||
			before.ClosedFraction != t.ClosedFraction || before.StopLoss != t.StopLoss ||
			r.PnLDelta != 0, nil
	})
	if changed {
		logger.Warn("🔧 [ledger] 对账修复交易 %s -> %s", id, t.Status)
	}
	return t, err
}

// Get 按ID获取交易副本
func (l *Ledger) Get(id string) (*Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.trades[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (l *Ledger) collect(keep func(t *Trade) bool) []*Trade {
	l.mu.RLock()
	out := make([]*Trade, 0)
	for _, t := range l.trades {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.SignalID != b.SignalID {
			return a.SignalID < b.SignalID
		}
		return a.Leg < b.Leg
	})
	return out
}

// ForSignal 信号下的全部交易（按腿排序）
func (l *Ledger) ForSignal(signalID string) []*Trade {
	return l.collect(func(t *Trade) bool { return t.SignalID == signalID })
}

// ForChannel 频道下的全部交易
func (l *Ledger) ForChannel(channelID string) []*Trade {
	return l.collect(func(t *Trade) bool { return t.ChannelID == channelID })
}

// OpenSnapshot 持仓中的交易快照（调度器使用）
func (l *Ledger) OpenSnapshot() []*Trade {
	return l.collect(func(t *Trade) bool { return t.Status.Live() })
}

// NonTerminal 未结束的交易（对账使用）
func (l *Ledger) NonTerminal() []*Trade {
	return l.collect(func(t *Trade) bool { return !t.Status.Terminal() })
}

// AllTerminal 信号下的交易是否全部结束
func (l *Ledger) AllTerminal(signalID string) bool {
	trades := l.ForSignal(signalID)
	if len(trades) == 0 {
		return false
	}
	for _, t := range trades {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// SumFractions 信号下各腿仓位比例之和
func (l *Ledger) SumFractions(signalID string) float64 {
	sum := 0.0
	for _, t := range l.ForSignal(signalID) {
		sum += t.Fraction
	}
	return sum
}

package safety

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"signalcopier/bridge"
	"signalcopier/ledger"
	"signalcopier/lock"
	"signalcopier/logger"
	"signalcopier/metrics"
)

// PositionSource 平台持仓来源
type PositionSource interface {
	Positions(ctx context.Context, account string) ([]bridge.Position, error)
}

// TradeBook 对账所需的账本操作
type TradeBook interface {
	NonTerminal() []*ledger.Trade
	ApplyFill(ctx context.Context, id, ticket string, price float64) (*ledger.Trade, error)
	Reconcile(ctx context.Context, id string, r ledger.Repair) (*ledger.Trade, error)
}

// RepairType 修复类型
type RepairType string

const (
	RepairFilled    RepairType = "filled"
	RepairTicket    RepairType = "ticket"
	RepairPartial   RepairType = "partial_close"
	RepairClosed    RepairType = "closed"
	RepairCancelled RepairType = "cancelled"
	RepairStop      RepairType = "stop"
)

// RepairRecord 一次修复
type RepairRecord struct {
	TradeID  string     `json:"trade_id"`
	SignalID string     `json:"signal_id"`
	Account  string     `json:"account"`
	Type     RepairType `json:"type"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Profit   float64    `json:"profit,omitempty"` // 平台侧已实现、本地尚未记录的盈亏
}

// Report 对账结果
type Report struct {
	At       time.Time      `json:"at"`
	Accounts int            `json:"accounts"`
	Trades   int            `json:"trades"`
	Repairs  []RepairRecord `json:"repairs"`
}

// Reconciler 账本与平台持仓对账器
type Reconciler struct {
	book      TradeBook
	positions PositionSource
	lock      lock.DistributedLock
	interval  time.Duration
	onRepair  func(RepairRecord)

	lastReconcileTime    time.Time
	reconcileMu          sync.Mutex
	minReconcileInterval time.Duration
}

// NewReconciler 创建对账器；interval 为 0 时不启动周期对账
func NewReconciler(book TradeBook, positions PositionSource, distributedLock lock.DistributedLock, interval time.Duration) *Reconciler {
	if distributedLock == nil {
		distributedLock = lock.NewNopLock()
	}
	minInterval := 5 * time.Second
	if interval > 0 && interval < minInterval {
		minInterval = interval
	}
	return &Reconciler{
		book:                 book,
		positions:            positions,
		lock:                 distributedLock,
		interval:             interval,
		minReconcileInterval: minInterval,
	}
}

// OnRepair 注册修复回调
func (r *Reconciler) OnRepair(fn func(RepairRecord)) {
	r.onRepair = fn
}

// Start 启动对账协程
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		logger.Info("ℹ️ [safety] 未配置对账间隔，跳过持仓对账")
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("⏹️ [safety] 持仓对账协程已停止")
				return
			case <-ticker.C:
				if _, err := r.Reconcile(ctx); err != nil {
					logger.Error("❌ [safety] 对账失败: %v", err)
				}
			}
		}
	}()
	logger.Info("✅ [safety] 持仓对账已启动 (间隔: %v)", r.interval)
}

// Reconcile 执行一次对账
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	// 速率限制：确保最小对账间隔
	r.reconcileMu.Lock()
	if elapsed := time.Since(r.lastReconcileTime); elapsed < r.minReconcileInterval {
		wait := r.minReconcileInterval - elapsed
		r.reconcileMu.Unlock()
		logger.Debug("⏳ [safety] 等待 %v 后对账（最小间隔限制）", wait)
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		case <-time.After(wait):
		}
		r.reconcileMu.Lock()
	}
	r.lastReconcileTime = time.Now()
	r.reconcileMu.Unlock()

	byAccount := make(map[string][]*ledger.Trade)
	for _, t := range r.book.NonTerminal() {
		byAccount[t.Account] = append(byAccount[t.Account], t)
	}
	accounts := make([]string, 0, len(byAccount))
	for a := range byAccount {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	report := Report{At: time.Now(), Accounts: len(accounts)}
	var errs []error
	for _, account := range accounts {
		trades := byAccount[account]
		report.Trades += len(trades)
		repairs, err := r.reconcileAccount(ctx, account, trades)
		report.Repairs = append(report.Repairs, repairs...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(report.Repairs) > 0 {
		logger.Warn("🔧 [safety] 对账完成: %d 个账户 %d 笔交易，修复 %d 处",
			report.Accounts, report.Trades, len(report.Repairs))
	} else {
		logger.Debug("✅ [safety] 对账完成: %d 个账户 %d 笔交易，无差异", report.Accounts, report.Trades)
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("%d 个账户对账失败: %v", len(errs), errs[0])
	}
	return report, nil
}

func (r *Reconciler) reconcileAccount(ctx context.Context, account string, trades []*ledger.Trade) ([]RepairRecord, error) {
	pm := metrics.GetPrometheusMetrics()

	// 分布式锁：防止多实例同时对同一账户对账
	lockKey := "reconcile:" + account
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.lock.Lock(lctx, lockKey, 30*time.Second); err != nil {
		pm.RecordLockAcquire("reconcile", "failed")
		logger.Warn("⚠️ [safety] 获取对账锁失败: %v，跳过账户 %s", err, account)
		return nil, nil
	}
	pm.RecordLockAcquire("reconcile", "acquired")
	defer func() {
		if err := r.lock.Unlock(context.Background(), lockKey); err != nil {
			logger.Warn("⚠️ [safety] 释放对账锁失败: %v", err)
		}
	}()

	positions, err := r.positions.Positions(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("查询账户 %s 持仓失败: %w", account, err)
	}
	pm.RecordReconciliation(account)

	byTrade := make(map[string]bridge.Position, len(positions))
	byTicket := make(map[string]bridge.Position, len(positions))
	for _, p := range positions {
		if p.TradeID != "" {
			byTrade[p.TradeID] = p
		}
		if p.Ticket != "" {
			byTicket[p.Ticket] = p
		}
	}

	var repairs []RepairRecord
	for _, t := range trades {
		pos, found := byTrade[t.ID]
		if !found && t.Ticket != "" {
			pos, found = byTicket[t.Ticket]
		}
		for _, rec := range r.diff(ctx, t, pos, found) {
			pm.RecordReconciliationRepair(account, string(rec.Type))
			repairs = append(repairs, rec)
			if r.onRepair != nil {
				r.onRepair(rec)
			}
		}
	}
	return repairs, nil
}

// diff 按平台事实修复单笔交易
func (r *Reconciler) diff(ctx context.Context, t *ledger.Trade, pos bridge.Position, found bool) []RepairRecord {
	var out []RepairRecord
	apply := func(typ RepairType, from, to string, profit float64, fn func() error) {
		if err := fn(); err != nil {
			logger.Warn("⚠️ [safety] 修复交易 %s (%s) 失败: %v", t.ID, typ, err)
			return
		}
		out = append(out, RepairRecord{
			TradeID: t.ID, SignalID: t.SignalID, Account: t.Account,
			Type: typ, From: from, To: to, Profit: profit,
		})
	}

	if !found {
		if t.Ticket == "" {
			// 开仓指令尚未送达平台
			return out
		}
		deal, known := r.closedDeal(ctx, t)
		if t.Status == ledger.StatusPending && (!known || !deal.Filled) {
			apply(RepairCancelled, string(t.Status), string(ledger.StatusCancelled), 0, func() error {
				_, err := r.book.Reconcile(ctx, t.ID, ledger.Repair{Status: ledger.StatusCancelled})
				return err
			})
			return out
		}
		var profit float64
		if known {
			profit = deal.RealizedProfit - t.RealizedPnL
		}
		apply(RepairClosed, string(t.Status), string(ledger.StatusClosed), profit, func() error {
			_, err := r.book.Reconcile(ctx, t.ID, ledger.Repair{Status: ledger.StatusClosed, ClosedFraction: 1, PnLDelta: profit})
			return err
		})
		return out
	}

	if t.Status == ledger.StatusPending {
		if pos.Filled {
			apply(RepairFilled, string(t.Status), string(ledger.StatusOpen), 0, func() error {
				_, err := r.book.ApplyFill(ctx, t.ID, pos.Ticket, 0)
				return err
			})
			return out
		}
		if t.Ticket != pos.Ticket {
			apply(RepairTicket, t.Ticket, pos.Ticket, 0, func() error {
				_, err := r.book.Reconcile(ctx, t.ID, ledger.Repair{Ticket: pos.Ticket})
				return err
			})
		}
		return out
	}

	if pos.ClosedFraction > t.ClosedFraction+ledger.Epsilon && pos.ClosedFraction < 1-ledger.Epsilon {
		// 执行端未上报累计盈亏时不修正
		var profit float64
		if pos.RealizedProfit != 0 {
			profit = pos.RealizedProfit - t.RealizedPnL
		}
		apply(RepairPartial, fmt.Sprintf("%.4f", t.ClosedFraction), fmt.Sprintf("%.4f", pos.ClosedFraction), profit, func() error {
			_, err := r.book.Reconcile(ctx, t.ID, ledger.Repair{
				Status:         ledger.StatusPartiallyClosed,
				ClosedFraction: pos.ClosedFraction,
				PnLDelta:       profit,
			})
			return err
		})
	}
	if pos.StopLoss > 0 && math.Abs(pos.StopLoss-t.StopLoss) > ledger.Epsilon {
		apply(RepairStop, fmt.Sprintf("%.5f", t.StopLoss), fmt.Sprintf("%.5f", pos.StopLoss), 0, func() error {
			_, err := r.book.Reconcile(ctx, t.ID, ledger.Repair{StopLoss: pos.StopLoss})
			return err
		})
	}
	return out
}

// closedDeal 执行端支持时查询已结束订单的成交结果
func (r *Reconciler) closedDeal(ctx context.Context, t *ledger.Trade) (bridge.Deal, bool) {
	ds, ok := r.positions.(bridge.DealSource)
	if !ok {
		return bridge.Deal{}, false
	}
	deal, err := ds.ClosedDeal(ctx, t.Account, t.Ticket)
	if err != nil {
		logger.Warn("⚠️ [safety] 查询交易 %s (ticket %s) 成交结果失败: %v", t.ID, t.Ticket, err)
		return bridge.Deal{}, false
	}
	return deal, true
}

package ledger

import (
	"errors"
	"time"

	"signalcopier/registry"
)

// Status 交易状态（持久化为字面字符串）
type Status string

const (
	StatusPending         Status = "pending"
	StatusOpen            Status = "open"
	StatusPartiallyClosed Status = "partially_closed"
	StatusClosed          Status = "closed"
	StatusCancelled       Status = "cancelled"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Live 是否持有仓位（调度器只评估这些交易）
func (s Status) Live() bool {
	return s == StatusOpen || s == StatusPartiallyClosed
}

// 平仓比例误差
const Epsilon = 1e-6

var (
	// ErrInvalidTransition 与注册表共用同一个哨兵错误
	ErrInvalidTransition = registry.ErrInvalidTransition
	ErrNotFound          = errors.New("trade not found")
)

// Target 止盈目标
type Target struct {
	Index    int     `json:"index"` // 在信号止盈序列中的位置（从1开始）
	Price    float64 `json:"price"`
	Hit      bool    `json:"hit"`
	Fraction float64 `json:"fraction,omitempty"` // bridge_managed：到达该目标时平掉原始仓位的比例
}

// Trade 一笔交易（split 模式下为一条腿）
type Trade struct {
	ID               string             `json:"id"`
	SignalID         string             `json:"signal_id"`
	ChannelID        string             `json:"channel_id"`
	Account          string             `json:"account"`
	Ticket           string             `json:"ticket,omitempty"`
	Symbol           string             `json:"symbol"`
	Direction        registry.Direction `json:"direction"`
	Entry            float64            `json:"entry"`
	Mode             LegMode            `json:"mode"`
	Leg              int                `json:"leg"`
	Fraction         float64            `json:"fraction"` // 占信号总仓位的比例
	Status           Status             `json:"status"`
	StopLoss         float64            `json:"stop_loss"`
	Targets          []Target           `json:"targets"`
	ClosedFraction   float64            `json:"closed_fraction"` // 已平掉本交易原始仓位的比例
	BreakevenApplied bool               `json:"breakeven_applied"`
	TrailingEnabled  bool               `json:"trailing_enabled"`
	TrailStop        float64            `json:"trail_stop,omitempty"` // 上一次移动止损的价位
	RealizedPnL      float64            `json:"realized_pnl"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone 深拷贝
func (t *Trade) Clone() *Trade {
	c := *t
	c.Targets = append([]Target(nil), t.Targets...)
	return &c
}

// Remaining 剩余仓位比例
func (t *Trade) Remaining() float64 {
	r := 1 - t.ClosedFraction
	if r < 0 {
		return 0
	}
	return r
}

// Target 按信号止盈序号查找目标
func (t *Trade) Target(index int) (Target, bool) {
	for _, tg := range t.Targets {
		if tg.Index == index {
			return tg, true
		}
	}
	return Target{}, false
}

// TightestStop 当前止损与移动止损记录中离价格更近的一个；都未设置时为 0
func (t *Trade) TightestStop() float64 {
	switch {
	case t.StopLoss == 0:
		return t.TrailStop
	case t.TrailStop == 0:
		return t.StopLoss
	}
	if (t.TrailStop-t.StopLoss)*t.Direction.Sign() > 0 {
		return t.TrailStop
	}
	return t.StopLoss
}

// Loosens 新止损是否比当前止损更远离价格（多头更低、空头更高）
func (t *Trade) Loosens(stop float64) bool {
	cur := t.TightestStop()
	return cur != 0 && (stop-cur)*t.Direction.Sign() < -Epsilon
}

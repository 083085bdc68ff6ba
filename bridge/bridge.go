package bridge

import (
	"context"
	"errors"
	"fmt"
)

// Kind 执行指令类型
type Kind string

const (
	KindOpenOrder     Kind = "open_order"
	KindModifyStop    Kind = "modify_stop"
	KindModifyTarget  Kind = "modify_target"
	KindCloseFraction Kind = "close_fraction"
	KindCancelOrder   Kind = "cancel_order"
)

// Instruction 发往执行端的指令
// Token 为投递队列序号，执行端据此去重
type Instruction struct {
	Kind        Kind      `json:"kind"`
	Token       uint64    `json:"token"`
	Account     string    `json:"account"`
	SignalID    string    `json:"signal_id"`
	TradeID     string    `json:"trade_id"`
	Ticket      string    `json:"ticket,omitempty"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Entry       float64   `json:"entry,omitempty"` // 0 表示市价
	StopLoss    float64   `json:"stop_loss,omitempty"`
	Targets     []float64 `json:"targets,omitempty"`
	TargetIndex int       `json:"target_index,omitempty"`
	Price       float64   `json:"price,omitempty"`    // 新止损 / 新止盈
	Fraction    float64   `json:"fraction,omitempty"` // 平仓比例（原始仓位）或开仓比例（信号仓位）
}

// Validate 基本字段校验
func (in Instruction) Validate() error {
	if in.TradeID == "" && in.SignalID == "" {
		return errors.New("instruction has no owner")
	}
	switch in.Kind {
	case KindOpenOrder:
		if in.Symbol == "" || in.Side == "" {
			return fmt.Errorf("open_order %s: missing symbol or side", in.TradeID)
		}
	case KindModifyStop, KindModifyTarget:
		if in.Price <= 0 {
			return fmt.Errorf("%s %s: missing price", in.Kind, in.TradeID)
		}
	case KindCloseFraction:
		if in.Fraction <= 0 || in.Fraction > 1 {
			return fmt.Errorf("close_fraction %s: fraction %v out of range", in.TradeID, in.Fraction)
		}
	case KindCancelOrder:
	default:
		return fmt.Errorf("unknown instruction kind %q", in.Kind)
	}
	return nil
}

// Ack 执行端确认
type Ack struct {
	Token  uint64  `json:"token"`
	Ticket string  `json:"ticket,omitempty"` // 平台订单号
	Filled bool    `json:"filled,omitempty"` // 开仓单是否已成交
	Price  float64 `json:"price,omitempty"`  // 成交价
	Profit float64 `json:"profit,omitempty"` // 平仓盈亏
}

// Position 平台持仓（对账使用）
type Position struct {
	Ticket         string  `json:"ticket"`
	TradeID        string  `json:"trade_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Filled         bool    `json:"filled"` // false 表示挂单
	StopLoss       float64 `json:"stop_loss"`
	ClosedFraction float64 `json:"closed_fraction"`
	RealizedProfit float64 `json:"realized_profit"` // 已平部分的累计盈亏
}

// Deal 已结束订单的平台成交结果
type Deal struct {
	Ticket         string  `json:"ticket"`
	TradeID        string  `json:"trade_id"`
	Filled         bool    `json:"filled"` // false 表示挂单被撤销
	ClosePrice     float64 `json:"close_price,omitempty"`
	RealizedProfit float64 `json:"realized_profit"` // 整个持仓期间的累计盈亏
}

// DealSource 可查询已结束订单的执行端（平台侧止损、止盈触发时的盈亏）
type DealSource interface {
	ClosedDeal(ctx context.Context, account, ticket string) (Deal, error)
}

// Quote 报价
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Mid 中间价
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Rejection 执行端明确拒绝（不重试）
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "rejected by bridge: " + r.Reason
}

// IsRejection 判断是否为执行端明确拒绝
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// Bridge 执行端接口
type Bridge interface {
	// Dispatch 发送指令并等待确认；错误为 *Rejection 时不再重试
	Dispatch(ctx context.Context, in Instruction) (Ack, error)
	// Quote 获取报价
	Quote(ctx context.Context, symbol string) (Quote, error)
	// Positions 获取账户在平台上的订单和持仓
	Positions(ctx context.Context, account string) ([]Position, error)
	// Close 关闭连接
	Close() error
}

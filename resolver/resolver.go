// Package resolver 将修改指令解析为账本操作和执行指令。
// Resolve 是纯函数：不访问账本、队列或网络，调用方负责按结果执行。
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"signalcopier/bridge"
	"signalcopier/classifier"
	"signalcopier/ledger"
	"signalcopier/registry"
)

// ErrUnresolvableModification 找不到可作用的交易
var ErrUnresolvableModification = errors.New("unresolvable modification")

// Intent 已定位到信号（或交易）的修改指令
type Intent struct {
	classifier.Intent
	ChannelID string `json:"channel_id"`
	SignalID  string `json:"signal_id,omitempty"`
	TradeID   string `json:"trade_id,omitempty"` // 调度器产生的指令只作用于单笔交易
	MessageID string `json:"message_id,omitempty"`
	Origin    string `json:"origin"` // message / scheduler / operator
}

// OpKind 账本操作类型
type OpKind string

const (
	OpCancel         OpKind = "cancel"
	OpMoveStop       OpKind = "move_stop"
	OpSetTarget      OpKind = "set_target"
	OpMarkTargetHit  OpKind = "mark_target_hit"
	OpClose          OpKind = "close"
	OpEnableTrailing OpKind = "enable_trailing"
	OpObsoleteOpen   OpKind = "obsolete_open" // 排队中的开仓指令作废
)

// Op 账本操作
type Op struct {
	Kind     OpKind  `json:"kind"`
	TradeID  string  `json:"trade_id"`
	Price    float64 `json:"price,omitempty"`
	Index    int     `json:"index,omitempty"`
	Fraction float64 `json:"fraction,omitempty"`
}

// Action 一条执行指令及其确认后才执行的账本操作
type Action struct {
	Instruction bridge.Instruction `json:"instruction"`
	OnAck       []Op               `json:"on_ack"`
}

// Plan 解析结果
type Plan struct {
	Local   []Op     `json:"local"`   // 立即执行
	Actions []Action `json:"actions"` // 入队
	Skipped []string `json:"skipped,omitempty"`
}

// Empty 没有任何操作
func (p Plan) Empty() bool {
	return len(p.Local) == 0 && len(p.Actions) == 0
}

// Options 解析参数
type Options struct {
	BreakevenOffsetPips      float64
	DeleteAllIncludesPartial bool
	PipSizes                 map[string]float64
}

// Resolve 把修改指令解析为账本操作和执行指令
// trades 为已定位的交易：信号下的全部交易，delete_all 时为频道下的全部交易
func Resolve(in Intent, trades []*ledger.Trade, opts Options) (Plan, error) {
	var plan Plan
	if in.TradeID != "" {
		scoped := trades[:0:0]
		for _, t := range trades {
			if t.ID == in.TradeID {
				scoped = append(scoped, t)
			}
		}
		trades = scoped
	}

	switch in.Category {
	case classifier.DeletePending:
		for _, t := range trades {
			if t.Status == ledger.StatusPending {
				cancelPending(&plan, t)
			}
		}

	case classifier.DeleteAll:
		for _, t := range trades {
			switch {
			case t.Status == ledger.StatusPending:
				cancelPending(&plan, t)
			case t.Status == ledger.StatusPartiallyClosed && opts.DeleteAllIncludesPartial:
				closeFraction(&plan, t, t.Remaining(), 0)
			}
		}

	case classifier.CloseFull:
		for _, t := range live(trades) {
			closeFraction(&plan, t, t.Remaining(), 0)
		}

	case classifier.CloseHalf:
		for _, t := range live(trades) {
			closeFraction(&plan, t, t.Remaining()*0.5, 0)
		}

	case classifier.ClosePartial:
		if !in.HasParam || in.Param <= 0 || in.Param > 100 {
			return plan, unresolvable(in, "close_partial requires a percentage")
		}
		for _, t := range live(trades) {
			closeFraction(&plan, t, t.Remaining()*in.Param/100, 0)
		}

	case classifier.CloseTP:
		n := in.Index()
		if !in.HasParam || n < 1 {
			return plan, unresolvable(in, "close_tp requires a target index")
		}
		for _, t := range live(trades) {
			tg, ok := t.Target(n)
			if !ok || tg.Hit {
				continue
			}
			if t.Mode == ledger.LegModeSplit {
				closeFraction(&plan, t, t.Remaining(), n)
				continue
			}
			f := tg.Fraction
			if f <= 0 || f > t.Remaining() {
				f = t.Remaining()
			}
			closeFraction(&plan, t, f, n)
		}

	case classifier.SetTP:
		n := in.Index()
		if !in.HasParam || n < 1 || in.Value <= 0 {
			return plan, unresolvable(in, "set_tp requires a target index and price")
		}
		for _, t := range trades {
			if t.Status.Terminal() {
				continue
			}
			tg, ok := t.Target(n)
			if !ok || tg.Hit {
				continue
			}
			op := Op{Kind: OpSetTarget, TradeID: t.ID, Index: n, Price: in.Value}
			if t.Ticket == "" {
				plan.Local = append(plan.Local, op)
				continue
			}
			instr := instruction(bridge.KindModifyTarget, t)
			instr.TargetIndex, instr.Price = n, in.Value
			plan.Actions = append(plan.Actions, Action{Instruction: instr, OnAck: []Op{op}})
		}

	case classifier.MoveSLBreakeven:
		for _, t := range live(trades) {
			if t.Entry <= 0 {
				plan.Skipped = append(plan.Skipped, t.ID+": unknown entry")
				continue
			}
			stop := BreakevenPrice(t, opts.BreakevenOffsetPips, PipSize(t.Symbol, opts.PipSizes))
			if t.StopLoss == stop {
				plan.Skipped = append(plan.Skipped, t.ID+": stop already at breakeven")
				continue
			}
			if t.Loosens(stop) {
				plan.Skipped = append(plan.Skipped, t.ID+": stop already beyond breakeven")
				continue
			}
			moveStop(&plan, t, stop)
		}

	case classifier.SetSL:
		if !in.HasParam || in.Param <= 0 {
			return plan, unresolvable(in, "set_sl requires a price")
		}
		for _, t := range trades {
			if t.Status.Terminal() || t.StopLoss == in.Param {
				continue
			}
			// 针对单笔交易的自动止损只收紧
			if in.TradeID != "" && t.Loosens(in.Param) {
				plan.Skipped = append(plan.Skipped, fmt.Sprintf("%s: stop %.5f looser than current", t.ID, in.Param))
				continue
			}
			moveStop(&plan, t, in.Param)
		}

	case classifier.EnableTrailing:
		for _, t := range trades {
			if !t.Status.Terminal() && !t.TrailingEnabled {
				plan.Local = append(plan.Local, Op{Kind: OpEnableTrailing, TradeID: t.ID})
			}
		}

	default:
		return plan, unresolvable(in, "unknown category")
	}

	if plan.Empty() {
		if closing(in.Category) && len(trades) > 0 && allTerminal(trades) {
			// 信号的交易都已结束：重复平仓是非法迁移，而不是找不到目标
			t := trades[len(trades)-1]
			return plan, fmt.Errorf("%s on %s: %w", in.Category, t.SignalID, &registry.TransitionError{
				Entity: "trade", ID: t.ID, From: string(t.Status), To: string(ledger.StatusClosed),
			})
		}
		return plan, unresolvable(in, "no applicable trade")
	}
	return plan, nil
}

func closing(c classifier.Category) bool {
	switch c {
	case classifier.CloseFull, classifier.CloseHalf, classifier.ClosePartial, classifier.CloseTP:
		return true
	}
	return false
}

func allTerminal(trades []*ledger.Trade) bool {
	for _, t := range trades {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func unresolvable(in Intent, reason string) error {
	target := in.SignalID
	if in.TradeID != "" {
		target = in.TradeID
	}
	if target == "" {
		target = "channel " + in.ChannelID
	}
	return fmt.Errorf("%w: %s on %s: %s", ErrUnresolvableModification, in.Category, target, reason)
}

func live(trades []*ledger.Trade) []*ledger.Trade {
	out := make([]*ledger.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status.Live() {
			out = append(out, t)
		}
	}
	return out
}

func instruction(kind bridge.Kind, t *ledger.Trade) bridge.Instruction {
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

// cancelPending 未拿到 ticket 的挂单直接本地取消并作废排队中的开仓指令
func cancelPending(plan *Plan, t *ledger.Trade) {
	if t.Ticket == "" {
		plan.Local = append(plan.Local,
			Op{Kind: OpObsoleteOpen, TradeID: t.ID},
			Op{Kind: OpCancel, TradeID: t.ID},
		)
		return
	}
	plan.Actions = append(plan.Actions, Action{
		Instruction: instruction(bridge.KindCancelOrder, t),
		OnAck:       []Op{{Kind: OpCancel, TradeID: t.ID}},
	})
}

func closeFraction(plan *Plan, t *ledger.Trade, fraction float64, targetIndex int) {
	fraction = round(fraction, 8)
	if fraction <= 0 {
		return
	}
	if fraction > t.Remaining() {
		fraction = t.Remaining()
	}
	instr := instruction(bridge.KindCloseFraction, t)
	instr.Fraction = fraction
	instr.TargetIndex = targetIndex

	onAck := []Op{{Kind: OpClose, TradeID: t.ID, Fraction: fraction}}
	if targetIndex > 0 {
		onAck = append(onAck, Op{Kind: OpMarkTargetHit, TradeID: t.ID, Index: targetIndex})
	}
	plan.Actions = append(plan.Actions, Action{Instruction: instr, OnAck: onAck})
}

func moveStop(plan *Plan, t *ledger.Trade, stop float64) {
	op := Op{Kind: OpMoveStop, TradeID: t.ID, Price: stop}
	if t.Ticket == "" {
		plan.Local = append(plan.Local, op)
		return
	}
	instr := instruction(bridge.KindModifyStop, t)
	instr.Price = stop
	plan.Actions = append(plan.Actions, Action{Instruction: instr, OnAck: []Op{op}})
}

// BreakevenPrice 保本止损价：多头入场价加偏移，空头入场价减偏移
func BreakevenPrice(t *ledger.Trade, offsetPips, pipSize float64) float64 {
	entry := decimal.NewFromFloat(t.Entry)
	offset := decimal.NewFromFloat(offsetPips).Mul(decimal.NewFromFloat(pipSize))
	if t.Direction.Sign() < 0 {
		return entry.Sub(offset).InexactFloat64()
	}
	return entry.Add(offset).InexactFloat64()
}

// PipsToPrice 点数换算为价格距离
func PipsToPrice(pips, pipSize float64) float64 {
	return decimal.NewFromFloat(pips).Mul(decimal.NewFromFloat(pipSize)).InexactFloat64()
}

// PipSize 品种的点值；未配置时按常见外汇/贵金属约定推断
func PipSize(symbol string, overrides map[string]float64) float64 {
	s := strings.ToUpper(symbol)
	for _, key := range []string{symbol, s} {
		if v, ok := overrides[key]; ok && v > 0 {
			return v
		}
	}
	switch {
	case strings.Contains(s, "JPY"):
		return 0.01
	case strings.HasPrefix(s, "XAU"), strings.HasPrefix(s, "GOLD"):
		return 0.1
	case strings.HasPrefix(s, "XAG"):
		return 0.01
	}
	return 0.0001
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

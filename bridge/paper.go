package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"signalcopier/logger"
)

const paperEpsilon = 1e-6

type paperOrder struct {
	ticket         string
	account        string
	tradeID        string
	symbol         string
	side           string
	entry          float64
	stopLoss       float64
	targets        []float64
	filled         bool
	closed         bool
	closedFraction float64
	realized       decimal.Decimal
	closePrice     float64
}

// PaperBridge 内存模拟执行端（模拟盘与测试）
// 同一 token 重复投递返回首次结果
type PaperBridge struct {
	mu           sync.Mutex
	quotes       map[string]Quote
	orders       map[string]*paperOrder
	acks         map[uint64]Ack
	nextTicket   int
	instantFill  bool
	contractSize decimal.Decimal
	failures     []error
	dispatched   []Instruction
}

// NewPaperBridge 创建模拟执行端，默认挂单立即成交
func NewPaperBridge() *PaperBridge {
	return &PaperBridge{
		quotes:       make(map[string]Quote),
		orders:       make(map[string]*paperOrder),
		acks:         make(map[uint64]Ack),
		instantFill:  true,
		contractSize: decimal.NewFromInt(1),
	}
}

// SetInstantFill 关闭后限价单在报价触及入场价时才成交
func (p *PaperBridge) SetInstantFill(v bool) {
	p.mu.Lock()
	p.instantFill = v
	p.mu.Unlock()
}

// SetContractSize 盈亏计算的合约乘数（默认 1，盈亏以价格单位计）
func (p *PaperBridge) SetContractSize(size float64) {
	p.mu.Lock()
	p.contractSize = decimal.NewFromFloat(size)
	p.mu.Unlock()
}

// InjectFailures 之后的投递依次返回这些错误
func (p *PaperBridge) InjectFailures(errs ...error) {
	p.mu.Lock()
	p.failures = append(p.failures, errs...)
	p.mu.Unlock()
}

// Dispatched 已处理的指令（含重复投递）
func (p *PaperBridge) Dispatched() []Instruction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Instruction(nil), p.dispatched...)
}

// SetQuote 更新报价；触发挂单成交和止损
func (p *PaperBridge) SetQuote(symbol string, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := Quote{Symbol: symbol, Bid: bid, Ask: ask}
	p.quotes[strings.ToUpper(symbol)] = q

	for _, o := range p.sortedOrders() {
		if o.closed || !strings.EqualFold(o.symbol, symbol) {
			continue
		}
		long := o.side == "buy"
		if !o.filled {
			if (long && ask <= o.entry) || (!long && bid >= o.entry) {
				o.filled = true
				logger.Info("📈 [paper] 挂单成交 %s %s %s @ %.5f", o.ticket, o.side, o.symbol, o.entry)
			}
			continue
		}
		if o.stopLoss <= 0 {
			continue
		}
		if (long && bid <= o.stopLoss) || (!long && ask >= o.stopLoss) {
			profit := p.realize(o, o.stopLoss, 1-o.closedFraction)
			o.closedFraction = 1
			o.closed = true
			logger.Info("🛑 [paper] 止损触发 %s %s @ %.5f 盈亏 %.5f", o.ticket, o.symbol, o.stopLoss, profit)
		}
	}
}

// Dispatch 执行指令
func (p *PaperBridge) Dispatch(ctx context.Context, in Instruction) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.dispatched = append(p.dispatched, in)
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return Ack{}, err
	}
	if in.Token != 0 {
		if ack, ok := p.acks[in.Token]; ok {
			return ack, nil
		}
	}
	if err := in.Validate(); err != nil {
		return Ack{}, &Rejection{Reason: err.Error()}
	}

	var (
		ack Ack
		err error
	)
	switch in.Kind {
	case KindOpenOrder:
		ack, err = p.open(in)
	case KindModifyStop:
		ack, err = p.modify(in, func(o *paperOrder) { o.stopLoss = in.Price })
	case KindModifyTarget:
		ack, err = p.modify(in, func(o *paperOrder) {
			for len(o.targets) < in.TargetIndex {
				o.targets = append(o.targets, 0)
			}
			o.targets[in.TargetIndex-1] = in.Price
		})
	case KindCloseFraction:
		ack, err = p.closeFraction(in)
	case KindCancelOrder:
		ack, err = p.cancel(in)
	}
	if err != nil {
		return Ack{}, err
	}
	ack.Token = in.Token
	if in.Token != 0 {
		p.acks[in.Token] = ack
	}
	return ack, nil
}

func (p *PaperBridge) open(in Instruction) (Ack, error) {
	q, hasQuote := p.quotes[strings.ToUpper(in.Symbol)]
	long := strings.EqualFold(in.Side, "buy")

	o := &paperOrder{
		account:  in.Account,
		tradeID:  in.TradeID,
		symbol:   in.Symbol,
		side:     strings.ToLower(in.Side),
		entry:    in.Entry,
		stopLoss: in.StopLoss,
		targets:  append([]float64(nil), in.Targets...),
	}
	switch {
	case in.Entry <= 0:
		if !hasQuote {
			return Ack{}, &Rejection{Reason: "no quote for " + in.Symbol}
		}
		o.entry = q.Bid
		if long {
			o.entry = q.Ask
		}
		o.filled = true
	case p.instantFill:
		o.filled = true
	case hasQuote:
		o.filled = (long && q.Ask <= in.Entry) || (!long && q.Bid >= in.Entry)
	}

	p.nextTicket++
	o.ticket = strconv.Itoa(100000 + p.nextTicket)
	p.orders[o.ticket] = o

	logger.Info("📝 [paper] 开仓 %s %s %s entry=%.5f filled=%v", o.ticket, o.side, o.symbol, o.entry, o.filled)
	return Ack{Ticket: o.ticket, Filled: o.filled, Price: o.entry}, nil
}

func (p *PaperBridge) lookup(in Instruction) (*paperOrder, error) {
	o, ok := p.orders[in.Ticket]
	if !ok {
		return nil, &Rejection{Reason: "unknown ticket " + in.Ticket}
	}
	if o.closed {
		return nil, &Rejection{Reason: "position " + in.Ticket + " already closed"}
	}
	return o, nil
}

func (p *PaperBridge) modify(in Instruction, apply func(*paperOrder)) (Ack, error) {
	o, err := p.lookup(in)
	if err != nil {
		return Ack{}, err
	}
	apply(o)
	return Ack{Ticket: o.ticket, Filled: o.filled, Price: in.Price}, nil
}

func (p *PaperBridge) closeFraction(in Instruction) (Ack, error) {
	o, err := p.lookup(in)
	if err != nil {
		return Ack{}, err
	}
	if !o.filled {
		return Ack{}, &Rejection{Reason: "order " + o.ticket + " not filled"}
	}
	remaining := 1 - o.closedFraction
	if in.Fraction > remaining+paperEpsilon {
		return Ack{}, &Rejection{Reason: fmt.Sprintf("close %.4f exceeds remaining %.4f", in.Fraction, remaining)}
	}

	q, ok := p.quotes[strings.ToUpper(o.symbol)]
	exit := o.entry
	if ok {
		exit = q.Ask
		if o.side == "buy" {
			exit = q.Bid
		}
	}
	profit := p.realize(o, exit, in.Fraction)

	o.closedFraction += in.Fraction
	if o.closedFraction >= 1-paperEpsilon {
		o.closedFraction = 1
		o.closed = true
	}
	logger.Info("💰 [paper] 平仓 %s %.4f @ %.5f 盈亏 %.5f", o.ticket, in.Fraction, exit, profit)
	return Ack{Ticket: o.ticket, Filled: true, Price: exit, Profit: profit}, nil
}

// realize 按 exit 平掉 fraction 的盈亏，计入订单累计盈亏
func (p *PaperBridge) realize(o *paperOrder, exit, fraction float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(o.entry))
	if o.side != "buy" {
		diff = diff.Neg()
	}
	profit := diff.Mul(decimal.NewFromFloat(fraction)).Mul(p.contractSize)
	o.realized = o.realized.Add(profit)
	o.closePrice = exit
	return profit.InexactFloat64()
}

func (p *PaperBridge) cancel(in Instruction) (Ack, error) {
	o, err := p.lookup(in)
	if err != nil {
		return Ack{}, err
	}
	if o.filled {
		return Ack{}, &Rejection{Reason: "order " + o.ticket + " already filled"}
	}
	o.closed = true
	logger.Info("❎ [paper] 撤单 %s", o.ticket)
	return Ack{Ticket: o.ticket}, nil
}

// Quote 获取报价
func (p *PaperBridge) Quote(ctx context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, errors.New("no quote for " + symbol)
	}
	return q, nil
}

// Positions 账户未结束的挂单和持仓
func (p *PaperBridge) Positions(ctx context.Context, account string) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Position
	for _, o := range p.sortedOrders() {
		if o.closed || o.account != account {
			continue
		}
		out = append(out, Position{
			Ticket:         o.ticket,
			TradeID:        o.tradeID,
			Symbol:         o.symbol,
			Side:           o.side,
			Filled:         o.filled,
			StopLoss:       o.stopLoss,
			ClosedFraction: o.closedFraction,
			RealizedProfit: o.realized.InexactFloat64(),
		})
	}
	return out, nil
}

// ClosedDeal 已结束订单的成交结果
func (p *PaperBridge) ClosedDeal(ctx context.Context, account, ticket string) (Deal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[ticket]
	if !ok || o.account != account {
		return Deal{}, fmt.Errorf("unknown ticket %s", ticket)
	}
	if !o.closed {
		return Deal{}, fmt.Errorf("order %s still open", ticket)
	}
	return Deal{
		Ticket:         o.ticket,
		TradeID:        o.tradeID,
		Filled:         o.filled,
		ClosePrice:     o.closePrice,
		RealizedProfit: o.realized.InexactFloat64(),
	}, nil
}

func (p *PaperBridge) sortedOrders() []*paperOrder {
	out := make([]*paperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ticket < out[j].ticket })
	return out
}

// Close 模拟盘无需关闭
func (p *PaperBridge) Close() error {
	return nil
}

package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LegMode 多止盈执行模式，每个账户选定一次
type LegMode string

const (
	// LegModeSplit 引擎拆单：每个止盈一张单，到达目标由平台平掉该腿
	LegModeSplit LegMode = "split"
	// LegModeBridgeManaged 单张订单携带完整止盈序列，后续按比例分批平仓
	LegModeBridgeManaged LegMode = "bridge_managed"
)

// ParseLegMode 解析配置值，空值视为 bridge_managed
func ParseLegMode(s string) (LegMode, error) {
	switch s {
	case "", string(LegModeBridgeManaged):
		return LegModeBridgeManaged, nil
	case string(LegModeSplit):
		return LegModeSplit, nil
	}
	return "", fmt.Errorf("invalid leg mode %q", s)
}

// Leg 拆单计划中的一条腿
type Leg struct {
	TargetIndex int     `json:"target_index"` // 0 表示携带完整止盈序列
	Fraction    float64 `json:"fraction"`
}

// SplitPlan 拆单计划
type SplitPlan struct {
	Mode LegMode `json:"mode"`
	Legs []Leg   `json:"legs"`
	// TargetFractions 每个止盈目标对应的原始仓位比例（合计为1）
	TargetFractions []float64 `json:"target_fractions"`
}

const fractionPlaces = 8

// BuildSplitPlan 根据百分比配置生成拆单计划
// 比例用十进制归一化，合计严格为1，余数归入最后一条腿；
// 超出信号止盈数量的比例合并到最后一个止盈
func BuildSplitPlan(mode LegMode, percents []float64, targetCount int) (SplitPlan, error) {
	plan := SplitPlan{Mode: mode}
	if mode != LegModeSplit && mode != LegModeBridgeManaged {
		return plan, fmt.Errorf("invalid leg mode %q", mode)
	}
	for _, p := range percents {
		if p <= 0 {
			return plan, fmt.Errorf("split percentage must be positive, got %v", p)
		}
	}

	if targetCount > 0 {
		plan.TargetFractions = normalize(mergeTail(percents, targetCount))
	}

	if mode == LegModeBridgeManaged || targetCount == 0 {
		plan.Legs = []Leg{{TargetIndex: 0, Fraction: 1}}
		return plan, nil
	}

	for i, f := range plan.TargetFractions {
		plan.Legs = append(plan.Legs, Leg{TargetIndex: i + 1, Fraction: f})
	}
	return plan, nil
}

// mergeTail 把百分比对齐到止盈数量：多余的并入最后一个，不足时平均分配
func mergeTail(percents []float64, targetCount int) []decimal.Decimal {
	out := make([]decimal.Decimal, targetCount)
	if len(percents) == 0 {
		for i := range out {
			out[i] = decimal.NewFromInt(1)
		}
		return out
	}

	n := len(percents)
	if n > targetCount {
		n = targetCount
	}
	for i := 0; i < n; i++ {
		out[i] = decimal.NewFromFloat(percents[i])
	}
	for i := targetCount; i < len(percents); i++ {
		out[targetCount-1] = out[targetCount-1].Add(decimal.NewFromFloat(percents[i]))
	}
	// 止盈多于配置比例时，剩余目标沿用最后一个配置比例
	for i := n; i < targetCount; i++ {
		out[i] = decimal.NewFromFloat(percents[len(percents)-1])
	}
	return out
}

func normalize(weights []decimal.Decimal) []float64 {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}

	out := make([]float64, len(weights))
	sum := decimal.Zero
	for i, w := range weights {
		if i == len(weights)-1 {
			out[i] = decimal.NewFromInt(1).Sub(sum).InexactFloat64()
			break
		}
		f := w.DivRound(total, fractionPlaces)
		sum = sum.Add(f)
		out[i] = f.InexactFloat64()
	}
	return out
}

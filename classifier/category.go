package classifier

import (
	"errors"
	"fmt"
	"strings"
)

// Category 修改指令类别（固定枚举，配置加载时校验）
type Category int

const (
	DeleteAll Category = iota
	DeletePending
	CloseFull
	CloseHalf
	ClosePartial
	CloseTP
	SetTP
	MoveSLBreakeven
	SetSL
	EnableTrailing

	categoryCount
)

var categoryNames = [...]string{
	DeleteAll:       "delete_all",
	DeletePending:   "delete_pending",
	CloseFull:       "close_full",
	CloseHalf:       "close_half",
	ClosePartial:    "close_partial",
	CloseTP:         "close_tp",
	SetTP:           "set_tp",
	MoveSLBreakeven: "move_sl_breakeven",
	SetSL:           "set_sl",
	EnableTrailing:  "enable_trailing",
}

// ErrUnknownCategory 配置中出现未定义的类别
var ErrUnknownCategory = errors.New("unknown category")

// ParseCategory 解析配置中的类别名
func ParseCategory(name string) (Category, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for c, s := range categoryNames {
		if s == n {
			return Category(c), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// AllCategories 按优先级顺序返回全部类别
func AllCategories() []Category {
	out := make([]Category, 0, categoryCount)
	for c := Category(0); c < categoryCount; c++ {
		out = append(out, c)
	}
	return out
}

func (c Category) String() string {
	if c < 0 || c >= categoryCount {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// MarshalText 以配置名序列化
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText 从配置名解析
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Group 优先级分组：撤单 > 止盈/平仓 > 止损 > 移动止损
type Group int

const (
	GroupCancel Group = iota
	GroupClose
	GroupStop
	GroupTrailing
)

func (g Group) String() string {
	switch g {
	case GroupCancel:
		return "cancel"
	case GroupClose:
		return "close"
	case GroupStop:
		return "stop"
	default:
		return "trailing"
	}
}

// Group 返回类别所属的优先级分组
func (c Category) Group() Group {
	switch c {
	case DeleteAll, DeletePending:
		return GroupCancel
	case CloseFull, CloseHalf, ClosePartial, CloseTP, SetTP:
		return GroupClose
	case MoveSLBreakeven, SetSL:
		return GroupStop
	default:
		return GroupTrailing
	}
}

// Parameterized 该类别是否必须携带数值参数
func (c Category) Parameterized() bool {
	switch c {
	case ClosePartial, CloseTP, SetTP, SetSL:
		return true
	}
	return false
}

// IsClose 是否为平仓类指令
func (c Category) IsClose() bool {
	switch c {
	case CloseFull, CloseHalf, ClosePartial, CloseTP:
		return true
	}
	return false
}

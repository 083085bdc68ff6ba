package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status 信号状态（持久化为字面字符串）
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusRejected     Status = "rejected"
	StatusSuperseded   Status = "superseded"
)

// Terminal 终态不再变化（运维重置除外）
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusRejected || s == StatusSuperseded
}

// Direction 交易方向
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// ParseDirection 解析方向（buy/long/sell/short）
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return Buy, nil
	case "sell", "short":
		return Sell, nil
	}
	return "", fmt.Errorf("invalid direction %q", s)
}

// Sign 多头为 +1，空头为 -1
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

var (
	ErrDuplicateSignal   = errors.New("duplicate signal")
	ErrAlreadyDelivered  = errors.New("signal already delivered")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("signal not found")
)

// TransitionError 非法状态迁移，可用 errors.Is(err, ErrInvalidTransition) 判断
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Signal 交易信号
type Signal struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channel_id"`
	Account         string    `json:"account"`
	SourceMessageID string    `json:"source_message_id"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Entry           float64   `json:"entry"` // 0 表示市价
	StopLoss        float64   `json:"stop_loss"`
	Targets         []float64 `json:"targets"`
	Status          Status    `json:"status"`
	Delivered       bool      `json:"delivered"`
	Settled         bool      `json:"settled"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StillOpen 是否仍参与重复检测与修改指令匹配
func (s *Signal) StillOpen() bool {
	switch s.Status {
	case StatusPending, StatusSent:
		return true
	case StatusAcknowledged:
		return !s.Settled
	}
	return false
}

// Clone 深拷贝
func (s *Signal) Clone() *Signal {
	c := *s
	c.Targets = append([]float64(nil), s.Targets...)
	return &c
}

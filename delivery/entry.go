// Package delivery 实现发往执行端的指令投递队列。
// 每个账户严格 FIFO，序号全局递增并作为幂等 token；确认或失败都有期限，
// 失败按指数退避重试，超过次数后标记 failed 并只上报一次。
package delivery

import (
	"context"
	"errors"
	"time"

	"signalcopier/bridge"
	"signalcopier/resolver"
)

var (
	// ErrDeliveryTimeout 期限内未收到确认
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrDeliveryFailed 超过重试次数或被执行端拒绝
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrObsolete 条目已作废
	ErrObsolete = errors.New("delivery entry obsolete")
	// ErrUnknownEntry 序号不存在
	ErrUnknownEntry = errors.New("unknown delivery entry")
	// ErrSettled 条目已确认或已失败
	ErrSettled = errors.New("delivery entry already settled")
)

// Status 队列条目状态
type Status string

const (
	StatusQueued   Status = "queued"
	StatusInflight Status = "inflight"
	StatusAcked    Status = "acked"
	StatusFailed   Status = "failed"
	StatusObsolete Status = "obsolete"
)

// Final 不再参与调度
func (s Status) Final() bool {
	return s == StatusAcked || s == StatusFailed || s == StatusObsolete
}

// Entry 队列条目
type Entry struct {
	Seq           uint64             `json:"seq"`
	Account       string             `json:"account"`
	Instruction   bridge.Instruction `json:"instruction"`
	OnAck         []resolver.Op      `json:"on_ack,omitempty"`
	Status        Status             `json:"status"`
	Attempts      int                `json:"attempts"`
	Deadline      time.Time          `json:"deadline,omitempty"`
	NextAttemptAt time.Time          `json:"next_attempt_at,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	Ack           *bridge.Ack        `json:"ack,omitempty"`
	Reported      bool               `json:"reported"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (e *Entry) clone() Entry {
	c := *e
	c.Instruction.Targets = append([]float64(nil), e.Instruction.Targets...)
	c.OnAck = append([]resolver.Op(nil), e.OnAck...)
	if e.Ack != nil {
		a := *e.Ack
		c.Ack = &a
	}
	return c
}

// Journal 条目状态变化的持久化（崩溃恢复）
type Journal interface {
	// Record 写入条目的最新状态
	Record(ctx context.Context, e Entry) error
	// Recover 读取每个条目的最新状态，按序号升序
	Recover(ctx context.Context) ([]Entry, error)
}

// NopJournal 不持久化
type NopJournal struct{}

func (NopJournal) Record(context.Context, Entry) error { return nil }
func (NopJournal) Recover(context.Context) ([]Entry, error) { return nil, nil }

// Config 队列参数
type Config struct {
	MaxAttempts   int
	AckTimeout    time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	RateLimit     float64
	Burst         int
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 200 * time.Millisecond
	}
	return c
}

package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"signalcopier/lock"
	"signalcopier/logger"
	"signalcopier/utils"
)

// Store 信号持久化接口（写穿）
type Store interface {
	SaveSignal(ctx context.Context, s *Signal) error
	LoadSignals(ctx context.Context) ([]*Signal, error)
}

// NewSignal 注册请求
type NewSignal struct {
	ChannelID       string
	Account         string
	SourceMessageID string
	Symbol          string
	Direction       Direction
	Entry           float64
	StopLoss        float64
	Targets         []float64
}

// DuplicatePolicy 重复信号抑制策略
type DuplicatePolicy struct {
	Enabled   bool
	Tolerance float64 // 入场价容差（价格单位）
}

// Registry 信号注册表
// 每个信号的状态变更在实体锁内完成，持久化成功后才更新内存
type Registry struct {
	mu       sync.RWMutex
	signals  map[string]*Signal
	bySource map[string]string

	store   Store
	locker  lock.DistributedLock
	lockTTL time.Duration
	now     func() time.Time
}

// New 创建注册表；store 为 nil 时仅保存在内存
func New(store Store, locker lock.DistributedLock, lockTTL time.Duration) *Registry {
	if locker == nil {
		locker = lock.NewLocalLock()
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &Registry{
		signals:  make(map[string]*Signal),
		bySource: make(map[string]string),
		store:    store,
		locker:   locker,
		lockTTL:  lockTTL,
		now:      utils.NowUTC,
	}
}

func sourceKey(channelID, messageID string) string {
	return channelID + "|" + messageID
}

// Load 启动时从存储恢复
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	list, err := r.store.LoadSignals(ctx)
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range list {
		r.signals[s.ID] = s.Clone()
		if s.SourceMessageID != "" {
			r.bySource[sourceKey(s.ChannelID, s.SourceMessageID)] = s.ID
		}
	}
	logger.Info("📂 [registry] 已恢复 %d 个信号", len(list))
	return nil
}

func (r *Registry) persist(ctx context.Context, s *Signal) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveSignal(ctx, s); err != nil {
		return fmt.Errorf("persist signal %s: %w", s.ID, err)
	}
	return nil
}

func (r *Registry) commit(s *Signal) {
	r.mu.Lock()
	r.signals[s.ID] = s
	if s.SourceMessageID != "" {
		r.bySource[sourceKey(s.ChannelID, s.SourceMessageID)] = s.ID
	}
	r.mu.Unlock()
}

// Register 注册新信号
// 开启重复抑制时，同频道同品种同方向且入场价在容差内的未完结信号会导致 ErrDuplicateSignal
func (r *Registry) Register(ctx context.Context, req NewSignal, dup DuplicatePolicy) (*Signal, error) {
	var created *Signal
	err := lock.WithLock(ctx, r.locker, "channel:"+req.ChannelID, r.lockTTL, func() error {
		if dup.Enabled {
			if existing := r.findDuplicate(req, dup.Tolerance); existing != nil {
				return fmt.Errorf("%w: matches %s", ErrDuplicateSignal, existing.ID)
			}
		}

		now := r.now()
		s := &Signal{
			ID:              utils.NewSignalID(),
			ChannelID:       req.ChannelID,
			Account:         req.Account,
			SourceMessageID: req.SourceMessageID,
			Symbol:          req.Symbol,
			Direction:       req.Direction,
			Entry:           req.Entry,
			StopLoss:        req.StopLoss,
			Targets:         append([]float64(nil), req.Targets...),
			Status:          StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := r.persist(ctx, s); err != nil {
			return err
		}
		r.commit(s)
		created = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("📝 [registry] 注册信号 %s %s %s @ %.5f (频道 %s)",
		created.ID, created.Direction, created.Symbol, created.Entry, created.ChannelID)
	return created, nil
}

func (r *Registry) findDuplicate(req NewSignal, tolerance float64) *Signal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.signals {
		if s.ChannelID != req.ChannelID || s.Symbol != req.Symbol || s.Direction != req.Direction {
			continue
		}
		if !s.StillOpen() {
			continue
		}
		if math.Abs(s.Entry-req.Entry) <= tolerance+1e-12 {
			return s
		}
	}
	return nil
}

// mutate 在信号锁内读取、修改、持久化、提交
func (r *Registry) mutate(ctx context.Context, id string, fn func(s *Signal) error) (*Signal, error) {
	var out *Signal
	err := lock.WithLock(ctx, r.locker, "signal:"+id, r.lockTTL, func() error {
		r.mu.RLock()
		cur, ok := r.signals[id]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.UpdatedAt = r.now()
		if err := r.persist(ctx, next); err != nil {
			return err
		}
		r.commit(next)
		out = next.Clone()
		return nil
	})
	return out, err
}

func transition(s *Signal, to Status) error {
	return &TransitionError{Entity: "signal", ID: s.ID, From: string(s.Status), To: string(to)}
}

// MarkSent pending -> sent，并设置投递标记
// 唯一设置投递标记的地方；已投递时返回 ErrAlreadyDelivered
func (r *Registry) MarkSent(ctx context.Context, id string) (*Signal, error) {
	return r.mutate(ctx, id, func(s *Signal) error {
		if s.Delivered {
			return fmt.Errorf("%w: %s", ErrAlreadyDelivered, s.ID)
		}
		if s.Status != StatusPending {
			return transition(s, StatusSent)
		}
		s.Status = StatusSent
		s.Delivered = true
		return nil
	})
}

// Acknowledge sent -> acknowledged（只发生一次）
func (r *Registry) Acknowledge(ctx context.Context, id string) (*Signal, error) {
	return r.mutate(ctx, id, func(s *Signal) error {
		if s.Status != StatusSent {
			return transition(s, StatusAcknowledged)
		}
		s.Status = StatusAcknowledged
		return nil
	})
}

// Reject sent -> rejected（投递失败）
func (r *Registry) Reject(ctx context.Context, id, reason string) (*Signal, error) {
	return r.mutate(ctx, id, func(s *Signal) error {
		if s.Status != StatusSent {
			return transition(s, StatusRejected)
		}
		s.Status = StatusRejected
		s.Reason = reason
		return nil
	})
}

// Supersede 非终态 -> superseded
func (r *Registry) Supersede(ctx context.Context, id, reason string) (*Signal, error) {
	return r.mutate(ctx, id, func(s *Signal) error {
		if s.Status.Terminal() {
			return transition(s, StatusSuperseded)
		}
		s.Status = StatusSuperseded
		s.Reason = reason
		return nil
	})
}

// Settle 标记已确认信号的所有交易已结束，不再参与重复检测
func (r *Registry) Settle(ctx context.Context, id string) (*Signal, error) {
	return r.mutate(ctx, id, func(s *Signal) error {
		if s.Status != StatusAcknowledged {
			return transition(s, "settled")
		}
		s.Settled = true
		return nil
	})
}

// ResetDelivery 运维覆盖：清除投递标记，信号回到 pending
func (r *Registry) ResetDelivery(ctx context.Context, id string) (*Signal, error) {
	return r.mutate(ctx, id, func(s *Signal) error {
		if s.Status != StatusRejected && s.Status != StatusPending {
			return transition(s, StatusPending)
		}
		s.Status = StatusPending
		s.Delivered = false
		s.Reason = ""
		return nil
	})
}

// Get 按ID获取信号副本
func (r *Registry) Get(id string) (*Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signals[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// FindBySourceMessage 按来源消息查找信号（回复链解析）
func (r *Registry) FindBySourceMessage(channelID, messageID string) (*Signal, bool) {
	r.mu.RLock()
	id, ok := r.bySource[sourceKey(channelID, messageID)]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// LatestOpen 返回频道最近一个未完结信号
func (r *Registry) LatestOpen(channelID string) (*Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *Signal
	for _, s := range r.signals {
		if s.ChannelID != channelID || !s.StillOpen() {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.Clone(), true
}

// Filter 列表过滤条件，零值表示不过滤
type Filter struct {
	ChannelID string
	Symbol    string
	Status    Status
	OpenOnly  bool
	Limit     int
}

// List 按创建时间倒序列出信号
func (r *Registry) List(f Filter) []*Signal {
	r.mu.RLock()
	out := make([]*Signal, 0, len(r.signals))
	for _, s := range r.signals {
		if f.ChannelID != "" && s.ChannelID != f.ChannelID {
			continue
		}
		if f.Symbol != "" && s.Symbol != f.Symbol {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.OpenOnly && !s.StillOpen() {
			continue
		}
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"signalcopier/config"
	"signalcopier/ledger"
	"signalcopier/registry"
	"signalcopier/safety"
)

// SignalStore 注册表的持久化适配（实现 registry.Store）
type SignalStore struct {
	db Database
}

// NewSignalStore 创建信号存储
func NewSignalStore(db Database) *SignalStore {
	return &SignalStore{db: db}
}

// SaveSignal 写入信号
func (s *SignalStore) SaveSignal(ctx context.Context, sig *registry.Signal) error {
	targets, err := json.Marshal(sig.Targets)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	return s.db.SaveSignal(ctx, &SignalRecord{
		ID:              sig.ID,
		ChannelID:       sig.ChannelID,
		Account:         sig.Account,
		SourceMessageID: sig.SourceMessageID,
		Symbol:          sig.Symbol,
		Direction:       string(sig.Direction),
		Entry:           sig.Entry,
		StopLoss:        sig.StopLoss,
		Targets:         string(targets),
		Status:          string(sig.Status),
		Delivered:       sig.Delivered,
		Settled:         sig.Settled,
		Reason:          sig.Reason,
		CreatedAt:       sig.CreatedAt,
		UpdatedAt:       sig.UpdatedAt,
	})
}

// LoadSignals 读取全部信号
func (s *SignalStore) LoadSignals(ctx context.Context) ([]*registry.Signal, error) {
	records, err := s.db.LoadSignals(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*registry.Signal, 0, len(records))
	for _, r := range records {
		sig := &registry.Signal{
			ID:              r.ID,
			ChannelID:       r.ChannelID,
			Account:         r.Account,
			SourceMessageID: r.SourceMessageID,
			Symbol:          r.Symbol,
			Direction:       registry.Direction(r.Direction),
			Entry:           r.Entry,
			StopLoss:        r.StopLoss,
			Status:          registry.Status(r.Status),
			Delivered:       r.Delivered,
			Settled:         r.Settled,
			Reason:          r.Reason,
			CreatedAt:       r.CreatedAt,
			UpdatedAt:       r.UpdatedAt,
		}
		if r.Targets != "" {
			if err := json.Unmarshal([]byte(r.Targets), &sig.Targets); err != nil {
				return nil, fmt.Errorf("signal %s: decode targets: %w", r.ID, err)
			}
		}
		out = append(out, sig)
	}
	return out, nil
}

// TradeStore 账本的持久化适配（实现 ledger.Store）
type TradeStore struct {
	db Database
}

// NewTradeStore 创建交易存储
func NewTradeStore(db Database) *TradeStore {
	return &TradeStore{db: db}
}

// SaveTrades 同一事务写入
func (s *TradeStore) SaveTrades(ctx context.Context, trades []*ledger.Trade) error {
	records := make([]*TradeRecord, 0, len(trades))
	for _, t := range trades {
		targets, err := json.Marshal(t.Targets)
		if err != nil {
			return fmt.Errorf("trade %s: encode targets: %w", t.ID, err)
		}
		records = append(records, &TradeRecord{
			ID:               t.ID,
			SignalID:         t.SignalID,
			ChannelID:        t.ChannelID,
			Account:          t.Account,
			Ticket:           t.Ticket,
			Symbol:           t.Symbol,
			Direction:        string(t.Direction),
			Entry:            t.Entry,
			Mode:             string(t.Mode),
			Leg:              t.Leg,
			Fraction:         t.Fraction,
			Status:           string(t.Status),
			StopLoss:         t.StopLoss,
			Targets:          string(targets),
			ClosedFraction:   t.ClosedFraction,
			BreakevenApplied: t.BreakevenApplied,
			TrailingEnabled:  t.TrailingEnabled,
			TrailStop:        t.TrailStop,
			RealizedPnL:      t.RealizedPnL,
			CreatedAt:        t.CreatedAt,
			UpdatedAt:        t.UpdatedAt,
		})
	}
	return s.db.SaveTrades(ctx, records)
}

// LoadTrades 读取全部交易
func (s *TradeStore) LoadTrades(ctx context.Context) ([]*ledger.Trade, error) {
	records, err := s.db.LoadTrades(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ledger.Trade, 0, len(records))
	for _, r := range records {
		t := &ledger.Trade{
			ID:               r.ID,
			SignalID:         r.SignalID,
			ChannelID:        r.ChannelID,
			Account:          r.Account,
			Ticket:           r.Ticket,
			Symbol:           r.Symbol,
			Direction:        registry.Direction(r.Direction),
			Entry:            r.Entry,
			Mode:             ledger.LegMode(r.Mode),
			Leg:              r.Leg,
			Fraction:         r.Fraction,
			Status:           ledger.Status(r.Status),
			StopLoss:         r.StopLoss,
			ClosedFraction:   r.ClosedFraction,
			BreakevenApplied: r.BreakevenApplied,
			TrailingEnabled:  r.TrailingEnabled,
			TrailStop:        r.TrailStop,
			RealizedPnL:      r.RealizedPnL,
			CreatedAt:        r.CreatedAt,
			UpdatedAt:        r.UpdatedAt,
		}
		if r.Targets != "" {
			if err := json.Unmarshal([]byte(r.Targets), &t.Targets); err != nil {
				return nil, fmt.Errorf("trade %s: decode targets: %w", r.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// 设置键
const (
	settingRulesPrefix   = "rules:"
	settingBreakerPrefix = "breaker:"
)

// BreakerStore 熔断状态存储（实现 safety.BreakerStore），每个账户一条设置
type BreakerStore struct {
	db Database
}

// NewBreakerStore 创建熔断状态存储
func NewBreakerStore(db Database) *BreakerStore {
	return &BreakerStore{db: db}
}

// SaveBreakerState 写入账户当日状态
func (s *BreakerStore) SaveBreakerState(ctx context.Context, st safety.BreakerState) error {
	return SaveJSONSetting(ctx, s.db, settingBreakerPrefix+st.Account, st)
}

// LoadBreakerStates 读取全部账户状态
func (s *BreakerStore) LoadBreakerStates(ctx context.Context) ([]safety.BreakerState, error) {
	rows, err := s.db.GetSettingsByPrefix(ctx, settingBreakerPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]safety.BreakerState, 0, len(rows))
	for key, raw := range rows {
		var st safety.BreakerState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode setting %s: %w", key, err)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

// SaveJSONSetting 以 JSON 保存设置
func SaveJSONSetting(ctx context.Context, db Database, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return db.SaveSetting(ctx, key, string(data))
}

// LoadJSONSetting 读取 JSON 设置，不存在时返回 false
func LoadJSONSetting(ctx context.Context, db Database, key string, v interface{}) (bool, error) {
	raw, ok, err := db.GetSetting(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// RulesKey 账户规则集的设置键（"default" 为全局规则）
func RulesKey(account string) string {
	if account == "" {
		account = "default"
	}
	return settingRulesPrefix + account
}

// SyncConfig 把配置中的频道文档与各账户生效规则集写入数据库（启动与热更新时调用）
func SyncConfig(ctx context.Context, db Database, cfg *config.Config) error {
	for _, ch := range cfg.Channels {
		doc, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("encode channel %s: %w", ch.ID, err)
		}
		if err := db.SaveChannel(ctx, &ChannelRecord{
			ID:       ch.ID,
			Name:     ch.Name,
			Account:  ch.Account,
			Enabled:  ch.Enabled,
			Document: string(doc),
		}); err != nil {
			return fmt.Errorf("save channel %s: %w", ch.ID, err)
		}
	}

	if err := SaveJSONSetting(ctx, db, RulesKey(""), cfg.Rules); err != nil {
		return err
	}
	for _, acc := range cfg.Accounts {
		if err := SaveJSONSetting(ctx, db, RulesKey(acc.ID), cfg.RulesFor(acc.ID)); err != nil {
			return err
		}
	}
	return nil
}

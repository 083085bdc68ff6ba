package database

import (
	"context"
	"time"
)

// Database 数据库接口
type Database interface {
	// 信号
	SaveSignal(ctx context.Context, s *SignalRecord) error
	LoadSignals(ctx context.Context) ([]*SignalRecord, error)

	// 交易（同一批在一个事务内写入）
	SaveTrades(ctx context.Context, trades []*TradeRecord) error
	LoadTrades(ctx context.Context) ([]*TradeRecord, error)

	// 频道文档
	SaveChannel(ctx context.Context, ch *ChannelRecord) error
	GetChannels(ctx context.Context) ([]*ChannelRecord, error)

	// 键值设置（规则集、多止盈配置等以 JSON 保存）
	SaveSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// 已处理的频道消息（重放去重）；首次记录返回 true
	MarkMessageProcessed(ctx context.Context, channelID, messageID string) (bool, error)
	CleanupProcessedMessages(ctx context.Context, before time.Time) (int64, error)

	// 前缀匹配读取设置
	GetSettingsByPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// 待确认的修改指令
	SaveConfirmation(ctx context.Context, c *ConfirmationRecord) error
	DeleteConfirmation(ctx context.Context, id string) error
	LoadConfirmations(ctx context.Context) ([]*ConfirmationRecord, error)

	// 对账记录
	SaveReconciliation(ctx context.Context, recon *Reconciliation) error
	GetReconciliations(ctx context.Context, filter *ReconciliationFilter) ([]*Reconciliation, error)

	// 事件
	SaveEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)
	GetEventByID(ctx context.Context, id int64) (*EventRecord, error)
	GetEventStats(ctx context.Context) (*EventStats, error)
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// SignalRecord 信号
type SignalRecord struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	ChannelID       string    `gorm:"index:idx_channel_status;size:100" json:"channel_id"`
	Account         string    `gorm:"size:100" json:"account"`
	SourceMessageID string    `gorm:"index;size:100" json:"source_message_id"`
	Symbol          string    `gorm:"size:32" json:"symbol"`
	Direction       string    `gorm:"size:8" json:"direction"`
	Entry           float64   `json:"entry"`
	StopLoss        float64   `json:"stop_loss"`
	Targets         string    `gorm:"type:text" json:"targets"` // JSON 数组
	Status          string    `gorm:"index:idx_channel_status;size:20" json:"status"`
	Delivered       bool      `json:"delivered"`
	Settled         bool      `json:"settled"`
	Reason          string    `gorm:"type:text" json:"reason"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (SignalRecord) TableName() string { return "signals" }

// TradeRecord 交易（一条腿）
type TradeRecord struct {
	ID               string    `gorm:"primaryKey;size:80" json:"id"`
	SignalID         string    `gorm:"index;size:64" json:"signal_id"`
	ChannelID        string    `gorm:"index;size:100" json:"channel_id"`
	Account          string    `gorm:"index;size:100" json:"account"`
	Ticket           string    `gorm:"size:64" json:"ticket"`
	Symbol           string    `gorm:"size:32" json:"symbol"`
	Direction        string    `gorm:"size:8" json:"direction"`
	Entry            float64   `json:"entry"`
	Mode             string    `gorm:"size:20" json:"mode"`
	Leg              int       `json:"leg"`
	Fraction         float64   `json:"fraction"`
	Status           string    `gorm:"index;size:20" json:"status"`
	StopLoss         float64   `json:"stop_loss"`
	Targets          string    `gorm:"type:text" json:"targets"` // JSON 数组
	ClosedFraction   float64   `json:"closed_fraction"`
	BreakevenApplied bool      `json:"breakeven_applied"`
	TrailingEnabled  bool      `json:"trailing_enabled"`
	TrailStop        float64   `json:"trail_stop"`
	RealizedPnL      float64   `json:"realized_pnl"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (TradeRecord) TableName() string { return "trades" }

// ChannelRecord 频道文档（配置以 JSON 保存）
type ChannelRecord struct {
	ID        string    `gorm:"primaryKey;size:100" json:"id"`
	Name      string    `gorm:"size:200" json:"name"`
	Account   string    `gorm:"size:100" json:"account"`
	Enabled   bool      `json:"enabled"`
	Document  string    `gorm:"type:text" json:"document"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChannelRecord) TableName() string { return "channels" }

// Setting 键值设置
type Setting struct {
	Key       string    `gorm:"primaryKey;size:150" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Setting) TableName() string { return "settings" }

// ProcessedMessage 已处理的频道消息
type ProcessedMessage struct {
	ChannelID string    `gorm:"primaryKey;size:100" json:"channel_id"`
	MessageID string    `gorm:"primaryKey;size:100" json:"message_id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ProcessedMessage) TableName() string { return "processed_messages" }

// ConfirmationRecord 待运维确认的修改指令
type ConfirmationRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	ChannelID string    `gorm:"index;size:100" json:"channel_id"`
	SignalID  string    `gorm:"size:64" json:"signal_id"`
	Category  string    `gorm:"size:40" json:"category"`
	Payload   string    `gorm:"type:text" json:"payload"` // JSON
	CreatedAt time.Time `json:"created_at"`
}

func (ConfirmationRecord) TableName() string { return "confirmations" }

// Reconciliation 对账记录
type Reconciliation struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Account     string    `gorm:"index:idx_account_time;size:100" json:"account"`
	TradeID     string    `gorm:"index;size:80" json:"trade_id"`
	SignalID    string    `gorm:"size:64" json:"signal_id"`
	Type        string    `gorm:"size:50" json:"type"` // filled, ticket, partial_close, closed, cancelled, stop
	LocalValue  string    `gorm:"type:text" json:"local_value"`
	RemoteValue string    `gorm:"type:text" json:"remote_value"`
	CreatedAt   time.Time `gorm:"index:idx_account_time" json:"created_at"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"`
	Source    string    `gorm:"index;size:30" json:"source"`
	Account   string    `gorm:"size:100" json:"account"`
	ChannelID string    `gorm:"size:100" json:"channel_id"`
	SignalID  string    `gorm:"index;size:64" json:"signal_id"`
	Symbol    string    `gorm:"size:32" json:"symbol"`
	Title     string    `gorm:"size:200" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// 过滤器

// ReconciliationFilter 对账记录过滤器
type ReconciliationFilter struct {
	Account   string
	TradeID   string
	Type      string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// EventFilter 事件过滤器
type EventFilter struct {
	Type      string
	Severity  string
	Source    string
	SignalID  string
	ChannelID string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// EventStats 事件统计
type EventStats struct {
	TotalCount       int            `json:"total_count"`
	CriticalCount    int            `json:"critical_count"`
	WarningCount     int            `json:"warning_count"`
	InfoCount        int            `json:"info_count"`
	Last24HoursCount int            `json:"last_24_hours_count"`
	CountByType      map[string]int `json:"count_by_type"`
	CountBySource    map[string]int `json:"count_by_source"`
}

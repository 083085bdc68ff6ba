package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		if err := ensureSQLiteDir(config.DSN); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&SignalRecord{},
		&TradeRecord{},
		&ChannelRecord{},
		&Setting{},
		&ConfirmationRecord{},
		&ProcessedMessage{},
		&Reconciliation{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// ensureSQLiteDir 文件型 SQLite 需要目录存在
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return nil
}

// upsert 按主键插入或覆盖全部字段
func upsert(tx *gorm.DB, value interface{}) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// SaveSignal 保存信号
func (g *GormDatabase) SaveSignal(ctx context.Context, s *SignalRecord) error {
	return upsert(g.db.WithContext(ctx), s)
}

// LoadSignals 加载全部信号
func (g *GormDatabase) LoadSignals(ctx context.Context) ([]*SignalRecord, error) {
	var signals []*SignalRecord
	if err := g.db.WithContext(ctx).Order("created_at ASC").Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}

// SaveTrades 在一个事务内保存一批交易
func (g *GormDatabase) SaveTrades(ctx context.Context, trades []*TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range trades {
			if err := upsert(tx, t); err != nil {
				return fmt.Errorf("save trade %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// LoadTrades 加载全部交易
func (g *GormDatabase) LoadTrades(ctx context.Context) ([]*TradeRecord, error) {
	var trades []*TradeRecord
	if err := g.db.WithContext(ctx).Order("created_at ASC, leg ASC").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// SaveChannel 保存频道文档
func (g *GormDatabase) SaveChannel(ctx context.Context, ch *ChannelRecord) error {
	ch.UpdatedAt = time.Now()
	return upsert(g.db.WithContext(ctx), ch)
}

// GetChannels 获取全部频道
func (g *GormDatabase) GetChannels(ctx context.Context) ([]*ChannelRecord, error) {
	var channels []*ChannelRecord
	if err := g.db.WithContext(ctx).Order("id ASC").Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// SaveSetting 保存设置
func (g *GormDatabase) SaveSetting(ctx context.Context, key, value string) error {
	return upsert(g.db.WithContext(ctx), &Setting{Key: key, Value: value, UpdatedAt: time.Now()})
}

// GetSetting 读取设置，不存在时第二个返回值为 false
func (g *GormDatabase) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var s Setting
	err := g.db.WithContext(ctx).Where(&Setting{Key: key}).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.Value, true, nil
}

// GetSettingsByPrefix 读取 key 以 prefix 开头的全部设置
func (g *GormDatabase) GetSettingsByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	var rows []Setting
	// LIKE 的通配符只会放宽匹配，结果再按前缀过滤
	like := clause.Like{Column: clause.Column{Name: "key"}, Value: prefix + "%"}
	if err := g.db.WithContext(ctx).Where(like).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if strings.HasPrefix(r.Key, prefix) {
			out[r.Key] = r.Value
		}
	}
	return out, nil
}

// MarkMessageProcessed 记录频道消息已处理，已存在时返回 false
func (g *GormDatabase) MarkMessageProcessed(ctx context.Context, channelID, messageID string) (bool, error) {
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ProcessedMessage{
		ChannelID: channelID,
		MessageID: messageID,
		CreatedAt: time.Now(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CleanupProcessedMessages 删除 before 之前的已处理消息记录
func (g *GormDatabase) CleanupProcessedMessages(ctx context.Context, before time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Where("created_at < ?", before).Delete(&ProcessedMessage{})
	return res.RowsAffected, res.Error
}

// SaveConfirmation 保存待确认指令
func (g *GormDatabase) SaveConfirmation(ctx context.Context, c *ConfirmationRecord) error {
	return upsert(g.db.WithContext(ctx), c)
}

// DeleteConfirmation 删除待确认指令
func (g *GormDatabase) DeleteConfirmation(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&ConfirmationRecord{}, "id = ?", id).Error
}

// LoadConfirmations 加载全部待确认指令
func (g *GormDatabase) LoadConfirmations(ctx context.Context) ([]*ConfirmationRecord, error) {
	var out []*ConfirmationRecord
	if err := g.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SaveReconciliation 保存对账记录
func (g *GormDatabase) SaveReconciliation(ctx context.Context, recon *Reconciliation) error {
	return g.db.WithContext(ctx).Create(recon).Error
}

// GetReconciliations 获取对账记录
func (g *GormDatabase) GetReconciliations(ctx context.Context, filter *ReconciliationFilter) ([]*Reconciliation, error) {
	query := g.db.WithContext(ctx).Model(&Reconciliation{})

	if filter.Account != "" {
		query = query.Where("account = ?", filter.Account)
	}
	if filter.TradeID != "" {
		query = query.Where("trade_id = ?", filter.TradeID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var recons []*Reconciliation
	if err := query.Find(&recons).Error; err != nil {
		return nil, err
	}

	return recons, nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// GetEvents 获取事件记录
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})

	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.SignalID != "" {
		query = query.Where("signal_id = ?", filter.SignalID)
	}
	if filter.ChannelID != "" {
		query = query.Where("channel_id = ?", filter.ChannelID)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC, id DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*EventRecord
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}

	return events, nil
}

// GetEventByID 根据ID获取事件
func (g *GormDatabase) GetEventByID(ctx context.Context, id int64) (*EventRecord, error) {
	var event EventRecord
	if err := g.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// GetEventStats 获取事件统计
func (g *GormDatabase) GetEventStats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{
		CountByType:   make(map[string]int),
		CountBySource: make(map[string]int),
	}
	db := g.db.WithContext(ctx)

	var totalCount int64
	if err := db.Model(&EventRecord{}).Count(&totalCount).Error; err != nil {
		return nil, err
	}
	stats.TotalCount = int(totalCount)

	// 按严重程度统计
	var severityStats []struct {
		Severity string
		Count    int
	}
	db.Model(&EventRecord{}).
		Select("severity, COUNT(*) as count").
		Group("severity").
		Scan(&severityStats)
	for _, s := range severityStats {
		switch s.Severity {
		case "critical":
			stats.CriticalCount = s.Count
		case "warning":
			stats.WarningCount = s.Count
		case "info":
			stats.InfoCount = s.Count
		}
	}

	// 最近24小时
	var last24hCount int64
	db.Model(&EventRecord{}).Where("created_at >= ?", time.Now().Add(-24*time.Hour)).Count(&last24hCount)
	stats.Last24HoursCount = int(last24hCount)

	// 按类型统计（top 20）
	var typeStats []struct {
		Type  string
		Count int
	}
	db.Model(&EventRecord{}).
		Select("type, COUNT(*) as count").
		Group("type").
		Order("count DESC").
		Limit(20).
		Scan(&typeStats)
	for _, ts := range typeStats {
		stats.CountByType[ts.Type] = ts.Count
	}

	// 按来源统计
	var sourceStats []struct {
		Source string
		Count  int
	}
	db.Model(&EventRecord{}).
		Select("source, COUNT(*) as count").
		Group("source").
		Scan(&sourceStats)
	for _, ss := range sourceStats {
		stats.CountBySource[ss.Source] = ss.Count
	}

	return stats, nil
}

// CleanupOldEvents 清理旧事件：先按天数，再按数量保留最新的 keepCount 条
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error {
	db := g.db.WithContext(ctx)
	if keepDays > 0 {
		cutoffDate := time.Now().AddDate(0, 0, -keepDays)
		if err := db.Where("severity = ? AND created_at < ?", severity, cutoffDate).
			Delete(&EventRecord{}).Error; err != nil {
			return err
		}
	}
	if keepCount <= 0 {
		return nil
	}

	var count int64
	db.Model(&EventRecord{}).Where("severity = ?", severity).Count(&count)
	if int(count) <= keepCount {
		return nil
	}

	// 第 keepCount+1 新的记录及更早的全部删除
	var ids []int64
	if err := db.Model(&EventRecord{}).
		Where("severity = ?", severity).
		Order("id DESC").
		Offset(keepCount).
		Limit(1).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return db.Where("severity = ? AND id <= ?", severity, ids[0]).Delete(&EventRecord{}).Error
}

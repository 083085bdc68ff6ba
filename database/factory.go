package database

import (
	"fmt"
	"time"

	"signalcopier/config"
	"signalcopier/logger"
)

// Config 数据库配置
type Config struct {
	Type            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// ConfigFrom 从系统配置的 database 段生成数据库配置
func ConfigFrom(cfg *config.Config) *Config {
	c := &Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	}
	// SQLite 单写者
	if c.Type == "sqlite" && c.MaxOpenConns == 0 {
		c.MaxOpenConns = 1
	}
	return c
}

// NewDatabase 根据配置创建数据库实例
func NewDatabase(config *Config) (Database, error) {
	dbConfig := &DBConfig{
		Type:            config.Type,
		DSN:             config.DSN,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		LogLevel:        config.LogLevel,
	}

	switch config.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
		db, err := NewGormDatabase(dbConfig)
		if err != nil {
			return nil, err
		}
		logger.Info("✅ [database] 数据库已连接 (%s)", config.Type)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

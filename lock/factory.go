package lock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 实体锁配置
type Config struct {
	Enabled    bool
	Type       string
	Prefix     string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewDistributedLock 根据配置创建锁实例
// 未启用分布式锁时返回进程内锁（单实例模式仍需按实体串行）
func NewDistributedLock(config *Config) (DistributedLock, error) {
	if config == nil || !config.Enabled {
		return NewLocalLock(), nil
	}

	switch config.Type {
	case "", "local":
		return NewLocalLock(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})

		prefix := config.Prefix
		if prefix == "" {
			prefix = "signalcopier:lock:"
		}
		return NewRedisLock(client, prefix), nil

	case "nop":
		return NewNopLock(), nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"signalcopier/classifier"
)

// 多止盈执行模式
const (
	LegModeSplit         = "split"          // 引擎拆单：每个止盈一张单
	LegModeBridgeManaged = "bridge_managed" // 单张订单，后续由桥接端分批平仓
)

// BreakevenRule 保本规则
type BreakevenRule struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	TriggerTarget int     `yaml:"trigger_target" json:"trigger_target" validate:"gte=0,lte=10"` // 价格到达第几个止盈后触发（从1开始）
	OffsetPips    float64 `yaml:"offset_pips" json:"offset_pips" validate:"gte=0"`              // 保本偏移（点）
}

// TrailingRule 移动止损规则
type TrailingRule struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	ActivationPips float64 `yaml:"activation_pips" json:"activation_pips" validate:"gte=0"` // 盈利超过多少点后启动
	DistancePips   float64 `yaml:"distance_pips" json:"distance_pips" validate:"gte=0"`     // 止损与价格的距离（点）
	StepPips       float64 `yaml:"step_pips" json:"step_pips" validate:"gte=0"`             // 每次至少收紧多少点
}

// MultiTPConfig 多止盈配置
type MultiTPConfig struct {
	Enabled bool      `yaml:"enabled" json:"enabled"`
	Mode    string    `yaml:"mode" json:"mode" validate:"omitempty,oneof=split bridge_managed"`
	Splits  []float64 `yaml:"splits" json:"splits" validate:"dive,gt=0,lte=100"` // 各止盈仓位百分比，合计100
}

// TradingWindow 允许开新仓的时间窗口（配置时区）
type TradingWindow struct {
	Days      []string `yaml:"days" json:"days"` // mon,tue,...；为空表示每天
	StartHour int      `yaml:"start_hour" json:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int      `yaml:"end_hour" json:"end_hour" validate:"gte=0,lte=24"`
}

// CircuitBreakerRule 日内盈亏熔断
type CircuitBreakerRule struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	MaxDailyLoss   float64 `yaml:"max_daily_loss" json:"max_daily_loss" validate:"gte=0"`
	MaxDailyProfit float64 `yaml:"max_daily_profit" json:"max_daily_profit" validate:"gte=0"`
}

// RuleSet 交易管理规则集
type RuleSet struct {
	Breakeven      BreakevenRule      `yaml:"breakeven" json:"breakeven"`
	Trailing       TrailingRule       `yaml:"trailing" json:"trailing"`
	MultiTP        MultiTPConfig      `yaml:"multi_tp" json:"multi_tp"`
	TradingWindows []TradingWindow    `yaml:"trading_windows" json:"trading_windows" validate:"dive"`
	CircuitBreaker CircuitBreakerRule `yaml:"circuit_breaker" json:"circuit_breaker"`
	PipSizes       map[string]float64 `yaml:"pip_sizes" json:"pip_sizes"`
}

// LegMode 返回生效的多止盈执行模式
func (r RuleSet) LegMode() string {
	if !r.MultiTP.Enabled || r.MultiTP.Mode == "" {
		return LegModeBridgeManaged
	}
	return r.MultiTP.Mode
}

// AccountConfig 交易账户配置
type AccountConfig struct {
	ID    string   `yaml:"id" validate:"required"`
	Rules *RuleSet `yaml:"rules"` // 为空则使用全局规则
}

// ChannelConfig 信号频道配置
type ChannelConfig struct {
	ID                       string              `yaml:"id" json:"id" validate:"required"`
	Name                     string              `yaml:"name" json:"name"`
	Account                  string              `yaml:"account" json:"account"`
	Enabled                  bool                `yaml:"enabled" json:"enabled"`
	AutoApply                bool                `yaml:"auto_apply" json:"auto_apply"`
	DetectRepliesOnly        bool                `yaml:"detect_replies_only" json:"detect_replies_only"`
	DuplicateSuppression     bool                `yaml:"duplicate_suppression" json:"duplicate_suppression"`
	DuplicateTolerancePips   float64             `yaml:"duplicate_tolerance_pips" json:"duplicate_tolerance_pips" validate:"gte=0"`
	ConfirmCategories        []string            `yaml:"confirm_categories" json:"confirm_categories"`
	DeleteAllIncludesPartial bool                `yaml:"delete_all_includes_partial" json:"delete_all_includes_partial"`
	Keywords                 map[string][]string `yaml:"keywords" json:"keywords"`
}

// Config 信号复制系统配置
type Config struct {
	System struct {
		LogLevel            string `yaml:"log_level"`
		LogDir              string `yaml:"log_dir"`
		Timezone            string `yaml:"timezone"`
		LogLanguage         string `yaml:"log_language"`
		TradingDayStartHour int    `yaml:"trading_day_start_hour" validate:"gte=0,lte=23"`
		InstanceID          string `yaml:"instance_id"`
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type" validate:"omitempty,oneof=sqlite postgres postgresql mysql"`
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
		LogLevel        string `yaml:"log_level"`
	} `yaml:"database"`

	// 实体锁配置（多实例部署时使用 Redis）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`
		Type       string `yaml:"type" validate:"omitempty,oneof=local redis nop"`
		Prefix     string `yaml:"prefix"`
		DefaultTTL int    `yaml:"default_ttl"` // 秒

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 投递队列日志（崩溃恢复）
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	// 执行桥接
	Bridge struct {
		Type           string `yaml:"type" validate:"omitempty,oneof=paper websocket"`
		URL            string `yaml:"url"`
		Token          string `yaml:"token"`
		ReconnectDelay int    `yaml:"reconnect_delay"` // 秒
	} `yaml:"bridge"`

	Delivery struct {
		MaxAttempts     int     `yaml:"max_attempts" validate:"gte=0,lte=20"`
		AckTimeoutMs    int     `yaml:"ack_timeout_ms" validate:"gte=0"`
		BackoffMinMs    int     `yaml:"backoff_min_ms" validate:"gte=0"`
		BackoffMaxMs    int     `yaml:"backoff_max_ms" validate:"gte=0"`
		RateLimit       float64 `yaml:"rate_limit" validate:"gte=0"` // 每秒最多投递条数
		Burst           int     `yaml:"burst" validate:"gte=0"`
		SweepIntervalMs int     `yaml:"sweep_interval_ms" validate:"gte=0"`
	} `yaml:"delivery"`

	Scheduler struct {
		Interval          int `yaml:"interval"`           // 秒
		ReconcileInterval int `yaml:"reconcile_interval"` // 秒，0 表示不对账
	} `yaml:"scheduler"`

	Rules    RuleSet         `yaml:"rules"`
	Accounts []AccountConfig `yaml:"accounts" validate:"dive"`
	Channels []ChannelConfig `yaml:"channels" validate:"dive"`

	Notifications struct {
		Enabled     bool   `yaml:"enabled"`
		MinSeverity string `yaml:"min_severity" validate:"omitempty,oneof=info warning critical"`

		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   int64  `yaml:"chat_id"`
		} `yaml:"telegram"`

		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Timeout int    `yaml:"timeout"` // 秒
		} `yaml:"webhook"`
	} `yaml:"notifications"`

	Ingest struct {
		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			Timeout  int    `yaml:"timeout"` // 长轮询超时（秒）
		} `yaml:"telegram"`
	} `yaml:"ingest"`

	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
		Token   string `yaml:"token"` // 运维接口令牌，为空则不校验
	} `yaml:"web"`
}

var validate = validator.New()

// LoadConfig 加载配置文件
// 同目录下的 .env 会先被加载，配置中的 ${VAR} 从环境变量展开
func LoadConfig(configPath string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}

	return nil
}

// Validate 校验配置并填充默认值
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.LogLanguage == "" {
		c.System.LogLanguage = "en-US"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Type == "sqlite" {
		c.Database.DSN = "./data/signalcopier.db"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	if c.DistributedLock.Type == "" {
		c.DistributedLock.Type = "local"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 5
	}
	if c.DistributedLock.Enabled && c.DistributedLock.Type == "redis" && c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}

	if c.Journal.Path == "" {
		c.Journal.Path = "./data/delivery_journal.db"
	}

	if c.Bridge.Type == "" {
		c.Bridge.Type = "paper"
	}
	if c.Bridge.Type == "websocket" && c.Bridge.URL == "" {
		return fmt.Errorf("websocket 桥接必须配置 bridge.url")
	}
	if c.Bridge.ReconnectDelay <= 0 {
		c.Bridge.ReconnectDelay = 5
	}

	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Delivery.AckTimeoutMs <= 0 {
		c.Delivery.AckTimeoutMs = 10000
	}
	if c.Delivery.BackoffMinMs <= 0 {
		c.Delivery.BackoffMinMs = 500
	}
	if c.Delivery.BackoffMaxMs <= 0 {
		c.Delivery.BackoffMaxMs = 30000
	}
	if c.Delivery.BackoffMaxMs < c.Delivery.BackoffMinMs {
		return fmt.Errorf("delivery.backoff_max_ms 不能小于 backoff_min_ms")
	}
	if c.Delivery.RateLimit <= 0 {
		c.Delivery.RateLimit = 10
	}
	if c.Delivery.Burst <= 0 {
		c.Delivery.Burst = 5
	}
	if c.Delivery.SweepIntervalMs <= 0 {
		c.Delivery.SweepIntervalMs = 200
	}

	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = 1
	}

	if err := c.Rules.validate("rules"); err != nil {
		return err
	}

	accounts := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if accounts[acc.ID] {
			return fmt.Errorf("账户 %s 重复配置", acc.ID)
		}
		accounts[acc.ID] = true
		if acc.Rules != nil {
			if err := acc.Rules.validate("accounts." + acc.ID + ".rules"); err != nil {
				return err
			}
		}
	}

	channels := make(map[string]bool)
	for i := range c.Channels {
		ch := &c.Channels[i]
		if channels[ch.ID] {
			return fmt.Errorf("频道 %s 重复配置", ch.ID)
		}
		channels[ch.ID] = true

		if ch.Account == "" {
			ch.Account = "default"
		}
		if len(c.Accounts) > 0 && ch.Account != "default" && !accounts[ch.Account] {
			return fmt.Errorf("频道 %s 引用了不存在的账户 %s", ch.ID, ch.Account)
		}
		for name := range ch.Keywords {
			if _, err := classifier.ParseCategory(name); err != nil {
				return fmt.Errorf("频道 %s 关键词配置错误: %w", ch.ID, err)
			}
		}
		for _, name := range ch.ConfirmCategories {
			if _, err := classifier.ParseCategory(name); err != nil {
				return fmt.Errorf("频道 %s 确认类别配置错误: %w", ch.ID, err)
			}
		}
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = "warning"
	}
	if c.Notifications.Webhook.Timeout <= 0 {
		c.Notifications.Webhook.Timeout = 3
	}
	if c.Ingest.Telegram.Timeout <= 0 {
		c.Ingest.Telegram.Timeout = 60
	}

	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 28890
	}

	return nil
}

// validate 规则集交叉校验
func (r *RuleSet) validate(path string) error {
	if r.MultiTP.Enabled {
		if len(r.MultiTP.Splits) == 0 {
			return fmt.Errorf("%s.multi_tp.splits 不能为空", path)
		}
		total := 0.0
		for _, p := range r.MultiTP.Splits {
			total += p
		}
		if total < 99.99 || total > 100.01 {
			return fmt.Errorf("%s.multi_tp.splits 合计必须为100，当前 %.2f", path, total)
		}
	}
	if r.Breakeven.Enabled && r.Breakeven.TriggerTarget <= 0 {
		r.Breakeven.TriggerTarget = 1
	}
	if r.Trailing.Enabled && r.Trailing.DistancePips <= 0 {
		return fmt.Errorf("%s.trailing.distance_pips 必须大于0", path)
	}
	for i, w := range r.TradingWindows {
		if w.EndHour <= w.StartHour {
			return fmt.Errorf("%s.trading_windows[%d] 结束时间必须晚于开始时间", path, i)
		}
		for _, d := range w.Days {
			if !isWeekday(d) {
				return fmt.Errorf("%s.trading_windows[%d] 无效的星期: %s", path, i, d)
			}
		}
	}
	return nil
}

func isWeekday(d string) bool {
	switch strings.ToLower(d) {
	case "mon", "tue", "wed", "thu", "fri", "sat", "sun":
		return true
	}
	return false
}

// RulesFor 返回账户生效的规则集
func (c *Config) RulesFor(account string) RuleSet {
	for _, acc := range c.Accounts {
		if acc.ID == account && acc.Rules != nil {
			return *acc.Rules
		}
	}
	return c.Rules
}

// Channel 按ID查找频道配置
func (c *Config) Channel(id string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

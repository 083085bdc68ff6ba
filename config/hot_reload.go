package config

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// HotReloader 配置热更新器
type HotReloader struct {
	mu              sync.RWMutex
	currentConfig   *Config
	updateCallbacks []ConfigUpdateCallback
}

// ConfigUpdateCallback 配置更新回调函数类型
type ConfigUpdateCallback func(oldConfig, newConfig *Config, changes []ConfigChange) error

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// UpdateConfig 更新配置（热更新）
// 需要重启的配置段保持旧值，其余部分立即生效
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)
	if len(diff.Changes) == 0 {
		return diff, nil
	}

	hotChanges := make([]ConfigChange, 0, len(diff.Changes))
	for _, change := range diff.Changes {
		if !change.RequiresRestart {
			hotChanges = append(hotChanges, change)
		}
	}

	applied := newConfig
	if diff.RequiresRestart {
		merged, err := mergeHotSections(hr.currentConfig, newConfig)
		if err != nil {
			return nil, err
		}
		applied = merged
	}

	if len(hotChanges) > 0 {
		for _, callback := range hr.updateCallbacks {
			if err := callback(hr.currentConfig, applied, hotChanges); err != nil {
				return nil, fmt.Errorf("配置更新回调执行失败: %w", err)
			}
		}
	}

	hr.currentConfig = applied
	return diff, nil
}

// GetCurrentConfig 获取当前配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}

// mergeHotSections 以旧配置为底，复制可热更新的配置段
func mergeHotSections(oldConfig, newConfig *Config) (*Config, error) {
	result, err := cloneConfig(oldConfig)
	if err != nil {
		return nil, err
	}
	result.System.LogLevel = newConfig.System.LogLevel
	result.System.LogLanguage = newConfig.System.LogLanguage
	result.System.TradingDayStartHour = newConfig.System.TradingDayStartHour
	result.Scheduler = newConfig.Scheduler
	result.Rules = newConfig.Rules
	result.Accounts = newConfig.Accounts
	result.Channels = newConfig.Channels
	result.Notifications.Enabled = newConfig.Notifications.Enabled
	result.Notifications.MinSeverity = newConfig.Notifications.MinSeverity
	result.Notifications.Telegram.Enabled = newConfig.Notifications.Telegram.Enabled
	result.Notifications.Telegram.ChatID = newConfig.Notifications.Telegram.ChatID
	result.Notifications.Webhook = newConfig.Notifications.Webhook
	result.Web.Token = newConfig.Web.Token
	return result, nil
}

// cloneConfig 通过 yaml 序列化深度复制配置
func cloneConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("复制配置失败: %w", err)
	}
	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("复制配置失败: %w", err)
	}
	return &out, nil
}

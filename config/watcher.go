package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher 配置文件监控器
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	hotReloader *HotReloader
	mu          sync.Mutex
	isWatching  bool
	lastModTime time.Time
	restartChan chan *ConfigDiff
	errorChan   chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, hotReloader *HotReloader) (*ConfigWatcher, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	var lastModTime time.Time
	if info, err := os.Stat(absPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:  absPath,
		watcher:     watcher,
		hotReloader: hotReloader,
		lastModTime: lastModTime,
		restartChan: make(chan *ConfigDiff, 1),
		errorChan:   make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}
	// 监控目录而不是文件，编辑器的原子替换也能捕获
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}
	cw.isWatching = true

	go cw.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return nil
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	// 修改时间轮询作为 fsnotify 的备用机制
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == cw.configPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// 等待写入完成
				time.Sleep(100 * time.Millisecond)
				cw.Reload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(err)

		case <-ticker.C:
			cw.mu.Lock()
			last := cw.lastModTime
			cw.mu.Unlock()
			if info, err := os.Stat(cw.configPath); err == nil && info.ModTime().After(last) {
				cw.Reload()
			}
		}
	}
}

// Reload 立即重新加载配置文件（文件未变化时跳过）
func (cw *ConfigWatcher) Reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := os.Stat(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("获取文件信息失败: %w", err))
		return
	}
	if !info.ModTime().After(cw.lastModTime) {
		return
	}
	cw.lastModTime = info.ModTime()

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}

	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}

	if diff.RequiresRestart {
		select {
		case cw.restartChan <- diff:
		default:
		}
	}
}

func (cw *ConfigWatcher) reportError(err error) {
	select {
	case cw.errorChan <- err:
	default:
	}
}

// RestartChan 需要重启才能生效的变更
func (cw *ConfigWatcher) RestartChan() <-chan *ConfigDiff {
	return cw.restartChan
}

// ErrorChan 监控错误
func (cw *ConfigWatcher) ErrorChan() <-chan error {
	return cw.errorChan
}

package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"signalcopier/logger"
)

// SystemSnapshot 进程资源快照
type SystemSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSMB      float64   `json:"rss_mb"`
	Goroutines int       `json:"goroutines"`
	HeapAlloc  uint64    `json:"heap_alloc"`
}

// SystemMetricsCollector 系统指标采集器
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	proc     *process.Process
	lastGC   uint32
}

// NewSystemMetricsCollector 创建系统指标采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	smc := &SystemMetricsCollector{pm: GetPrometheusMetrics(), interval: interval}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		smc.proc = p
	} else {
		logger.Warn("⚠️ [metrics] 获取进程信息失败，只采集运行时指标: %v", err)
	}
	return smc
}

// Start 启动采集，ctx 结束时退出
func (smc *SystemMetricsCollector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(smc.interval)
		defer ticker.Stop()

		smc.Collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				smc.Collect()
			}
		}
	}()
}

// Collect 采集一次并更新指标
func (smc *SystemMetricsCollector) Collect() SystemSnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := SystemSnapshot{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.Alloc,
	}
	smc.pm.SetGoroutineCount(snap.Goroutines)
	smc.pm.SetMemoryAlloc(m.Alloc)

	// PauseNs 是循环缓冲区，最近一次停顿在 (NumGC+255)%256
	if m.NumGC > smc.lastGC {
		smc.lastGC = m.NumGC
		if pause := m.PauseNs[(m.NumGC+255)%256]; pause > 0 {
			smc.pm.RecordGCPause(time.Duration(pause))
		}
	}

	if smc.proc != nil {
		cpu, cpuErr := smc.proc.CPUPercent()
		memInfo, memErr := smc.proc.MemoryInfo()
		if cpuErr == nil && memErr == nil {
			snap.CPUPercent = cpu
			snap.RSSMB = float64(memInfo.RSS) / 1024 / 1024
			smc.pm.SetProcessStats(snap.CPUPercent, snap.RSSMB)
		} else {
			logger.Debug("[metrics] 进程指标采集失败: %v", fmt.Errorf("cpu=%v mem=%v", cpuErr, memErr))
		}
	}
	return snap
}

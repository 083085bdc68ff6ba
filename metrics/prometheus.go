package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 信号指标
	signalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_signal_total",
			Help: "Total number of new-signal messages by outcome",
		},
		[]string{"channel", "result"},
	)

	// 修改指令指标
	intentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_intent_total",
			Help: "Total number of modification intents by category and outcome",
		},
		[]string{"channel", "category", "result"},
	)

	ambiguousTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_classification_ambiguous_total",
			Help: "Total number of messages that matched conflicting categories",
		},
		[]string{"channel"},
	)

	// 投递队列指标
	deliveryEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_delivery_enqueued_total",
			Help: "Total number of instructions enqueued",
		},
		[]string{"kind"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_delivery_attempts_total",
			Help: "Total number of dispatch attempts by result",
		},
		[]string{"kind", "result"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalcopier_delivery_duration_seconds",
			Help:    "Dispatch round-trip duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"kind"},
	)

	deliveryQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalcopier_delivery_queue_depth",
			Help: "Number of undelivered entries per account",
		},
		[]string{"account"},
	)

	// 交易管理指标
	schedulerFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_scheduler_rule_fired_total",
			Help: "Total number of management rules fired",
		},
		[]string{"rule"},
	)

	openTrades = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcopier_open_trades",
			Help: "Number of trades holding a position",
		},
	)

	circuitBreaker = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalcopier_circuit_breaker_tripped",
			Help: "Circuit breaker state per account (1 = tripped)",
		},
		[]string{"account"},
	)

	dailyPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalcopier_daily_realized_pnl",
			Help: "Realized profit and loss of the current trading day",
		},
		[]string{"account"},
	)

	// 对账指标
	reconciliationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_reconciliation_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"account"},
	)

	reconciliationRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_reconciliation_repair_total",
			Help: "Total number of repair transitions applied",
		},
		[]string{"account", "type"},
	)

	// 锁指标
	lockAcquire = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_lock_acquire_total",
			Help: "Total number of entity lock acquisitions",
		},
		[]string{"scope", "status"},
	)

	// 桥接连接指标
	bridgeStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalcopier_bridge_connected",
			Help: "Bridge connection status (1 = connected)",
		},
		[]string{"bridge"},
	)

	bridgeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcopier_bridge_reconnect_total",
			Help: "Total number of bridge reconnects",
		},
		[]string{"bridge"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcopier_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryAlloc = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcopier_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	gcPause = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signalcopier_gc_pause_seconds",
			Help:    "Most recent GC pause duration",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
	)

	processCPU = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcopier_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcopier_process_rss_mb",
			Help: "Process resident memory in MB",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// RecordSignal 记录新信号处理结果
func (pm *PrometheusMetrics) RecordSignal(channel, result string) {
	signalTotal.WithLabelValues(channel, result).Inc()
}

// RecordIntent 记录修改指令处理结果
func (pm *PrometheusMetrics) RecordIntent(channel, category, result string) {
	intentTotal.WithLabelValues(channel, category, result).Inc()
}

// RecordAmbiguous 记录分类冲突
func (pm *PrometheusMetrics) RecordAmbiguous(channel string) {
	ambiguousTotal.WithLabelValues(channel).Inc()
}

// RecordEnqueue 记录入队
func (pm *PrometheusMetrics) RecordEnqueue(kind string) {
	deliveryEnqueued.WithLabelValues(kind).Inc()
}

// RecordDeliveryAttempt 记录一次投递尝试
func (pm *PrometheusMetrics) RecordDeliveryAttempt(kind, result string, duration time.Duration) {
	deliveryAttempts.WithLabelValues(kind, result).Inc()
	deliveryDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueueDepth 设置账户队列深度
func (pm *PrometheusMetrics) SetQueueDepth(account string, depth int) {
	deliveryQueueDepth.WithLabelValues(account).Set(float64(depth))
}

// RecordRuleFired 记录交易管理规则触发
func (pm *PrometheusMetrics) RecordRuleFired(rule string) {
	schedulerFired.WithLabelValues(rule).Inc()
}

// SetOpenTrades 设置持仓交易数
func (pm *PrometheusMetrics) SetOpenTrades(count int) {
	openTrades.Set(float64(count))
}

// SetCircuitBreaker 设置熔断状态
func (pm *PrometheusMetrics) SetCircuitBreaker(account string, tripped bool) {
	v := 0.0
	if tripped {
		v = 1
	}
	circuitBreaker.WithLabelValues(account).Set(v)
}

// SetDailyPnL 设置当日已实现盈亏
func (pm *PrometheusMetrics) SetDailyPnL(account string, pnl float64) {
	dailyPnL.WithLabelValues(account).Set(pnl)
}

// RecordReconciliation 记录对账
func (pm *PrometheusMetrics) RecordReconciliation(account string) {
	reconciliationTotal.WithLabelValues(account).Inc()
}

// RecordReconciliationRepair 记录修复迁移
func (pm *PrometheusMetrics) RecordReconciliationRepair(account, repairType string) {
	reconciliationRepairs.WithLabelValues(account, repairType).Inc()
}

// RecordLockAcquire 记录锁获取
func (pm *PrometheusMetrics) RecordLockAcquire(scope, status string) {
	lockAcquire.WithLabelValues(scope, status).Inc()
}

// SetBridgeStatus 设置桥接连接状态
func (pm *PrometheusMetrics) SetBridgeStatus(bridge string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	bridgeStatus.WithLabelValues(bridge).Set(v)
}

// RecordBridgeReconnect 记录桥接重连
func (pm *PrometheusMetrics) RecordBridgeReconnect(bridge string) {
	bridgeReconnects.WithLabelValues(bridge).Inc()
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置堆内存
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAlloc.Set(float64(bytes))
}

// RecordGCPause 记录 GC 停顿
func (pm *PrometheusMetrics) RecordGCPause(d time.Duration) {
	gcPause.Observe(d.Seconds())
}

// SetProcessStats 设置进程 CPU 与内存
func (pm *PrometheusMetrics) SetProcessStats(cpuPercent, rssMB float64) {
	processCPU.Set(cpuPercent)
	processRSS.Set(rssMB)
}

var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}

package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"signalcopier/config"
	"signalcopier/delivery"
	"signalcopier/engine"
	"signalcopier/ledger"
	"signalcopier/logger"
	"signalcopier/registry"
	"signalcopier/resolver"
	"signalcopier/safety"
)

// Operator 运维操作（engine.Engine 实现）
type Operator interface {
	Confirmations() []engine.Confirmation
	Confirm(ctx context.Context, id string) ([]uint64, error)
	Discard(ctx context.Context, id string) error
	ResetDelivery(ctx context.Context, signalID string, resend bool) (*registry.Signal, []uint64, error)
}

// SignalProvider 信号查询
type SignalProvider interface {
	Get(id string) (*registry.Signal, bool)
	List(f registry.Filter) []*registry.Signal
}

// TradeProvider 交易查询
type TradeProvider interface {
	ForSignal(signalID string) []*ledger.Trade
}

// DeliveryProvider 投递队列查询
type DeliveryProvider interface {
	Failed() []delivery.Entry
	Pending() []delivery.Entry
}

// BreakerProvider 熔断状态查询
type BreakerProvider interface {
	States() []safety.BreakerState
}

// Providers Web 接口依赖，由 main 注入；未设置的接口返回 503
type Providers struct {
	Operator   Operator
	Signals    SignalProvider
	Trades     TradeProvider
	Deliveries DeliveryProvider
	Breakers   BreakerProvider
	Events     EventProvider
	System     SystemMetricsProvider
	Logs       LogProvider
	LogStream  LogStreamer
	History    HistoryProvider
	Hub        *EventHub
	Config     func() *config.Config
	Health     func(ctx context.Context) error
}

var (
	providersMu sync.RWMutex
	providers   Providers
)

// SetProviders 设置 Web 接口依赖
func SetProviders(p Providers) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers = p
}

func getProviders() Providers {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return providers
}

// respondError 统一错误响应，message 按请求语言翻译
func respondError(c *gin.Context, status int, key string, errs ...error) {
	body := gin.H{"code": key, "error": T(c, key)}
	if len(errs) > 0 && errs[0] != nil {
		body["detail"] = errs[0].Error()
	}
	c.JSON(status, body)
}

func unavailable(c *gin.Context) {
	respondError(c, http.StatusServiceUnavailable, "errors.service_unavailable")
}

// operationStatus 运维操作错误对应的 HTTP 状态码
func operationStatus(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, engine.ErrConfirmationNotFound):
		return http.StatusNotFound, "errors.not_found"
	case errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, registry.ErrAlreadyDelivered):
		return http.StatusConflict, "errors.invalid_state"
	case errors.Is(err, resolver.ErrUnresolvableModification):
		return http.StatusUnprocessableEntity, "errors.unresolvable"
	}
	return http.StatusInternalServerError, "errors.operation_failed"
}

func handleHealth(c *gin.Context) {
	p := getProviders()
	if p.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := p.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListSignals 信号列表
// 查询参数: channel_id, symbol, status, open=true, limit
func handleListSignals(c *gin.Context) {
	p := getProviders()
	if p.Signals == nil {
		unavailable(c)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	signals := p.Signals.List(registry.Filter{
		ChannelID: c.Query("channel_id"),
		Symbol:    c.Query("symbol"),
		Status:    registry.Status(c.Query("status")),
		OpenOnly:  c.Query("open") == "true",
		Limit:     limit,
	})
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

// handleGetSignal 信号详情及其交易
func handleGetSignal(c *gin.Context) {
	p := getProviders()
	if p.Signals == nil {
		unavailable(c)
		return
	}
	sig, ok := p.Signals.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "errors.not_found")
		return
	}
	var trades []*ledger.Trade
	if p.Trades != nil {
		trades = p.Trades.ForSignal(sig.ID)
	}
	c.JSON(http.StatusOK, gin.H{"signal": sig, "trades": trades})
}

// handleResetDelivery 运维覆盖：清除投递标记，resend=true 时重新投递
func handleResetDelivery(c *gin.Context) {
	p := getProviders()
	if p.Operator == nil {
		unavailable(c)
		return
	}
	id := c.Param("id")
	resend := c.Query("resend") == "true"

	sig, seqs, err := p.Operator.ResetDelivery(c.Request.Context(), id, resend)
	if err != nil {
		status, key := operationStatus(err)
		logger.Warn("⚠️ [web] 重置信号 %s 投递标记失败: %v", id, err)
		respondError(c, status, key, err)
		return
	}
	logger.Warn("🔓 [web] 运维重置信号 %s 投递标记 (resend=%v)", id, resend)
	c.JSON(http.StatusOK, gin.H{"signal": sig, "enqueued": seqs})
}

func handleFailedDeliveries(c *gin.Context) {
	p := getProviders()
	if p.Deliveries == nil {
		unavailable(c)
		return
	}
	entries := p.Deliveries.Failed()
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func handlePendingDeliveries(c *gin.Context) {
	p := getProviders()
	if p.Deliveries == nil {
		unavailable(c)
		return
	}
	entries := p.Deliveries.Pending()
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func handleListConfirmations(c *gin.Context) {
	p := getProviders()
	if p.Operator == nil {
		unavailable(c)
		return
	}
	list := p.Operator.Confirmations()
	c.JSON(http.StatusOK, gin.H{"confirmations": list, "count": len(list)})
}

func handleConfirm(c *gin.Context) {
	p := getProviders()
	if p.Operator == nil {
		unavailable(c)
		return
	}
	id := c.Param("id")
	seqs, err := p.Operator.Confirm(c.Request.Context(), id)
	if err != nil {
		status, key := operationStatus(err)
		respondError(c, status, key, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enqueued": seqs})
}

func handleDiscard(c *gin.Context) {
	p := getProviders()
	if p.Operator == nil {
		unavailable(c)
		return
	}
	id := c.Param("id")
	if err := p.Operator.Discard(c.Request.Context(), id); err != nil {
		status, key := operationStatus(err)
		respondError(c, status, key, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "discarded": true})
}

// handleListChannels 当前生效的频道配置
func handleListChannels(c *gin.Context) {
	p := getProviders()
	if p.Config == nil {
		unavailable(c)
		return
	}
	cfg := p.Config()
	if cfg == nil {
		unavailable(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": cfg.Channels, "count": len(cfg.Channels)})
}

func handleListBreakers(c *gin.Context) {
	p := getProviders()
	if p.Breakers == nil {
		unavailable(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": p.Breakers.States()})
}

package web

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes 设置路由
// token 为空时运维接口不校验令牌
func SetupRoutes(r *gin.Engine, token string) {
	// 健康检查与 Prometheus 抓取不需要认证
	r.GET("/healthz", handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(tokenMiddleware(token))
	{
		signals := api.Group("/signals")
		{
			signals.GET("", handleListSignals)
			signals.GET("/:id", handleGetSignal)
			signals.POST("/:id/reset-delivery", handleResetDelivery)
		}

		deliveries := api.Group("/deliveries")
		{
			deliveries.GET("/failed", handleFailedDeliveries)
			deliveries.GET("/pending", handlePendingDeliveries)
			deliveries.GET("/:seq/history", handleDeliveryHistory)
		}

		confirmations := api.Group("/confirmations")
		{
			confirmations.GET("", handleListConfirmations)
			confirmations.POST("/:id/confirm", handleConfirm)
			confirmations.POST("/:id/discard", handleDiscard)
		}

		api.GET("/channels", handleListChannels)
		api.GET("/breakers", handleListBreakers)
		api.GET("/system/metrics", handleSystemMetrics)
		api.GET("/logs", handleGetLogs)

		registerEventRoutes(api)
	}

	// 事件实时推送
	r.GET("/ws/events", tokenMiddleware(token), handleEventStream)
	r.GET("/ws/logs", tokenMiddleware(token), handleLogStream)
}

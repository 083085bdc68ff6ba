package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"signalcopier/metrics"
)

// SystemMetricsProvider 进程资源快照（metrics.SystemMetricsCollector 实现）
type SystemMetricsProvider interface {
	Collect() metrics.SystemSnapshot
}

func handleSystemMetrics(c *gin.Context) {
	p := getProviders()
	if p.System == nil {
		unavailable(c)
		return
	}
	c.JSON(http.StatusOK, p.System.Collect())
}

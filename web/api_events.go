package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signalcopier/database"
	"signalcopier/logger"
)

// EventProvider 事件数据提供者接口
type EventProvider interface {
	GetEvents(ctx context.Context, filter *database.EventFilter) ([]*database.EventRecord, error)
	GetEventByID(ctx context.Context, id int64) (*database.EventRecord, error)
	GetEventStats(ctx context.Context) (*database.EventStats, error)
}

// handleGetEvents 获取事件列表
// 查询参数: type, severity, source, signal_id, channel_id, start_time, end_time (RFC3339), limit, offset
func handleGetEvents(c *gin.Context) {
	p := getProviders()
	if p.Events == nil {
		respondError(c, http.StatusServiceUnavailable, "errors.event_service_unavailable")
		return
	}

	filter := &database.EventFilter{
		Type:      c.Query("type"),
		Severity:  c.Query("severity"),
		Source:    c.Query("source"),
		SignalID:  c.Query("signal_id"),
		ChannelID: c.Query("channel_id"),
	}

	if startTimeStr := c.Query("start_time"); startTimeStr != "" {
		if t, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			filter.StartTime = &t
		}
	}
	if endTimeStr := c.Query("end_time"); endTimeStr != "" {
		if t, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			filter.EndTime = &t
		}
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter.Limit = limit
	filter.Offset = offset

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	events, err := p.Events.GetEvents(ctx, filter)
	if err != nil {
		logger.Error("❌ [web] 查询事件失败: %v", err)
		respondError(c, http.StatusInternalServerError, "errors.query_events_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleGetEventDetail 获取事件详情
func handleGetEventDetail(c *gin.Context) {
	p := getProviders()
	if p.Events == nil {
		respondError(c, http.StatusServiceUnavailable, "errors.event_service_unavailable")
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "errors.invalid_event_id")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	evt, err := p.Events.GetEventByID(ctx, id)
	if err != nil {
		respondError(c, http.StatusNotFound, "errors.event_not_found")
		return
	}

	c.JSON(http.StatusOK, evt)
}

// handleGetEventStats 获取事件统计
func handleGetEventStats(c *gin.Context) {
	p := getProviders()
	if p.Events == nil {
		respondError(c, http.StatusServiceUnavailable, "errors.event_service_unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	stats, err := p.Events.GetEventStats(ctx)
	if err != nil {
		logger.Error("❌ [web] 查询事件统计失败: %v", err)
		respondError(c, http.StatusInternalServerError, "errors.query_stats_failed", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// registerEventRoutes 注册事件相关路由
func registerEventRoutes(r *gin.RouterGroup) {
	events := r.Group("/events")
	{
		events.GET("", handleGetEvents)
		events.GET("/stats", handleGetEventStats)
		events.GET("/:id", handleGetEventDetail)
	}
}

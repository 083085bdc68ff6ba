package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signalcopier/storage"
)

// LogProvider 日志存储查询
type LogProvider interface {
	GetLogs(params storage.LogQueryParams) ([]*storage.LogRecord, int, error)
}

// LogStreamer 新写入日志的订阅
type LogStreamer interface {
	Subscribe() chan *storage.LogRecord
	Unsubscribe(ch chan *storage.LogRecord)
}

// HistoryProvider 投递条目状态变化查询
type HistoryProvider interface {
	History(ctx context.Context, seq uint64) ([]storage.Transition, error)
}

// handleGetLogs 查询日志
// GET /api/logs
// 参数：
//   - start_time / end_time: RFC3339，默认最近 7 天
//   - level: 日志级别（WARN/ERROR/FATAL）
//   - keyword: 关键词
//   - limit: 默认 100，最大 1000
//   - offset: 偏移量
func handleGetLogs(c *gin.Context) {
	p := getProviders()
	if p.Logs == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []interface{}{}, "total": 0})
		return
	}

	var params storage.LogQueryParams
	var err error
	if s := c.Query("start_time"); s != "" {
		if params.StartTime, err = time.Parse(time.RFC3339, s); err != nil {
			respondError(c, http.StatusBadRequest, "errors.invalid_time", err)
			return
		}
	}
	if s := c.Query("end_time"); s != "" {
		if params.EndTime, err = time.Parse(time.RFC3339, s); err != nil {
			respondError(c, http.StatusBadRequest, "errors.invalid_time", err)
			return
		}
	} else {
		params.EndTime = time.Now().UTC()
	}
	if params.StartTime.IsZero() {
		params.StartTime = params.EndTime.AddDate(0, 0, -7)
	}

	params.Level = c.Query("level")
	params.Component = c.Query("component")
	params.SignalID = c.Query("signal_id")
	params.Keyword = c.Query("keyword")
	params.Limit = 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		params.Limit = l
		if params.Limit > 1000 {
			params.Limit = 1000
		}
	}
	if o, err := strconv.Atoi(c.Query("offset")); err == nil && o >= 0 {
		params.Offset = o
	}

	logs, total, err := p.Logs.GetLogs(params)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "errors.query_logs_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"total":  total,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// handleDeliveryHistory 投递条目的状态变化
// GET /api/deliveries/:seq/history
func handleDeliveryHistory(c *gin.Context) {
	p := getProviders()
	if p.History == nil {
		unavailable(c)
		return
	}
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "errors.invalid_seq", err)
		return
	}
	history, err := p.History.History(c.Request.Context(), seq)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "errors.operation_failed", err)
		return
	}
	if len(history) == 0 {
		respondError(c, http.StatusNotFound, "errors.not_found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"seq": seq, "history": history})
}

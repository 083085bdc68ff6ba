package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"signalcopier/config"
	"signalcopier/logger"
)

// WebServer Web服务器
type WebServer struct {
	server   *http.Server
	cfg      *config.Config
	stopOnce sync.Once
}

// NewWebServer 创建Web服务器；未启用时返回 nil
func NewWebServer(cfg *config.Config) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	// 设置Gin模式
	if cfg.System.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(GinLoggerMiddleware(cfg.System.LogLevel == "debug"))
	r.Use(I18nMiddleware())

	SetupRoutes(r, cfg.Web.Token)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// 事件推送是长连接，不设置 WriteTimeout
		IdleTimeout: 60 * time.Second,
	}

	return &WebServer{
		server: server,
		cfg:    cfg,
	}
}

// Start 启动Web服务器，ctx 结束时自动关闭
func (ws *WebServer) Start(ctx context.Context) error {
	if ws == nil {
		return nil
	}

	go func() {
		logger.Info("🌐 [web] Web服务器启动在 http://%s", ws.server.Addr)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ [web] Web服务器启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Stop()
	}()

	return nil
}

// Stop 停止Web服务器
func (ws *WebServer) Stop() {
	if ws == nil || ws.server == nil {
		return
	}
	ws.stopOnce.Do(ws.shutdown)
}

func (ws *WebServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		logger.Error("❌ [web] Web服务器关闭失败: %v", err)
		return
	}
	logger.Info("✅ [web] Web服务器已关闭")
}

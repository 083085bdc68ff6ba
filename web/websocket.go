package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signalcopier/event"
	"signalcopier/logger"
)

var upgrader = websocket.Upgrader{
	// 接口已由令牌保护
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// EventHub 把事件推送给所有 WebSocket 客户端（实现 event.EventProcessor）
type EventHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewEventHub 创建推送中心
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run 运行推送中心，ctx 结束时关闭所有连接
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.drop(conn)

		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Clients 当前连接数
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ProcessEvent 广播事件；缓冲区满时丢弃
func (h *EventHub) ProcessEvent(evt *event.Event) {
	if evt == nil {
		return
	}
	data, err := json.Marshal(gin.H{
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp,
		"severity":  string(evt.Severity),
		"title":     evt.Title,
		"message":   evt.Message,
		"data":      evt.Data,
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Debug("[web] 事件推送缓冲区已满，丢弃 %s", evt.Type)
	}
}

func handleEventStream(c *gin.Context) {
	hub := getProviders().Hub
	if hub == nil {
		unavailable(c)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.done:
		conn.Close()
		return
	}

	// 只读取控制帧，连接断开时注销
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case hub.unregister <- conn:
			case <-hub.done:
			}
			return
		}
	}
}

// handleLogStream 推送新写入的 WARN 及以上级别日志
func handleLogStream(c *gin.Context) {
	streamer := getProviders().LogStream
	if streamer == nil {
		unavailable(c)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logCh := streamer.Subscribe()
	defer streamer.Unsubscribe(logCh)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case rec, ok := <-logCh:
			if !ok {
				return
			}
			data, err := json.Marshal(gin.H{"type": "log", "data": rec})
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"signalcopier/logger"
	"signalcopier/metrics"
)

// ErrNotConnected 执行端未连接（可重试）
var ErrNotConnected = errors.New("bridge not connected")

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 20 * time.Second
)

// wsRequest 发往执行端的请求
type wsRequest struct {
	Type        string       `json:"type"` // instruction / quote / positions / deal
	ID          string       `json:"id"`
	Instruction *Instruction `json:"instruction,omitempty"`
	Symbol      string       `json:"symbol,omitempty"`
	Account     string       `json:"account,omitempty"`
	Ticket      string       `json:"ticket,omitempty"`
}

// wsResponse 执行端响应，按 id 关联请求
type wsResponse struct {
	ID        string     `json:"id"`
	OK        bool       `json:"ok"`
	Rejected  bool       `json:"rejected,omitempty"`
	Error     string     `json:"error,omitempty"`
	Ack       *Ack       `json:"ack,omitempty"`
	Quote     *Quote     `json:"quote,omitempty"`
	Positions []Position `json:"positions,omitempty"`
	Deal      *Deal      `json:"deal,omitempty"`
}

// WebsocketConfig 连接参数
type WebsocketConfig struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
}

// WebsocketBridge 通过 WebSocket 与 EA 端桥接程序通信
// 指令请求 id 为 token，执行端据此去重；断线后按退避重连
type WebsocketBridge struct {
	cfg WebsocketConfig

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	pending   map[string]chan wsResponse
	pendingMu sync.Mutex
	connected atomic.Bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	onStatus func(connected bool)
}

// NewWebsocketBridge 创建 WebSocket 执行端
func NewWebsocketBridge(cfg WebsocketConfig) *WebsocketBridge {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &WebsocketBridge{
		cfg:      cfg,
		pending:  make(map[string]chan wsResponse),
		stopChan: make(chan struct{}),
	}
}

// Start 启动连接循环（后台运行，直到 ctx 结束或 Close）
func (w *WebsocketBridge) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.connectLoop(ctx)
}

// OnStatus 注册连接状态变化回调，需在 Start 之前调用
func (w *WebsocketBridge) OnStatus(fn func(connected bool)) {
	w.onStatus = fn
}

func (w *WebsocketBridge) notifyStatus(connected bool) {
	if w.onStatus != nil {
		w.onStatus(connected)
	}
}

// Connected 当前是否已连接
func (w *WebsocketBridge) Connected() bool {
	return w.connected.Load()
}

func (w *WebsocketBridge) connectLoop(ctx context.Context) {
	defer w.wg.Done()

	b := &backoff.Backoff{
		Min:    w.cfg.ReconnectDelay,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}
	pm := metrics.GetPrometheusMetrics()
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}

		if !first {
			pm.RecordBridgeReconnect("websocket")
		}
		first = false

		conn, err := w.dial(ctx)
		if err != nil {
			wait := b.Duration()
			logger.Warn("⚠️ [bridge] 连接执行端失败，%v 后重试: %v", wait, err)
			if !w.sleep(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.connected.Store(true)
		pm.SetBridgeStatus("websocket", true)
		logger.Info("✅ [bridge] 已连接执行端 %s", w.cfg.URL)
		w.notifyStatus(true)

		done := make(chan struct{})
		go w.keepAlive(conn, done)
		w.readMessages(conn)
		close(done)

		w.connected.Store(false)
		pm.SetBridgeStatus("websocket", false)
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()
		w.failPending(ErrNotConnected)
		logger.Warn("🔌 [bridge] 执行端连接已断开")
		w.notifyStatus(false)

		if !w.sleep(ctx, w.cfg.ReconnectDelay) {
			return
		}
	}
}

func (w *WebsocketBridge) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, w.cfg.URL, header)
	return conn, err
}

func (w *WebsocketBridge) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	case <-t.C:
		return true
	}
}

// readMessages 读取响应直到连接断开
func (w *WebsocketBridge) readMessages(conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("❌ [bridge] 消息处理 panic: %v", r)
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopChan:
			default:
				logger.Warn("⚠️ [bridge] 读取消息失败，连接断开: %v", err)
			}
			return
		}

		var resp wsResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			logger.Warn("⚠️ [bridge] 解析消息失败: %v", err)
			continue
		}

		w.pendingMu.Lock()
		ch, ok := w.pending[resp.ID]
		delete(w.pending, resp.ID)
		w.pendingMu.Unlock()
		if !ok {
			logger.Debug("[bridge] 收到无人等待的响应 %s", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (w *WebsocketBridge) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			w.writeMu.Unlock()
			if err != nil {
				logger.Warn("⚠️ [bridge] 发送 ping 失败: %v", err)
			}
		case <-done:
			return
		}
	}
}

func (w *WebsocketBridge) failPending(err error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		ch <- wsResponse{ID: id, Error: err.Error()}
		delete(w.pending, id)
	}
}

// roundTrip 发送请求并等待同 id 的响应
func (w *WebsocketBridge) roundTrip(ctx context.Context, req wsRequest) (wsResponse, error) {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return wsResponse{}, ErrNotConnected
	}

	ch := make(chan wsResponse, 1)
	w.pendingMu.Lock()
	w.pending[req.ID] = ch
	w.pendingMu.Unlock()

	w.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := conn.WriteJSON(req)
	w.writeMu.Unlock()
	if err != nil {
		w.pendingMu.Lock()
		delete(w.pending, req.ID)
		w.pendingMu.Unlock()
		return wsResponse{}, fmt.Errorf("发送请求失败: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Rejected {
			return resp, &Rejection{Reason: resp.Error}
		}
		if !resp.OK {
			if resp.Error == ErrNotConnected.Error() {
				return resp, ErrNotConnected
			}
			return resp, errors.New("bridge error: " + resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		w.pendingMu.Lock()
		delete(w.pending, req.ID)
		w.pendingMu.Unlock()
		return wsResponse{}, ctx.Err()
	}
}

// Dispatch 发送指令，请求 id 使用 token
func (w *WebsocketBridge) Dispatch(ctx context.Context, in Instruction) (Ack, error) {
	id := "tok-" + strconv.FormatUint(in.Token, 10)
	if in.Token == 0 {
		id = uuid.NewString()
	}
	resp, err := w.roundTrip(ctx, wsRequest{Type: "instruction", ID: id, Instruction: &in})
	if err != nil {
		return Ack{}, err
	}
	if resp.Ack == nil {
		return Ack{}, errors.New("bridge response missing ack")
	}
	ack := *resp.Ack
	ack.Token = in.Token
	return ack, nil
}

// Quote 获取报价
func (w *WebsocketBridge) Quote(ctx context.Context, symbol string) (Quote, error) {
	resp, err := w.roundTrip(ctx, wsRequest{Type: "quote", ID: uuid.NewString(), Symbol: symbol})
	if err != nil {
		return Quote{}, err
	}
	if resp.Quote == nil {
		return Quote{}, errors.New("bridge response missing quote")
	}
	return *resp.Quote, nil
}

// Positions 获取账户挂单和持仓
func (w *WebsocketBridge) Positions(ctx context.Context, account string) ([]Position, error) {
	resp, err := w.roundTrip(ctx, wsRequest{Type: "positions", ID: uuid.NewString(), Account: account})
	if err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// ClosedDeal 查询已结束订单的成交结果
func (w *WebsocketBridge) ClosedDeal(ctx context.Context, account, ticket string) (Deal, error) {
	resp, err := w.roundTrip(ctx, wsRequest{Type: "deal", ID: uuid.NewString(), Account: account, Ticket: ticket})
	if err != nil {
		return Deal{}, err
	}
	if resp.Deal == nil {
		return Deal{}, errors.New("bridge response missing deal")
	}
	return *resp.Deal, nil
}

// Close 关闭连接并停止重连
func (w *WebsocketBridge) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		if w.conn != nil {
			w.writeMu.Lock()
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			w.writeMu.Unlock()
			w.conn.Close()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
	return nil
}

package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/smart-kiosk/internal/service"
	"go.uber.org/zap"
)

const (
	// 单连接发送缓冲; 写不动的慢客户端丢消息而不是阻塞推送
	pushBufferSize = 64
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
)

// pushClient 单个推送连接
type pushClient struct {
	conn *websocket.Conn
	send chan []byte
}

// PushHandler 状态推送处理器
// 订阅会话协调器的状态通知, 广播给所有已连接的UI客户端
type PushHandler struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*pushClient]struct{}
}

// NewPushHandler 创建推送处理器
func NewPushHandler(manager *service.SessionManager, logger *zap.Logger) *PushHandler {
	h := &PushHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 本机UI进程连接, 不校验Origin
				return true
			},
		},
		logger:  logger,
		clients: make(map[*pushClient]struct{}),
	}

	manager.Subscribe(h.broadcast)
	return h
}

// Serve 升级连接并进入推送
func (h *PushHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.Error(err))
		return
	}

	client := &pushClient{
		conn: conn,
		send: make(chan []byte, pushBufferSize),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket连接建立",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("clients", count),
	)

	go h.writePump(client)
	go h.readPump(client)
}

// broadcast 把通知序列化后广播给所有客户端
func (h *PushHandler) broadcast(n *service.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("通知序列化失败", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// 慢客户端丢这条消息
		}
	}
}

// ClientCount 返回当前连接数
func (h *PushHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *PushHandler) remove(client *pushClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// writePump 推送写循环, 带周期性ping保活
func (h *PushHandler) writePump(client *pushClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readPump 读循环
// 推送是单向的, 读只为感知客户端关闭和响应pong
func (h *PushHandler) readPump(client *pushClient) {
	defer func() {
		h.remove(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

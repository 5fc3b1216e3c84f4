package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	broadcastBuffer = 64               // 看板广播队列长度
	clientBuffer    = 16               // 单个客户端待发送队列长度
	writeWait       = 5 * time.Second  // 单次写超时
	pongWait        = 60 * time.Second // 超过该时间未收到 pong 视为断开
	pingPeriod      = pongWait * 9 / 10
)

// client 一个看板订阅者，由独立的写协程发送消息
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 管理看板的 WebSocket 订阅者，并把排程快照推送给它们
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{} // Run 退出后关闭，避免注册/注销方永久阻塞
	mu         sync.Mutex    // 保护 clients
	logger     *slog.Logger
}

// NewHub 创建一个新的 Hub 实例
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws_hub"),
	}
}

// Run 处理订阅者的加入、离开和广播，ctx 取消时断开所有订阅者
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// 消费过慢的订阅者直接断开，重连后会收到全量看板
					h.logger.Warn("看板订阅者积压，断开连接", "remote", c.conn.RemoteAddr().String())
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop 调用方需持有 mu
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastState 将状态序列化为 JSON 并放入广播队列
// 队列已满时丢弃本条消息，下一次状态变化会带上完整看板
func (h *Hub) BroadcastState(state interface{}) {
	message, err := json.Marshal(state)
	if err != nil {
		h.logger.Error("序列化看板失败", "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("看板广播队列已满，丢弃消息")
	}
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 看板页面与 API 分开部署，跨域由 CORS 中间件控制
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 返回看板订阅入口，连接建立后先推送一次全量看板
func (h *Hub) ServeWs(initial func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("升级 WebSocket 失败", "error", err)
			return
		}
		if initial != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(initial()); err != nil {
				h.logger.Warn("推送初始看板失败", "error", err)
				conn.Close()
				return
			}
		}
		c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}
		go h.writePump(c)
		go h.readPump(c)
	}
}

// readPump 看板只做单向推送，读循环用于处理 pong 和感知断开
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

// writePump 串行写出该订阅者的消息，send 关闭后发送 close 帧并断开
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("写入 WebSocket 失败", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

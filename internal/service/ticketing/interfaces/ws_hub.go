package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusHub 维护按 purchaseID 分组的 websocket 连接，把购票状态推给正在等待的设备。
type StatusHub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

type wsClient struct {
	hub        *StatusHub
	conn       *websocket.Conn
	send       chan []byte
	purchaseID string
}

func NewStatusHub() *StatusHub {
	return &StatusHub{clients: make(map[string]map[*wsClient]struct{})}
}

func (h *StatusHub) RegisterRoutes(r chi.Router) {
	r.Get("/ws/checkout/{purchaseID}", h.serveWs)
}

func (h *StatusHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.purchaseID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.purchaseID] = set
	}
	set[c] = struct{}{}
}

func (h *StatusHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.purchaseID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.purchaseID)
	}
}

// Watchers 返回某次购票当前的连接数
func (h *StatusHub) Watchers(purchaseID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[purchaseID])
}

// PurchaseStatusChanged 实现 port.PurchaseNotifier。发送缓冲满的连接直接丢弃这条消息。
func (h *StatusHub) PurchaseStatusChanged(ctx context.Context, event domain.PurchaseStatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[event.PurchaseID] {
		select {
		case c.send <- payload:
		default:
			logger.Ctx(ctx).Warn().Str("purchase", event.PurchaseID).Msg("websocket send buffer full, dropping status")
		}
	}
	return nil
}

func (h *StatusHub) serveWs(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchaseID")
	if purchaseID == "" {
		http.Error(w, "purchaseID is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer), purchaseID: purchaseID}
	h.register(c)
	logger.Ctx(r.Context()).Debug().Str("purchase", purchaseID).Msg("status watcher connected")

	go c.writePump()
	go c.readPump()
}

// writePump 把 send 里的消息写到连接上，并定期发 ping
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump 只处理 pong 和关闭，客户端不会发业务消息
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/dump"
	"github.com/sirupsen/logrus"
)

// EventHandler 把脱壳过程事件广播给 WebSocket 客户端
type EventHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // conn -> 订阅的记录 ID（"all" 为全部）
	clientMutex sync.RWMutex
	broadcast   chan DumpEventMessage
}

// DumpEventMessage 脱壳事件消息
type DumpEventMessage struct {
	RecordID  string             `json:"record_id"`
	Type      string             `json:"type"` // progress, result
	Stage     string             `json:"stage,omitempty"`
	Segment   string             `json:"segment,omitempty"`
	Copied    uint64             `json:"copied,omitempty"`
	Total     uint64             `json:"total,omitempty"`
	Record    *domain.DumpRecord `json:"record,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// NewEventHandler 创建事件处理器
func NewEventHandler(logger *logrus.Logger) *EventHandler {
	return &EventHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan DumpEventMessage, 100),
	}
}

// Start 启动广播服务
func (h *EventHandler) Start() {
	go h.runBroadcaster()
}

func (h *EventHandler) runBroadcaster() {
	for msg := range h.broadcast {
		var stale []*websocket.Conn

		h.clientMutex.RLock()
		for client, recordID := range h.clients {
			if recordID != "all" && recordID != msg.RecordID {
				continue
			}
			if err := client.WriteJSON(msg); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				stale = append(stale, client)
			}
		}
		h.clientMutex.RUnlock()

		if len(stale) > 0 {
			h.clientMutex.Lock()
			for _, client := range stale {
				client.Close()
				delete(h.clients, client)
			}
			h.clientMutex.Unlock()
		}
	}
}

// HandleWebSocket 处理WebSocket连接
// GET /ws/events?record_id=<id>，缺省订阅全部事件
func (h *EventHandler) HandleWebSocket(c *gin.Context) {
	recordID := c.Query("record_id")
	if recordID == "" {
		recordID = "all"
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.clientMutex.Lock()
	h.clients[conn] = recordID
	h.clientMutex.Unlock()

	h.logger.WithField("record_id", recordID).Info("WebSocket client connected")

	// 保持连接，客户端消息只用于探活
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("record_id", recordID).Info("WebSocket client disconnected")
}

// PublishProgress 广播拷贝进度（实现 service.EventSink）
func (h *EventHandler) PublishProgress(recordID string, event dump.Event) {
	msg := DumpEventMessage{
		RecordID:  recordID,
		Type:      "progress",
		Stage:     event.Stage,
		Segment:   event.Segment,
		Copied:    event.Copied,
		Total:     event.Total,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}

// PublishResult 广播最终结果（实现 service.EventSink）
func (h *EventHandler) PublishResult(record *domain.DumpRecord) {
	msg := DumpEventMessage{
		RecordID:  record.ID,
		Type:      "result",
		Record:    record,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}

// internal/api/websocket.go
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

const (
	// 写超时，订阅者消费过慢时断开而不是拖累发布方
	wsWriteTimeout = 10 * time.Second
	// Ping间隔与读超时
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// ProgressWebSocket 推送一部小说的流水线进度
// GET /ws/progress/:id
// 进度是发后不理的：连接断开或缓冲占满只影响这一个订阅者
func (h *Handler) ProgressWebSocket(c *gin.Context) {
	novelID := c.Param("id")

	tracker, exists := h.ProgressService.GetTracker(novelID)
	if !exists {
		// 流水线未开始也允许订阅，先建跟踪器占位
		tracker = h.ProgressService.CreateTracker(novelID)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	events := tracker.Subscribe()
	defer tracker.Unsubscribe(events)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	// 读循环只用于探测客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}

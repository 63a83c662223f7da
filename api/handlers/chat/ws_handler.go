package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"startuplab/internal/logger"
)

const (
	wsReadLimit    = 64 * 1024
	wsIdleTimeout  = 5 * time.Minute
	wsWriteTimeout = 10 * time.Second
)

// WebSocketHandler 通过 WebSocket 流式回答
// 一个连接可以连续提问，同一时刻只处理一个问题
type WebSocketHandler struct {
	service  ChatService
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建处理器
func NewWebSocketHandler(service ChatService) *WebSocketHandler {
	return &WebSocketHandler{
		service: service,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Connect 升级连接并处理提问
// 读取在独立协程中进行，连接断开时取消进行中的回答
func (h *WebSocketHandler) Connect(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	log := logger.WithContext(ctx)

	requests := make(chan AskRequest)
	go h.readLoop(ctx, cancel, conn, requests, log)

	for req := range requests {
		if strings.TrimSpace(req.Message) == "" {
			if h.write(conn, StreamFrame{Error: "缺少 message"}) != nil {
				return
			}
			continue
		}
		if req.SessionID == "" {
			req.SessionID = uuid.New().String()
		}

		askCtx := logger.WithSessionID(ctx, req.SessionID)
		seq, err := h.service.Ask(askCtx, req.SessionID, req.Message, req.Language)
		if err != nil {
			log.Error("提问失败", zap.String("session_id", req.SessionID), zap.Error(err))
			if h.write(conn, StreamFrame{SessionID: req.SessionID, Error: "提问失败"}) != nil {
				return
			}
			continue
		}

		var writeErr error
		for fragment := range seq {
			if ctx.Err() != nil {
				break
			}
			if writeErr = h.write(conn, StreamFrame{SessionID: req.SessionID, Content: fragment}); writeErr != nil {
				break
			}
		}
		if writeErr != nil || ctx.Err() != nil {
			return
		}
		if h.write(conn, StreamFrame{SessionID: req.SessionID, Done: true}) != nil {
			return
		}
	}
}

// readLoop 读取客户端请求，读取失败（断开、超时、非法帧）时取消连接上下文
func (h *WebSocketHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- AskRequest, log *zap.Logger) {
	defer close(out)
	defer cancel()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		var req AskRequest
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Debug("WebSocket 读取结束", zap.Error(err))
			}
			return
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, frame StreamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame)
}

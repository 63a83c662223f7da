package chat

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"startuplab/pkg/aiinterface"
)

type fakeChatService struct {
	mu        sync.Mutex
	fragments []string
	askErr    error
	asked     []AskRequest
	sessions  map[string][]aiinterface.Message
	resetErr  error

	// askDone 非空时回答在输出全部片段后阻塞到 ctx 取消，随后关闭 askDone
	askDone chan struct{}
}

func newFakeChatService(fragments ...string) *fakeChatService {
	return &fakeChatService{fragments: fragments, sessions: map[string][]aiinterface.Message{}}
}

func (f *fakeChatService) Ask(ctx context.Context, sessionID, message, language string) (iter.Seq[string], error) {
	f.mu.Lock()
	f.asked = append(f.asked, AskRequest{SessionID: sessionID, Message: message, Language: language})
	f.mu.Unlock()
	if f.askErr != nil {
		return nil, f.askErr
	}
	return func(yield func(string) bool) {
		for _, frag := range f.fragments {
			if !yield(frag) {
				return
			}
		}
		if f.askDone != nil {
			<-ctx.Done()
			close(f.askDone)
		}
	}, nil
}

func (f *fakeChatService) EnsureSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		f.sessions[sessionID] = []aiinterface.Message{{Role: aiinterface.RoleAssistant, Content: "¡Bienvenido a StartupLab!"}}
	}
	return nil
}

func (f *fakeChatService) Messages(ctx context.Context, sessionID string) ([]aiinterface.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID], nil
}

func (f *fakeChatService) NewChat(ctx context.Context, sessionID string) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = []aiinterface.Message{{Role: aiinterface.RoleAssistant, Content: "¡Hola de nuevo!"}}
	return nil
}

func setupRouter(svc ChatService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(svc)
	r.POST("/api/chat/stream", h.Stream)
	r.GET("/api/chat/ws", NewWebSocketHandler(svc).Connect)
	r.GET("/api/chat/:session_id/messages", h.Messages)
	r.DELETE("/api/chat/:session_id", h.NewChat)
	return r
}

func TestStream(t *testing.T) {
	svc := newFakeChatService("**IVA**", " general: 21%")
	r := setupRouter(svc)

	body := `{"session_id":"abc","message":"¿Qué IVA aplico?","language":"ca"}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "abc", w.Header().Get(HeaderSessionID))

	out := w.Body.String()
	assert.Contains(t, out, "event:message\ndata:{\"content\":\"**IVA**\"}")
	assert.Contains(t, out, "event:message\ndata:{\"content\":\" general: 21%\"}")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "event:done\ndata:{\"done\":true}"))

	require.Len(t, svc.asked, 1)
	assert.Equal(t, AskRequest{SessionID: "abc", Message: "¿Qué IVA aplico?", Language: "ca"}, svc.asked[0])
}

func TestStream_AssignsSessionID(t *testing.T) {
	svc := newFakeChatService("ok")
	r := setupRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hola"}`)))

	assert.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get(HeaderSessionID)
	require.NotEmpty(t, id)
	assert.Equal(t, id, svc.asked[0].SessionID)
}

func TestStream_BadRequest(t *testing.T) {
	r := setupRouter(newFakeChatService())
	for _, body := range []string{`{}`, `{"message":"   "}`, `not json`} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestStream_AskError(t *testing.T) {
	svc := newFakeChatService()
	svc.askErr = errors.New("redis down")
	r := setupRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hola"}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "redis down")
}

func TestMessagesAndNewChat(t *testing.T) {
	svc := newFakeChatService()
	r := setupRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chat/s1/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool             `json:"success"`
		Data    MessagesResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "s1", resp.Data.SessionID)
	require.Len(t, resp.Data.Messages, 1)
	assert.Contains(t, resp.Data.Messages[0].Content, "Bienvenido")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/chat/s1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "¡Hola de nuevo!", svc.sessions["s1"][0].Content)

	svc.resetErr = errors.New("boom")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/chat/s1", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebSocket(t *testing.T) {
	svc := newFakeChatService("Hola", ", ¿en qué te ayudo?")
	srv := httptest.NewServer(setupRouter(svc))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readAll := func() []StreamFrame {
		var frames []StreamFrame
		for {
			var f StreamFrame
			require.NoError(t, conn.ReadJSON(&f))
			frames = append(frames, f)
			if f.Done || f.Error != "" {
				return frames
			}
		}
	}

	require.NoError(t, conn.WriteJSON(AskRequest{SessionID: "w1", Message: "hola", Language: "gl"}))
	frames := readAll()
	require.Len(t, frames, 3)
	assert.Equal(t, "Hola", frames[0].Content)
	assert.Equal(t, ", ¿en qué te ayudo?", frames[1].Content)
	assert.True(t, frames[2].Done)
	assert.Equal(t, "w1", frames[2].SessionID)

	// 空消息返回错误帧，连接保持
	require.NoError(t, conn.WriteJSON(AskRequest{SessionID: "w1"}))
	frames = readAll()
	require.Len(t, frames, 1)
	assert.NotEmpty(t, frames[0].Error)

	// 同一连接继续提问
	require.NoError(t, conn.WriteJSON(AskRequest{SessionID: "w1", Message: "otra"}))
	frames = readAll()
	assert.True(t, frames[len(frames)-1].Done)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.asked, 2)
	assert.Equal(t, "gl", svc.asked[0].Language)
}

func TestWebSocket_ClientDisconnectCancelsAnswer(t *testing.T) {
	svc := newFakeChatService("Primer fragmento")
	svc.askDone = make(chan struct{})
	srv := httptest.NewServer(setupRouter(svc))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(AskRequest{SessionID: "w2", Message: "hola"}))
	var frame StreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "Primer fragmento", frame.Content)

	require.NoError(t, conn.Close())

	select {
	case <-svc.askDone:
	case <-time.After(2 * time.Second):
		t.Fatal("客户端断开后回答没有被取消")
	}
}

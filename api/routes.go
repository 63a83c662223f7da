package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
// limit 只作用于会触发模型调用的接口
func RegisterRoutes(router *gin.Engine, h *Handlers, limit gin.HandlerFunc) {
	api := router.Group("/api")

	registerChatRoutes(api, h, limit)
	registerKnowledgeRoutes(api, h, limit)
}

// registerChatRoutes 聊天
func registerChatRoutes(api *gin.RouterGroup, h *Handlers, limit gin.HandlerFunc) {
	chat := api.Group("/chat")
	{
		chat.POST("/stream", limit, h.Chat.Stream)
		chat.GET("/ws", limit, h.ChatWS.Connect)
		chat.GET("/:session_id/messages", h.Chat.Messages)
		chat.DELETE("/:session_id", h.Chat.NewChat)
	}
}

// registerKnowledgeRoutes 知识库管理
func registerKnowledgeRoutes(api *gin.RouterGroup, h *Handlers, limit gin.HandlerFunc) {
	api.POST("/documents", h.Knowledge.Upload)
	api.POST("/documents/default", h.Knowledge.IngestDefault)
	api.DELETE("/store", h.Knowledge.Reset)
	api.GET("/stats", h.Knowledge.Stats)
	api.POST("/query/rewrite", limit, h.Knowledge.Rewrite)
}

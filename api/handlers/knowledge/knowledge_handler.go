package knowledge

import (
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	response "startuplab/api/handlers/common"
	"startuplab/internal/logger"
	"startuplab/internal/rag"
)

// Handler 知识库处理器：上传入库、默认语料入库、重置、统计、查询改写
type Handler struct {
	service KnowledgeService
}

// NewHandler 创建知识库处理器
func NewHandler(service KnowledgeService) *Handler {
	return &Handler{service: service}
}

// Upload 上传文档并入库
// multipart 字段 files 可重复
func (h *Handler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeInvalidRequest, "请求参数错误: 需要 multipart/form-data")
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		response.Fail(c, http.StatusBadRequest, response.CodeInvalidRequest, "请求参数错误: 缺少 files")
		return
	}

	ctx := c.Request.Context()
	files := make([]rag.FileInput, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			logger.WithContext(ctx).Warn("打开上传文件失败", zap.String("file", fh.Filename), zap.Error(err))
			continue
		}
		opened = append(opened, f)
		// 浏览器可能带上客户端路径，只保留文件名
		files = append(files, rag.FileInput{Name: filepath.Base(fh.Filename), Reader: f})
	}

	n, err := h.service.Ingest(ctx, files)
	if err != nil {
		h.fail(c, "入库失败", err)
		return
	}
	response.OK(c, http.StatusOK, IngestResponse{Ingested: n})
}

// IngestDefault 入库默认语料目录
func (h *Handler) IngestDefault(c *gin.Context) {
	n, err := h.service.IngestDefault(c.Request.Context())
	if err != nil {
		h.fail(c, "默认语料入库失败", err)
		return
	}
	response.OK(c, http.StatusOK, IngestResponse{Ingested: n})
}

// Reset 不可逆地清空知识库
func (h *Handler) Reset(c *gin.Context) {
	if err := h.service.ResetStore(c.Request.Context()); err != nil {
		h.fail(c, "重置知识库失败", err)
		return
	}
	response.OK(c, http.StatusOK, h.service.Stats(c.Request.Context()))
}

// Stats 知识库统计
func (h *Handler) Stats(c *gin.Context) {
	response.OK(c, http.StatusOK, h.service.Stats(c.Request.Context()))
}

// Rewrite 查询改写，失败时返回原始查询
func (h *Handler) Rewrite(c *gin.Context) {
	var req RewriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}
	for _, m := range req.History {
		if !m.Role.Valid() {
			response.Fail(c, http.StatusBadRequest, response.CodeInvalidRequest, "请求参数错误: 未知角色 "+string(m.Role))
			return
		}
	}
	query := h.service.RewriteQuery(c.Request.Context(), req.Query, req.History, req.Language)
	response.OK(c, http.StatusOK, RewriteResponse{Query: query})
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	logger.WithContext(c.Request.Context()).Error(msg, zap.Error(err))
	if errors.Is(err, rag.ErrStorageUnavailable) {
		response.Fail(c, http.StatusServiceUnavailable, response.CodeStorageUnavailable, msg+": 向量库不可用")
		return
	}
	response.Fail(c, http.StatusInternalServerError, response.CodeInternal, msg)
}

package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"startuplab/internal/rag"
	"startuplab/pkg/aiinterface"
)

type fakeKnowledgeService struct {
	ingested  map[string]string
	ingestErr error
	resetErr  error
	resets    int
	stats     rag.Stats
	rewritten string
	history   []aiinterface.Message
}

func (f *fakeKnowledgeService) Ingest(ctx context.Context, files []rag.FileInput) (int, error) {
	if f.ingestErr != nil {
		return 0, f.ingestErr
	}
	f.ingested = map[string]string{}
	for _, file := range files {
		data, err := io.ReadAll(file.Reader)
		if err != nil {
			return 0, err
		}
		f.ingested[file.Name] = string(data)
	}
	return len(files), nil
}

func (f *fakeKnowledgeService) IngestDefault(ctx context.Context) (int, error) {
	return 3, f.ingestErr
}

func (f *fakeKnowledgeService) ResetStore(ctx context.Context) error {
	f.resets++
	if f.resetErr == nil {
		f.stats = rag.Stats{Status: rag.StatusNotInitialized, Sources: []string{}}
	}
	return f.resetErr
}

func (f *fakeKnowledgeService) Stats(ctx context.Context) rag.Stats {
	return f.stats
}

func (f *fakeKnowledgeService) RewriteQuery(ctx context.Context, query string, history []aiinterface.Message, language string) string {
	f.history = history
	if f.rewritten == "" {
		return query
	}
	return f.rewritten
}

func setupRouter(svc KnowledgeService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(svc)
	r.POST("/api/documents", h.Upload)
	r.POST("/api/documents/default", h.IngestDefault)
	r.DELETE("/api/store", h.Reset)
	r.GET("/api/stats", h.Stats)
	r.POST("/api/query/rewrite", h.Rewrite)
	return r
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeData(t *testing.T, body []byte, v interface{}) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestUpload(t *testing.T) {
	svc := &fakeKnowledgeService{}
	r := setupRouter(svc)

	body, ctype := multipartBody(t, map[string]string{
		"guia_iva.txt": "El IVA general es del 21%.",
		"sl.md":        "# Sociedad Limitada",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp IngestResponse
	decodeData(t, w.Body.Bytes(), &resp)
	assert.Equal(t, 2, resp.Ingested)
	assert.Equal(t, "El IVA general es del 21%.", svc.ingested["guia_iva.txt"])
	assert.Equal(t, "# Sociedad Limitada", svc.ingested["sl.md"])
}

func TestUpload_BadRequest(t *testing.T) {
	r := setupRouter(&fakeKnowledgeService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ctype := multipartBody(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", ctype)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpload_StorageUnavailable(t *testing.T) {
	svc := &fakeKnowledgeService{ingestErr: fmt.Errorf("打开向量库失败: %w", rag.ErrStorageUnavailable)}
	r := setupRouter(svc)

	body, ctype := multipartBody(t, map[string]string{"a.txt": "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "STORAGE_UNAVAILABLE")
}

func TestIngestDefault(t *testing.T) {
	r := setupRouter(&fakeKnowledgeService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/documents/default", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp IngestResponse
	decodeData(t, w.Body.Bytes(), &resp)
	assert.Equal(t, 3, resp.Ingested)
}

func TestResetAndStats(t *testing.T) {
	svc := &fakeKnowledgeService{stats: rag.Stats{Status: rag.StatusActive, DocCount: 2, ChunkCount: 10, Sources: []string{"a.pdf", "b.txt"}}}
	r := setupRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats rag.Stats
	decodeData(t, w.Body.Bytes(), &stats)
	assert.Equal(t, rag.StatusActive, stats.Status)
	assert.EqualValues(t, 10, stats.ChunkCount)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/store", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w.Body.Bytes(), &stats)
	assert.Equal(t, rag.StatusNotInitialized, stats.Status)
	assert.Zero(t, stats.DocCount)
	assert.Zero(t, stats.ChunkCount)
	assert.Equal(t, 1, svc.resets)

	svc.resetErr = fmt.Errorf("删除目录失败: %w", rag.ErrStorageUnavailable)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/store", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRewrite(t *testing.T) {
	svc := &fakeKnowledgeService{rewritten: "requisitos alta autonomo seguridad social"}
	r := setupRouter(svc)

	body := `{"query":"¿y para autónomos?","history":[{"role":"user","content":"alta en hacienda"}],"language":"es"}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/query/rewrite", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	var resp RewriteResponse
	decodeData(t, w.Body.Bytes(), &resp)
	assert.Equal(t, "requisitos alta autonomo seguridad social", resp.Query)
	require.Len(t, svc.history, 1)
	assert.Equal(t, aiinterface.RoleUser, svc.history[0].Role)

	for _, bad := range []string{`{}`, `{"query":"x","history":[{"role":"bot","content":"y"}]}`} {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/query/rewrite", strings.NewReader(bad)))
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

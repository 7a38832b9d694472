package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ipa-dump/ipa-dump-go/internal/agent"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/dump"
	"github.com/ipa-dump/ipa-dump-go/internal/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// MockDumpService Mock Service
type MockDumpService struct {
	mock.Mock
}

func (m *MockDumpService) RunDump(ctx context.Context, outputPath string) (*domain.DumpRecord, error) {
	args := m.Called(outputPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DumpRecord), args.Error(1)
}

func (m *MockDumpService) GetRecord(ctx context.Context, recordID string) (*domain.DumpRecord, error) {
	args := m.Called(recordID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DumpRecord), args.Error(1)
}

func (m *MockDumpService) ListRecords(ctx context.Context, page int, pageSize int) ([]*domain.DumpRecord, int64, error) {
	args := m.Called(page, pageSize)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.DumpRecord), args.Get(1).(int64), args.Error(2)
}

func (m *MockDumpService) DeleteRecord(ctx context.Context, recordID string) error {
	args := m.Called(recordID)
	return args.Error(0)
}

func (m *MockDumpService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

// setupTestRouter 设置测试路由
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func testHandler(t *testing.T, sandboxRoot string, svc *MockDumpService) *AgentHandler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	a := agent.New(agent.Options{SandboxRoot: sandboxRoot}, logger)
	return NewAgentHandler(a, svc, nil, logger)
}

// TestAgentHandler_GetBundleInfo 测试包信息接口
func TestAgentHandler_GetBundleInfo(t *testing.T) {
	handler := testHandler(t, "", nil)
	router := setupTestRouter()
	router.GET("/api/bundle", handler.GetBundleInfo)

	req := httptest.NewRequest("GET", "/api/bundle", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// TestAgentHandler_GetSandboxPath 测试沙盒路径接口
func TestAgentHandler_GetSandboxPath(t *testing.T) {
	root := t.TempDir()
	handler := testHandler(t, root, nil)
	router := setupTestRouter()
	router.GET("/api/sandbox/path", handler.GetSandboxPath)

	req := httptest.NewRequest("GET", "/api/sandbox/path", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, root, body["path"])
}

// TestAgentHandler_DumpExecutable 测试脱壳接口
func TestAgentHandler_DumpExecutable(t *testing.T) {
	mockService := new(MockDumpService)
	handler := testHandler(t, "", mockService)
	router := setupTestRouter()
	router.POST("/api/dump", handler.DumpExecutable)

	record := &domain.DumpRecord{
		ID:         "rec-1",
		Status:     domain.DumpStatusCompleted,
		OutputPath: "/tmp/out/App.decrypted",
		Size:       8192,
	}
	mockService.On("RunDump", "/tmp/out/App.decrypted").Return(record, nil)

	req := httptest.NewRequest("POST", "/api/dump",
		strings.NewReader(`{"output_path":"/tmp/out/App.decrypted"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rec-1")
	mockService.AssertExpectations(t)
}

// TestAgentHandler_DumpExecutable_Failure 测试脱壳失败的状态码映射
func TestAgentHandler_DumpExecutable_Failure(t *testing.T) {
	mockService := new(MockDumpService)
	handler := testHandler(t, "", mockService)
	router := setupTestRouter()
	router.POST("/api/dump", handler.DumpExecutable)

	failed := &domain.DumpRecord{
		ID:          "rec-2",
		Status:      domain.DumpStatusFailed,
		FailureType: domain.FailureTypeNoMainModule,
	}
	mockService.On("RunDump", "").Return(failed, dump.ErrNoMainModule)

	req := httptest.NewRequest("POST", "/api/dump", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "no_main_module")
	mockService.AssertExpectations(t)
}

// TestAgentHandler_DumpExecutable_PersistenceError 测试记录持久化失败时不带记录的结构化错误响应
func TestAgentHandler_DumpExecutable_PersistenceError(t *testing.T) {
	mockService := new(MockDumpService)
	handler := testHandler(t, "", mockService)
	router := setupTestRouter()
	router.POST("/api/dump", handler.DumpExecutable)

	// 数据库写入失败时 service 返回 (nil, err)
	mockService.On("RunDump", "").Return(nil, errors.New("failed to create dump record: disk I/O error"))

	req := httptest.NewRequest("POST", "/api/dump", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(domain.FailureTypeIOError), body["failure_type"])
	assert.NotContains(t, body, "record")
	mockService.AssertExpectations(t)
}

// TestAgentHandler_DumpMetrics 测试脱壳指标随请求变化
func TestAgentHandler_DumpMetrics(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	namespace := "test_" + t.Name() + "_" + time.Now().Format("20060102150405999999999")
	metrics := middleware.NewPrometheusMetrics(logger, namespace)

	mockService := new(MockDumpService)
	a := agent.New(agent.Options{}, logger)
	handler := NewAgentHandler(a, mockService, metrics, logger)

	router := setupTestRouter()
	router.POST("/api/dump", handler.DumpExecutable)
	router.GET("/metrics", metrics.Handler())

	record := &domain.DumpRecord{
		ID:           "rec-3",
		Status:       domain.DumpStatusCompleted,
		Size:         4096,
		SegmentCount: 3,
	}
	mockService.On("RunDump", "").Return(record, nil).Once()
	mockService.On("RunDump", "").Return(nil, errors.New("write output: no space left")).Once()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/dump", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	metricsBody := w.Body.String()
	assert.Contains(t, metricsBody, namespace+`_dumps_total{status="completed"} 1`)
	assert.Contains(t, metricsBody, namespace+`_dumps_total{status="failed"} 1`)
	assert.Contains(t, metricsBody, namespace+"_dump_bytes_written_total 4096")
	assert.Contains(t, metricsBody, namespace+"_dump_segments_copied_total 3")
	assert.Contains(t, metricsBody, namespace+"_dumps_in_progress 0")
	mockService.AssertExpectations(t)
}

// TestAgentHandler_FileEndpoints 测试文件操作接口
func TestAgentHandler_FileEndpoints(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	handler := testHandler(t, root, nil)
	router := setupTestRouter()
	router.GET("/api/files", handler.ListFiles)
	router.GET("/api/files/stat", handler.StatPath)
	router.POST("/api/files/stat", handler.StatPaths)
	router.GET("/api/files/read", handler.ReadFile)
	router.DELETE("/api/files", handler.RemovePath)

	// 递归列举
	req := httptest.NewRequest("GET", "/api/files?path="+root, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a.txt")
	assert.Contains(t, w.Body.String(), "sub")

	// 缺少参数
	req = httptest.NewRequest("GET", "/api/files", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 单个 stat
	req = httptest.NewRequest("GET", "/api/files/stat?path="+filepath.Join(root, "a.txt"), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"exists":true`)

	// 不存在的路径也返回 200
	req = httptest.NewRequest("GET", "/api/files/stat?path="+filepath.Join(root, "missing"), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"exists":false`)

	// 批量 stat
	body, _ := json.Marshal(StatPathsRequest{
		Paths: []string{filepath.Join(root, "a.txt"), "/no/such/path"},
	})
	req = httptest.NewRequest("POST", "/api/files/stat", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// 区间读取
	req = httptest.NewRequest("GET", "/api/files/read?path="+filepath.Join(root, "a.txt")+"&offset=6&length=5", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "world", w.Body.String())

	// 读取不存在的文件
	req = httptest.NewRequest("GET", "/api/files/read?path="+filepath.Join(root, "missing"), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 删除
	req = httptest.NewRequest("DELETE", "/api/files?path="+filepath.Join(root, "a.txt"), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":true`)

	// 再次删除返回 false
	req = httptest.NewRequest("DELETE", "/api/files?path="+filepath.Join(root, "a.txt"), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":false`)
}

// TestRecordHandler_ListRecords 测试记录列表接口
func TestRecordHandler_ListRecords(t *testing.T) {
	mockService := new(MockDumpService)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := NewRecordHandler(mockService, logger)
	router := setupTestRouter()
	router.GET("/api/dumps", handler.ListRecords)

	records := []*domain.DumpRecord{
		{ID: "rec-1", Status: domain.DumpStatusCompleted},
		{ID: "rec-2", Status: domain.DumpStatusFailed},
	}
	mockService.On("ListRecords", 1, 20).Return(records, int64(2), nil)

	req := httptest.NewRequest("GET", "/api/dumps", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rec-1")
	assert.Contains(t, w.Body.String(), `"total":2`)
	mockService.AssertExpectations(t)
}

// TestRecordHandler_GetRecord_NotFound 测试记录不存在
func TestRecordHandler_GetRecord_NotFound(t *testing.T) {
	mockService := new(MockDumpService)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := NewRecordHandler(mockService, logger)
	router := setupTestRouter()
	router.GET("/api/dumps/:id", handler.GetRecord)

	mockService.On("GetRecord", "missing").Return(nil, gorm.ErrRecordNotFound)

	req := httptest.NewRequest("GET", "/api/dumps/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockService.AssertExpectations(t)
}

// TestRecordHandler_GetStats 测试统计接口
func TestRecordHandler_GetStats(t *testing.T) {
	mockService := new(MockDumpService)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := NewRecordHandler(mockService, logger)
	router := setupTestRouter()
	router.GET("/api/stats", handler.GetStats)

	counts := map[string]int64{"queued": 1, "completed": 3}
	mockService.On("GetStatusCounts").Return(counts, int64(4), nil)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":4`)
	mockService.AssertExpectations(t)
}

package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipa-dump/ipa-dump-go/internal/queue"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []*queue.DumpRequestMessage
}

func (h *recordingHandler) handle(ctx context.Context, msg *queue.DumpRequestMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func testWatcher(t *testing.T, dir string, handler queue.RequestHandler) *RequestWatcher {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rw, err := NewRequestWatcher(dir, handler, logger)
	require.NoError(t, err)
	rw.debounce = 10 * time.Millisecond
	t.Cleanup(rw.Stop)

	return rw
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// TestRequestWatcher_ProcessesDroppedFile 测试投递的请求文件被处理
func TestRequestWatcher_ProcessesDroppedFile(t *testing.T) {
	dir := t.TempDir()
	handler := &recordingHandler{}

	rw := testWatcher(t, dir, handler.handle)
	require.NoError(t, rw.Start(context.Background()))

	reqPath := filepath.Join(dir, "req-1.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"request_id":"req-1"}`), 0644))

	waitFor(t, 5*time.Second, func() bool { return handler.count() == 1 })

	handler.mu.Lock()
	assert.Equal(t, "req-1", handler.messages[0].RequestID)
	handler.mu.Unlock()

	// 处理完后文件被改名
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(reqPath + ".done")
		return err == nil
	})
	_, err := os.Stat(reqPath)
	assert.True(t, os.IsNotExist(err))
}

// TestRequestWatcher_InvalidJSON 测试无法解析的请求文件被标记而不是重试
func TestRequestWatcher_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	handler := &recordingHandler{}

	rw := testWatcher(t, dir, handler.handle)
	require.NoError(t, rw.Start(context.Background()))

	reqPath := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(reqPath, []byte("not json"), 0644))

	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(reqPath + ".invalid")
		return err == nil
	})

	assert.Equal(t, 0, handler.count())
}

// TestRequestWatcher_ScansExistingFiles 测试启动时处理已存在的请求文件
func TestRequestWatcher_ScansExistingFiles(t *testing.T) {
	dir := t.TempDir()
	handler := &recordingHandler{}

	reqPath := filepath.Join(dir, "leftover.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"request_id":"leftover"}`), 0644))

	rw := testWatcher(t, dir, handler.handle)
	require.NoError(t, rw.Start(context.Background()))

	waitFor(t, 5*time.Second, func() bool { return handler.count() == 1 })
}

// TestRequestWatcher_ConcurrentSameFile 测试同一文件的并发触发只处理一次
func TestRequestWatcher_ConcurrentSameFile(t *testing.T) {
	dir := t.TempDir()
	handler := &recordingHandler{}

	rw := testWatcher(t, dir, handler.handle)

	reqPath := filepath.Join(dir, "race.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"request_id":"race"}`), 0644))

	// 启动扫描和防抖回调可能同时盯上同一个文件
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rw.handleRequestFile(context.Background(), reqPath)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, handler.count())
}

// TestIsRequestFile 测试请求文件名判断
func TestIsRequestFile(t *testing.T) {
	assert.True(t, isRequestFile("req.json"))
	assert.False(t, isRequestFile("req.json.done"))
	assert.False(t, isRequestFile("req.json.failed"))
	assert.False(t, isRequestFile("notes.txt"))
}

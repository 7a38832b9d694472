package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/ipa-dump/ipa-dump-go/internal/queue"
)

// RequestWatcher 脱壳请求文件监控器
//
// 监控投递目录里的 *.json 请求文件, 解析后交给处理函数。
// 这是给没有消息队列的部署环境准备的备用入口:
// 把请求文件丢进目录就能触发一次脱壳
type RequestWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	handler  queue.RequestHandler
	logger   *logrus.Logger
	debounce time.Duration // 防抖时间
	stopChan chan struct{}

	// processing 被启动扫描的 goroutine 和防抖定时器回调并发访问
	mu         sync.Mutex
	processing map[string]bool
}

// NewRequestWatcher 创建请求文件监控器
func NewRequestWatcher(watchDir string, handler queue.RequestHandler, logger *logrus.Logger) (*RequestWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// 确保监控目录存在
	if err := os.MkdirAll(watchDir, 0755); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	rw := &RequestWatcher{
		watcher:    w,
		watchDir:   watchDir,
		handler:    handler,
		logger:     logger,
		debounce:   2 * time.Second,
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithField("watch_dir", watchDir).Info("Request watcher created")

	return rw, nil
}

// Start 启动监控
func (rw *RequestWatcher) Start(ctx context.Context) error {
	rw.logger.Info("Starting request watcher")

	// 启动时处理目录里已有的请求文件:
	// 请求文件处理完会被重命名, 残留的说明上次没处理完
	if err := rw.scanExistingRequests(ctx); err != nil {
		rw.logger.WithError(err).Warn("Failed to scan existing request files")
	}

	go rw.eventLoop(ctx)

	rw.logger.Info("Request watcher started successfully")
	return nil
}

// Stop 停止监控
func (rw *RequestWatcher) Stop() {
	close(rw.stopChan)
	rw.watcher.Close()
}

// scanExistingRequests 扫描目录里已有的请求文件
func (rw *RequestWatcher) scanExistingRequests(ctx context.Context) error {
	entries, err := os.ReadDir(rw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isRequestFile(entry.Name()) {
			continue
		}

		filePath := filepath.Join(rw.watchDir, entry.Name())
		rw.logger.WithField("file", entry.Name()).Info("Found existing request file")

		go rw.handleRequestFile(ctx, filePath)
	}

	return nil
}

// eventLoop 事件循环
func (rw *RequestWatcher) eventLoop(ctx context.Context) {
	debounceTimer := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("Request watcher context done")
			return
		case <-rw.stopChan:
			rw.logger.Info("Request watcher stopped")
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				rw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建和写入事件
			if event.Op&fsnotify.Create != fsnotify.Create &&
				event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}

			fileName := filepath.Base(event.Name)
			if !isRequestFile(fileName) {
				continue
			}

			rw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  fileName,
			}).Debug("Request file event detected")

			// 防抖处理: 同一文件在短时间内多次触发只处理一次
			if timer, exists := debounceTimer[event.Name]; exists {
				timer.Stop()
			}

			debounceTimer[event.Name] = time.AfterFunc(rw.debounce, func() {
				delete(debounceTimer, event.Name)
				rw.handleRequestFile(ctx, event.Name)
			})

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				rw.logger.Warn("Watcher errors channel closed")
				return
			}
			rw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// beginProcessing 原子地标记文件进入处理, 已在处理中则返回 false
func (rw *RequestWatcher) beginProcessing(filePath string) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.processing[filePath] {
		return false
	}
	rw.processing[filePath] = true
	return true
}

// endProcessing 解除文件的处理中标记
func (rw *RequestWatcher) endProcessing(filePath string) {
	rw.mu.Lock()
	delete(rw.processing, filePath)
	rw.mu.Unlock()
}

// handleRequestFile 处理单个请求文件
func (rw *RequestWatcher) handleRequestFile(ctx context.Context, filePath string) {
	if !rw.beginProcessing(filePath) {
		rw.logger.WithField("file", filePath).Debug("Request file is already being processed")
		return
	}
	defer rw.endProcessing(filePath)

	// 等待文件写入完成
	if err := rw.waitForFileReady(filePath); err != nil {
		rw.logger.WithError(err).WithField("file", filePath).Error("Request file not ready")
		return
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		rw.logger.WithError(err).WithField("file", filePath).Error("Failed to read request file")
		return
	}

	var msg queue.DumpRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		rw.logger.WithError(err).WithField("file", filePath).Error("Failed to parse request file")
		rw.markDone(filePath, "invalid")
		return
	}

	rw.logger.WithFields(logrus.Fields{
		"file":       filepath.Base(filePath),
		"request_id": msg.RequestID,
	}).Info("Processing dump request file")

	if err := rw.handler(ctx, &msg); err != nil {
		rw.logger.WithError(err).WithField("file", filePath).Error("Failed to process dump request")
		rw.markDone(filePath, "failed")
		return
	}

	rw.markDone(filePath, "done")
	rw.logger.WithField("file", filePath).Info("Dump request processed successfully")
}

// markDone 把处理过的请求文件改名, 避免重启后重复处理
func (rw *RequestWatcher) markDone(filePath, suffix string) {
	newPath := filePath + "." + suffix
	if err := os.Rename(filePath, newPath); err != nil {
		rw.logger.WithError(err).WithField("file", filePath).Warn("Failed to rename processed request file")
	}
}

// waitForFileReady 等待文件写入完成
func (rw *RequestWatcher) waitForFileReady(filePath string) error {
	maxAttempts := 10
	for i := 0; i < maxAttempts; i++ {
		file, err := os.OpenFile(filePath, os.O_RDONLY, 0644)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		info1, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}

		time.Sleep(500 * time.Millisecond)

		info2, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}

		file.Close()

		// 文件大小稳定, 说明写入完成
		if info1.Size() == info2.Size() && info1.Size() > 0 {
			return nil
		}
	}

	return fmt.Errorf("file size did not stabilize after %d attempts", maxAttempts)
}

// isRequestFile 判断文件名是否是待处理的请求文件
func isRequestFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.Contains(name, ".json.")
}

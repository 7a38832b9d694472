package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RequestHandler 脱壳请求处理函数
type RequestHandler func(ctx context.Context, msg *DumpRequestMessage) error

// Consumer 脱壳请求消费者
//
// 单 worker：agent 的操作模型是协作式单调用，
// 并行消费请求只会在互斥锁上排队
type Consumer struct {
	mq         *RabbitMQ
	logger     *logrus.Logger
	handler    RequestHandler
	stopChan   chan struct{}
	workerWg   sync.WaitGroup
	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler RequestHandler, logger *logrus.Logger) *Consumer {
	return &Consumer{
		mq:       mq,
		logger:   logger,
		handler:  handler,
		stopChan: make(chan struct{}, 1), // 有缓冲，避免阻塞
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}
	c.running = true
	c.mu.Unlock()

	msgs, err := c.mq.Consume()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.workerWg.Add(1)
	go c.worker(workerCtx, msgs)

	c.logger.Info("Consumer started successfully")

	// 启动连接监听器
	c.mq.StartConnectionWatcher()

	// 监听重连信号
	go c.handleReconnect(ctx)

	return nil
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()

	c.logger.Info("Dump request worker started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Worker stopped by context")
			return
		case <-c.stopChan:
			c.logger.Info("Worker stopped by signal")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("Message channel closed")
				return
			}

			c.processMessage(ctx, msg)
		}
	}
}

// processMessage 处理单条请求
func (c *Consumer) processMessage(ctx context.Context, delivery amqp.Delivery) {
	startTime := time.Now()

	var msg DumpRequestMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		delivery.Nack(false, false) // 拒绝消息, 不重新入队
		return
	}

	c.logger.WithFields(logrus.Fields{
		"request_id":  msg.RequestID,
		"output_path": msg.OutputPath,
	}).Info("Processing dump request")

	if err := c.handler(ctx, &msg); err != nil {
		c.logger.WithError(err).WithField("request_id", msg.RequestID).Error("Dump request failed")

		// 失败不重新入队；重复脱壳同一个镜像不会有不同结果
		delivery.Nack(false, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}

	c.logger.WithFields(logrus.Fields{
		"request_id": msg.RequestID,
		"duration":   time.Since(startTime).Seconds(),
	}).Info("Dump request completed")
}

// handleReconnect 处理重连
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				c.logger.Info("Reconnect channel closed, stopping reconnect handler")
				return
			}

			c.logger.Warn("Connection lost, attempting to reconnect...")

			c.stopWorker()

			if err := c.mq.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}

			if err := c.restart(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorker 停止 worker（等待当前请求完成）
func (c *Consumer) stopWorker() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Worker stopped gracefully")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for worker to stop")
	}
}

// restart 内部重启方法（重连后调用）
func (c *Consumer) restart(ctx context.Context) error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	return c.Start(ctx)
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")

	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.running = false
	c.mu.Unlock()

	select {
	case c.stopChan <- struct{}{}:
	default:
	}

	c.workerWg.Wait()
	c.logger.Info("Consumer stopped")
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

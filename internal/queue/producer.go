package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/dump"
	"github.com/sirupsen/logrus"
)

// DumpRequestMessage 脱壳请求消息（请求队列）
type DumpRequestMessage struct {
	RequestID  string `json:"request_id"`
	OutputPath string `json:"output_path,omitempty"` // 空则由服务端生成
}

// DumpResultMessage 脱壳结果消息（结果队列）
type DumpResultMessage struct {
	RequestID string             `json:"request_id,omitempty"`
	Record    *domain.DumpRecord `json:"record"`
	Timestamp int64              `json:"timestamp"`
}

// Producer 结果消息生产者
// 绑定结果队列，把脱壳结果回投给请求方；实现 service.EventSink
type Producer struct {
	mq     *RabbitMQ
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// PublishResult 发布脱壳结果
func (p *Producer) PublishResult(record *domain.DumpRecord) {
	msg := DumpResultMessage{
		Record:    record,
		Timestamp: time.Now().Unix(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal result message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("record_id", record.ID).Error("Failed to publish dump result")
		return
	}

	p.logger.WithFields(logrus.Fields{
		"record_id": record.ID,
		"status":    record.Status,
	}).Info("Dump result published to queue")
}

// PublishProgress 进度事件不进结果队列，只走 WebSocket 广播
func (p *Producer) PublishProgress(recordID string, event dump.Event) {}

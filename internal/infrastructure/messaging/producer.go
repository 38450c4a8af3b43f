// Package messaging 提供基于 Redis Stream 的消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"docforge-ai-api/internal/domain/entity"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishDocumentJob 发布文档生成任务
func (p *Producer) PublishDocumentJob(ctx context.Context, job *DocumentJobMessage) (string, error) {
	msg, err := NewMessage(job.JobID, MessageTypeDocumentGen, job.UserID, job.JobID, job)
	if err != nil {
		return "", err
	}

	msg.SetMetadata("document_type", string(job.Request.DocumentType))
	if job.RequestID != "" {
		msg.SetMetadata("request_id", job.RequestID)
	}

	return p.Publish(ctx, StreamDocumentGen, msg)
}

// PublishWarmJob 发布缓存预热任务
func (p *Producer) PublishWarmJob(ctx context.Context, job *CacheWarmMessage) (string, error) {
	msg, err := NewMessage(job.JobID, MessageTypeCacheWarm, job.UserID, job.JobID, job)
	if err != nil {
		return "", err
	}

	msg.SetMetadata("target_count", fmt.Sprintf("%d", len(job.Targets)))
	return p.Publish(ctx, StreamCacheWarm, msg)
}

// DocumentJobMessage 文档生成任务消息
type DocumentJobMessage struct {
	JobID     string                   `json:"job_id"`
	UserID    string                   `json:"user_id"`
	RequestID string                   `json:"request_id,omitempty"`
	Request   entity.GenerationRequest `json:"request"`
}

// WarmTarget 单个预热目标
type WarmTarget struct {
	DocumentType entity.DocumentType `json:"document_type"`
	Input        map[string]any      `json:"input"`
	Provider     string              `json:"provider,omitempty"`
	Model        string              `json:"model,omitempty"`
}

// CacheWarmMessage 缓存预热任务消息
type CacheWarmMessage struct {
	JobID   string       `json:"job_id"`
	UserID  string       `json:"user_id,omitempty"`
	Targets []WarmTarget `json:"targets"`
}

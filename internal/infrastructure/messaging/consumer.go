package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/metrics"
)

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, msg *Message) error

// DeadLetterHandler 消息被判定为死信时的域内收尾回调，
// 例如把对应的生成任务标记为失败
type DeadLetterHandler func(ctx context.Context, msg *Message, cause error)

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Stream        Stream
	Group         ConsumerGroup
	ConsumerName  string
	BlockTimeout  time.Duration
	ClaimInterval time.Duration
	RetryLimit    int
	Backoff       BackoffConfig
	// DropDeadLetters 超限消息直接丢弃，不写入死信流。
	// 预热批次可随时重算，丢弃即可；生成任务必须进死信流留证。
	DropDeadLetters bool
}

// Consumer 基于 Redis Stream 消费者组的工作端。
//
// 重试完全依赖 pending 列表：处理失败的消息不 ACK，到达退避
// 时间后由本消费者重新认领执行；宕机消费者遗留的消息由存活
// 消费者按 ClaimInterval 周期接管。投递次数超过 RetryLimit 的
// 消息按 DropDeadLetters 决定进死信流还是直接丢弃。
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	// takeoverIdle 判定其它消费者已放弃消息的空闲阈值
	takeoverIdle time.Duration

	mu         sync.RWMutex
	handlers   map[string]MessageHandler
	deadLetter DeadLetterHandler
	running    bool
	stopCh     chan struct{}
}

// NewConsumer 创建消费者
func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}

	return &Consumer{
		client:       client,
		cfg:          cfg,
		takeoverIdle: max(5*time.Minute, cfg.Backoff.Max*2),
		handlers:     make(map[string]MessageHandler),
		stopCh:       make(chan struct{}),
	}
}

// RegisterHandler 注册消息类型的处理器
func (c *Consumer) RegisterHandler(msgType string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// RegisterDeadLetterHandler 注册死信收尾回调
func (c *Consumer) RegisterDeadLetterHandler(handler DeadLetterHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLetter = handler
}

// Start 创建消费者组并启动消费循环
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	err := c.client.XGroupCreateMkStream(ctx, string(c.cfg.Stream), string(c.cfg.Group), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.cfg.Group, err)
	}

	go c.loop(ctx)
	return nil
}

// Stop 停止消费循环
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.stopCh)
		c.running = false
	}
}

func (c *Consumer) loop(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info("consumer started",
		"stream", c.cfg.Stream,
		"group", c.cfg.Group,
		"consumer", c.cfg.ConsumerName,
	)

	lastTakeover := time.Now().Add(-c.cfg.ClaimInterval)

	for {
		select {
		case <-ctx.Done():
			log.Info("consumer stopped", "stream", c.cfg.Stream, "reason", "context cancelled")
			return
		case <-c.stopCh:
			log.Info("consumer stopped", "stream", c.cfg.Stream)
			return
		default:
		}

		c.redeliverOwned(ctx)
		if time.Since(lastTakeover) >= c.cfg.ClaimInterval {
			c.takeoverAbandoned(ctx)
			lastTakeover = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    string(c.cfg.Group),
			Consumer: c.cfg.ConsumerName,
			Streams:  []string{string(c.cfg.Stream), ">"},
			Count:    10,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			log.Error("failed to read from stream", "stream", c.cfg.Stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				c.dispatch(ctx, xmsg)
			}
		}
	}
}

// dispatch 解码并执行单条消息
func (c *Consumer) dispatch(ctx context.Context, xmsg redis.XMessage) {
	ctx, span := tracer.Start(ctx, "consumer.dispatch",
		trace.WithAttributes(
			attribute.String("stream", string(c.cfg.Stream)),
			attribute.String("stream.message_id", xmsg.ID),
		))
	defer span.End()

	msg, ok := c.decode(ctx, xmsg)
	if !ok {
		// 无法解码的消息永远处理不了，确认后丢弃
		c.ack(ctx, xmsg.ID)
		metrics.StreamProcessedTotal.WithLabelValues(string(c.cfg.Stream), "dropped").Inc()
		return
	}

	ctx = c.observedContext(ctx, msg)
	log := logger.FromContext(ctx)
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", msg.Type),
		attribute.String("job_id", msg.JobID),
	)

	c.mu.RLock()
	handler, exists := c.handlers[msg.Type]
	c.mu.RUnlock()
	if !exists {
		log.Warn("no handler for message type", "type", msg.Type)
		c.ack(ctx, xmsg.ID)
		metrics.StreamProcessedTotal.WithLabelValues(string(c.cfg.Stream), "dropped").Inc()
		return
	}

	if err := handler(ctx, msg); err != nil {
		span.RecordError(err)
		log.Error("handler failed", "error", err, "message_id", msg.ID)
		metrics.StreamProcessedTotal.WithLabelValues(string(c.cfg.Stream), "error").Inc()
		c.retryOrBury(ctx, xmsg.ID, msg, err)
		return
	}

	metrics.StreamProcessedTotal.WithLabelValues(string(c.cfg.Stream), "success").Inc()
	c.ack(ctx, xmsg.ID)
}

// decode 从流条目还原消息
func (c *Consumer) decode(ctx context.Context, xmsg redis.XMessage) (*Message, bool) {
	raw, ok := xmsg.Values["data"].(string)
	if !ok {
		logger.Error(ctx, "stream entry missing data field", nil, "message_id", xmsg.ID)
		return nil, false
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logger.Error(ctx, "failed to unmarshal stream entry", err, "message_id", xmsg.ID)
		return nil, false
	}
	return &msg, true
}

// observedContext 注入日志上下文字段（user_id/job_id/request_id/trace_id）
func (c *Consumer) observedContext(ctx context.Context, msg *Message) context.Context {
	if msg.UserID != "" {
		ctx = logger.WithContext(ctx, logger.UserIDKey, msg.UserID)
	}
	if msg.JobID != "" {
		ctx = logger.WithContext(ctx, logger.JobIDKey, msg.JobID)
	}
	if reqID := msg.GetMetadata("request_id"); reqID != "" {
		ctx = logger.WithContext(ctx, logger.RequestIDKey, reqID)
	}
	if traceID := msg.GetMetadata("trace_id"); traceID != "" {
		ctx = logger.WithContext(ctx, logger.TraceIDKey, traceID)
	}
	return ctx
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, string(c.cfg.Stream), string(c.cfg.Group), id).Err(); err != nil {
		logger.Error(ctx, "failed to ack message", err, "message_id", id)
	}
}

// retryOrBury 失败收尾：未超限的消息留在 pending 列表等待退避后
// 重新认领，超限的按死信策略处理
func (c *Consumer) retryOrBury(ctx context.Context, streamID string, msg *Message, cause error) {
	deliveries := c.deliveryCount(ctx, streamID)
	if deliveries < c.cfg.RetryLimit {
		metrics.StreamProcessedTotal.WithLabelValues(string(c.cfg.Stream), "retry").Inc()
		logger.Info(ctx, "message left pending for retry",
			"message_id", msg.ID,
			"deliveries", deliveries,
			"next_backoff", c.cfg.Backoff.CalculateBackoff(deliveries).String(),
		)
		return
	}
	c.bury(ctx, msg, cause)
	c.ack(ctx, streamID)
}

// deliveryCount 通过 XPENDING 读取消息的投递次数
func (c *Consumer) deliveryCount(ctx context.Context, streamID string) int {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(c.cfg.Stream),
		Group:  string(c.cfg.Group),
		Start:  streamID,
		End:    streamID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

// bury 按死信策略处理超限消息并触发收尾回调
func (c *Consumer) bury(ctx context.Context, msg *Message, cause error) {
	log := logger.FromContext(ctx)

	if c.cfg.DropDeadLetters {
		metrics.StreamProcessedTotal.WithLabelValues(string(c.cfg.Stream), "dropped").Inc()
		log.Warn("message dropped after max retries",
			"message_id", msg.ID, "type", msg.Type, "error", cause.Error())
		return
	}

	entry := map[string]interface{}{
		"original_stream": string(c.cfg.Stream),
		"data":            msg,
		"error":           cause.Error(),
		"failed_at":       time.Now().Unix(),
	}
	data, _ := json.Marshal(entry)
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream.DLQStream(),
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		logger.Error(ctx, "failed to write dead letter", err, "message_id", msg.ID)
	}
	metrics.StreamProcessedTotal.WithLabelValues(string(c.cfg.Stream), "dlq").Inc()
	log.Warn("message moved to DLQ after max retries",
		"message_id", msg.ID, "type", msg.Type, "error", cause.Error())

	c.mu.RLock()
	deadLetter := c.deadLetter
	c.mu.RUnlock()
	if deadLetter != nil {
		deadLetter(ctx, msg, cause)
	}
}

// redeliverOwned 重新执行本消费者 pending 列表中退避到期的消息
func (c *Consumer) redeliverOwned(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   string(c.cfg.Stream),
		Group:    string(c.cfg.Group),
		Start:    "-",
		End:      "+",
		Count:    20,
		Consumer: c.cfg.ConsumerName,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Error(ctx, "failed to query own pending messages", err)
		}
		return
	}

	for i := range pending {
		p := pending[i]
		deliveries := int(p.RetryCount)

		if deliveries >= c.cfg.RetryLimit {
			c.buryClaimed(ctx, p.ID, 0)
			continue
		}

		backoff := c.cfg.Backoff.CalculateBackoff(deliveries)
		if p.Idle < backoff {
			continue
		}
		for _, xmsg := range c.claim(ctx, p.ID, backoff) {
			c.dispatch(ctx, xmsg)
		}
	}
}

// takeoverAbandoned 接管其它消费者放弃的消息。空闲阈值取得比
// 最大退避更长，避免抢走仍在正常退避中的消息。
func (c *Consumer) takeoverAbandoned(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(c.cfg.Stream),
		Group:  string(c.cfg.Group),
		Start:  "-",
		End:    "+",
		Count:  20,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Error(ctx, "failed to query pending messages for takeover", err)
		}
		return
	}

	for i := range pending {
		p := pending[i]
		if p.Consumer == c.cfg.ConsumerName || p.Idle < c.takeoverIdle {
			continue
		}

		if int(p.RetryCount) >= c.cfg.RetryLimit {
			c.buryClaimed(ctx, p.ID, c.takeoverIdle)
			continue
		}
		for _, xmsg := range c.claim(ctx, p.ID, c.takeoverIdle) {
			c.dispatch(ctx, xmsg)
		}
	}
}

// buryClaimed 认领超限消息并走死信收尾
func (c *Consumer) buryClaimed(ctx context.Context, streamID string, minIdle time.Duration) {
	for _, xmsg := range c.claim(ctx, streamID, minIdle) {
		if msg, ok := c.decode(ctx, xmsg); ok {
			c.bury(c.observedContext(ctx, msg), msg, fmt.Errorf("message exceeded max retries"))
		}
		c.ack(ctx, xmsg.ID)
	}
}

func (c *Consumer) claim(ctx context.Context, streamID string, minIdle time.Duration) []redis.XMessage {
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   string(c.cfg.Stream),
		Group:    string(c.cfg.Group),
		Consumer: c.cfg.ConsumerName,
		MinIdle:  minIdle,
		Messages: []string{streamID},
	}).Result()
	if err != nil {
		// 空结果说明消息已被别的消费者抢先认领
		if err != redis.Nil {
			logger.Error(ctx, "failed to claim pending message", err, "message_id", streamID)
		}
		return nil
	}
	return claimed
}

// MonitorDLQ 周期上报死信流深度，超过阈值时告警日志
func (c *Consumer) MonitorDLQ(ctx context.Context, alertThreshold int64) {
	log := logger.FromContext(ctx)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	dlqStream := c.cfg.Stream.DLQStream()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			info, err := c.client.XInfoStream(ctx, dlqStream).Result()
			if err != nil {
				// 流不存在说明还没有死信
				metrics.StreamDLQDepth.WithLabelValues(string(c.cfg.Stream)).Set(0)
				continue
			}
			metrics.StreamDLQDepth.WithLabelValues(string(c.cfg.Stream)).Set(float64(info.Length))
			if info.Length > alertThreshold {
				log.Warn("DLQ depth above threshold",
					"stream", dlqStream,
					"count", info.Length,
					"threshold", alertThreshold,
				)
			}
		}
	}
}

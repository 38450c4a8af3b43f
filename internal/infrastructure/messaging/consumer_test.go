package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge-ai-api/internal/domain/entity"
)

func setupConsumer(t *testing.T, cfg ConsumerConfig) (*Consumer, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "test-worker"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 50 * time.Millisecond
	}
	c := NewConsumer(rdb, cfg)
	t.Cleanup(c.Stop)
	return c, rdb
}

func publishDocJob(t *testing.T, rdb *goredis.Client, jobID string) {
	t.Helper()
	producer := NewProducer(rdb, 1000)
	_, err := producer.PublishDocumentJob(context.Background(), &DocumentJobMessage{
		JobID:  jobID,
		UserID: "u1",
		Request: entity.GenerationRequest{
			DocumentType: entity.DocTypeBiography,
			RawInput:     map[string]any{"subject": "Ada Lovelace"},
			UserID:       "u1",
			UseCache:     true,
		},
	})
	require.NoError(t, err)
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	c, rdb := setupConsumer(t, ConsumerConfig{
		Stream: StreamDocumentGen,
		Group:  ConsumerGroupDocWorker,
	})

	got := make(chan string, 1)
	c.RegisterHandler(MessageTypeDocumentGen, func(_ context.Context, msg *Message) error {
		got <- msg.JobID
		return nil
	})

	publishDocJob(t, rdb, "job-ok")
	require.NoError(t, c.Start(context.Background()))

	select {
	case jobID := <-got:
		assert.Equal(t, "job-ok", jobID)
	case <-time.After(3 * time.Second):
		t.Fatal("expected message delivery")
	}

	// 处理成功后消息必须被确认
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(context.Background(),
			string(StreamDocumentGen), string(ConsumerGroupDocWorker)).Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 50*time.Millisecond)
}

// 生成任务重试超限后进入死信流，且收尾回调拿到原始消息
func TestConsumerBuriesPoisonedGenerationJob(t *testing.T) {
	c, rdb := setupConsumer(t, ConsumerConfig{
		Stream:     StreamDocumentGen,
		Group:      ConsumerGroupDocWorker,
		RetryLimit: 1,
	})

	c.RegisterHandler(MessageTypeDocumentGen, func(_ context.Context, _ *Message) error {
		return errors.New("outline parse failed")
	})
	buried := make(chan string, 1)
	c.RegisterDeadLetterHandler(func(_ context.Context, msg *Message, cause error) {
		require.Error(t, cause)
		buried <- msg.JobID
	})

	publishDocJob(t, rdb, "job-poisoned")
	require.NoError(t, c.Start(context.Background()))

	select {
	case jobID := <-buried:
		assert.Equal(t, "job-poisoned", jobID)
	case <-time.After(3 * time.Second):
		t.Fatal("expected dead letter callback")
	}

	require.Eventually(t, func() bool {
		n, err := rdb.XLen(context.Background(), StreamDocumentGen.DLQStream()).Result()
		return err == nil && n == 1
	}, 3*time.Second, 50*time.Millisecond)
}

// 预热批次超限后直接丢弃，不产生死信
func TestConsumerDropsPoisonedWarmBatch(t *testing.T) {
	c, rdb := setupConsumer(t, ConsumerConfig{
		Stream:          StreamCacheWarm,
		Group:           ConsumerGroupWarmWorker,
		RetryLimit:      1,
		DropDeadLetters: true,
	})

	handled := make(chan struct{}, 1)
	c.RegisterHandler(MessageTypeCacheWarm, func(_ context.Context, _ *Message) error {
		select {
		case handled <- struct{}{}:
		default:
		}
		return errors.New("warm target failed")
	})

	producer := NewProducer(rdb, 1000)
	_, err := producer.PublishWarmJob(context.Background(), &CacheWarmMessage{
		JobID: "warm-1",
		Targets: []WarmTarget{
			{DocumentType: entity.DocTypeBiography, Input: map[string]any{"subject": "x"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("expected message delivery")
	}

	// 丢弃即确认：pending 清空且死信流保持为空
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(context.Background(),
			string(StreamCacheWarm), string(ConsumerGroupWarmWorker)).Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 50*time.Millisecond)

	n, err := rdb.XLen(context.Background(), StreamCacheWarm.DLQStream()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

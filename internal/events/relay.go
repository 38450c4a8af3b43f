package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/metrics"
)

// Relay 基于 Redis Pub/Sub 的跨进程进度桥。worker 进程把本地
// Bus 的事件转发到每任务一个的 Redis 频道，API 进程按任务订阅
// 后推给 SSE 客户端。投递语义与 Bus 相同：at-most-once。
type Relay struct {
	client *redis.Client
	prefix string
}

// NewRelay 创建进度桥。prefix 与缓存键前缀共用，便于按环境隔离。
func NewRelay(client *redis.Client, prefix string) *Relay {
	if prefix == "" {
		prefix = "docgen"
	}
	return &Relay{client: client, prefix: prefix}
}

func (r *Relay) channel(jobID string) string {
	return r.prefix + ":events:" + jobID
}

// Forward 把事件发布到任务频道，作为 Bus 的转发出口使用。
// 发布失败只记日志，进度事件丢失不影响生成流程。
func (r *Relay) Forward(ctx context.Context, ev ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel(ev.JobID), data).Err(); err != nil {
		metrics.ProgressEventsDropped.WithLabelValues(string(ev.Stage)).Inc()
		logger.Warn(ctx, "progress event relay failed",
			"job_id", ev.JobID, "stage", ev.Stage, "error", err.Error())
	}
}

// Subscribe 订阅指定任务的远端进度事件。终态事件送达后通道关闭，
// 返回的取消函数幂等。与 Bus.Subscribe 签名一致，二者可互换。
func (r *Relay) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	sub := r.client.Subscribe(context.Background(), r.channel(jobID))
	ch := make(chan ProgressEvent, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev ProgressEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					continue
				}
				select {
				case ch <- ev:
				default:
					metrics.ProgressEventsDropped.WithLabelValues(string(ev.Stage)).Inc()
				}
				// 终态事件即使被丢弃也要关闭通道结束订阅
				if ev.Stage.Terminal() {
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return ch, cancel
}

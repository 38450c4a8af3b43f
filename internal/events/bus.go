// Package events 提供进程内的生成进度事件总线
package events

import (
	"context"
	"sync"
	"time"

	"docforge-ai-api/pkg/logger"
	"docforge-ai-api/pkg/metrics"
)

// Stage 管线阶段标识
type Stage string

const (
	StageInitializing       Stage = "initializing"
	StageGeneratingOutline  Stage = "generating_outline"
	StageGeneratingSections Stage = "generating_sections"
	StageRefining           Stage = "refining"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
	StageCancelled          Stage = "cancelled"
)

// Terminal 终态阶段之后不再有事件
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// ProgressEvent 单条进度事件
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	SectionID string    `json:"section_id,omitempty"`
	FromCache bool      `json:"from_cache,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 32

// Bus 进程内进度事件总线。投递语义为 at-most-once：
// 订阅者缓冲满时事件被丢弃，发布方永不阻塞。
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan ProgressEvent]struct{}
	sink func(ctx context.Context, ev ProgressEvent)
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[chan ProgressEvent]struct{}),
	}
}

// WithSink 设置转发出口。每条发布的事件在本地分发后同时交给
// sink，用于跨进程桥接（见 Relay）。须在发布开始前设置。
func (b *Bus) WithSink(sink func(ctx context.Context, ev ProgressEvent)) *Bus {
	b.sink = sink
	return b
}

// Subscribe 订阅指定任务的进度事件。返回的取消函数幂等，
// 任务结束（Close）后通道会被关闭。
func (b *Bus) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan ProgressEvent]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[jobID]; ok {
				if _, present := set[ch]; present {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish 非阻塞发布。没有订阅者时事件直接丢弃。
func (b *Bus) Publish(ctx context.Context, ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	set := b.subs[ev.JobID]
	chans := make([]chan ProgressEvent, 0, len(set))
	for ch := range set {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			metrics.ProgressEventsDropped.WithLabelValues(string(ev.Stage)).Inc()
			logger.Debug(ctx, "progress event dropped for slow subscriber",
				"job_id", ev.JobID, "stage", ev.Stage)
		}
	}

	if b.sink != nil {
		b.sink(ctx, ev)
	}
}

// Close 结束任务的事件流：关闭所有订阅通道并清理登记
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}

// SubscriberCount 当前任务的订阅者数量（测试与监控用）
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"docforge-ai-api/internal/domain/repository"
	"docforge-ai-api/internal/events"
	"docforge-ai-api/internal/interfaces/http/dto"
	"docforge-ai-api/pkg/logger"
)

// ProgressSource 进度事件订阅入口。进程内由 events.Bus 实现，
// 跨进程（生成在 worker 进程执行）由 events.Relay 实现。
type ProgressSource interface {
	Subscribe(jobID string) (<-chan events.ProgressEvent, func())
}

// EventsHandler 进度事件流处理器
type EventsHandler struct {
	jobRepo repository.JobRepository
	source  ProgressSource
}

// NewEventsHandler 创建进度事件流处理器
func NewEventsHandler(jobRepo repository.JobRepository, source ProgressSource) *EventsHandler {
	return &EventsHandler{
		jobRepo: jobRepo,
		source:  source,
	}
}

// StreamProgress 通过 SSE 推送任务进度事件
// @Summary 任务进度事件流
// @Description 通过 SSE 订阅指定任务的进度事件；任务已结束时返回单个快照事件
// @Tags Jobs
// @Produce text/event-stream
// @Param jid path string true "任务 ID"
// @Success 200 "SSE stream"
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid}/events [get]
func (h *EventsHandler) StreamProgress(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := dto.BindJobID(c)

	job, err := h.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		logger.Error(ctx, "failed to get job", err)
		dto.InternalError(c, "failed to get job")
		return
	}
	if job == nil {
		dto.NotFound(c, "job not found")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// 终态任务没有后续事件，推送一次快照即可
	if job.IsTerminal() {
		c.SSEvent("progress", events.ProgressEvent{
			JobID:     job.ID,
			Stage:     events.Stage(job.Status),
			Progress:  job.Progress,
			Timestamp: time.Now(),
		})
		return
	}

	ch, cancel := h.source.Subscribe(jobID)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("progress", ev)
			return true

		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"ts": time.Now().Unix()})
			return true

		case <-ctx.Done():
			return false
		}
	})
}

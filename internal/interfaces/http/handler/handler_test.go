package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge-ai-api/internal/domain/entity"
	"docforge-ai-api/internal/events"
	"docforge-ai-api/internal/infrastructure/messaging"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*entity.GenerationJob
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*entity.GenerationJob)}
}

func (m *memJobs) Create(_ context.Context, job *entity.GenerationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*entity.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (m *memJobs) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Start()
	}
	return nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.UpdateProgress(progress)
	}
	return nil
}

func (m *memJobs) SetResult(_ context.Context, id string, result []byte, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	if errMsg != "" {
		job.Fail("", errMsg)
		return nil
	}
	job.Complete(result)
	return nil
}

func (m *memJobs) UpdateStatus(_ context.Context, id string, status entity.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	if !job.IsTerminal() {
		job.Status = status
	}
	return nil
}

func setupGenerationRouter(t *testing.T) (*gin.Engine, *memJobs, *goredis.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := newMemJobs()
	h := NewGenerationHandler(jobs, messaging.NewProducer(rdb, 1000))
	jh := NewJobHandler(jobs)

	r := gin.New()
	r.POST("/v1/documents/generate", h.Generate)
	r.GET("/v1/jobs/:jid", jh.GetJob)
	r.DELETE("/v1/jobs/:jid", jh.CancelJob)
	return r, jobs, rdb
}

func postJSON(r *gin.Engine, path, userID string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGenerateAcceptsAndEnqueues(t *testing.T) {
	r, jobs, rdb := setupGenerationRouter(t)

	w := postJSON(r, "/v1/documents/generate", "u1", map[string]any{
		"document_type": "biography",
		"input":         map[string]any{"subject": "Ada Lovelace"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Data struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.JobID)
	assert.Equal(t, "pending", resp.Data.Status)

	job, err := jobs.GetByID(context.Background(), resp.Data.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, entity.DocTypeBiography, job.DocumentType)
	assert.Equal(t, entity.JobStatusPending, job.Status)

	queued, err := rdb.XLen(context.Background(), string(messaging.StreamDocumentGen)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)
}

func TestGenerateRejectsMissingUser(t *testing.T) {
	r, _, _ := setupGenerationRouter(t)

	w := postJSON(r, "/v1/documents/generate", "", map[string]any{
		"document_type": "biography",
		"input":         map[string]any{"subject": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateRejectsInvalidInput(t *testing.T) {
	r, _, rdb := setupGenerationRouter(t)

	// business_plan 缺少 industry 字段
	w := postJSON(r, "/v1/documents/generate", "u1", map[string]any{
		"document_type": "business_plan",
		"input":         map[string]any{"company": "Acme"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	queued, err := rdb.XLen(context.Background(), string(messaging.StreamDocumentGen)).Result()
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestGetJobNotFound(t *testing.T) {
	r, _, _ := setupGenerationRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// gin.Context.Stream 要求 ResponseWriter 实现 http.CloseNotifier，
// httptest.ResponseRecorder 未实现，补一个包装供 SSE 测试使用
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool {
	return r.closed
}

// 生成在 worker 进程执行：事件经 Redis 桥接后必须到达 SSE 客户端
func TestStreamProgressDeliversBridgedEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := newMemJobs()
	running := entity.NewGenerationJob("u1", entity.DocTypeBiography, entity.JobTypeDocumentGen, nil)
	running.ID = "job-run"
	running.Start()
	require.NoError(t, jobs.Create(context.Background(), running))

	relay := events.NewRelay(rdb, "docgen")
	r := gin.New()
	r.GET("/v1/jobs/:jid/events", NewEventsHandler(jobs, relay).StreamProgress)

	go func() {
		// 等 SSE 订阅建立后模拟 worker 侧发布
		time.Sleep(150 * time.Millisecond)
		ctx := context.Background()
		relay.Forward(ctx, events.ProgressEvent{
			JobID: "job-run", Stage: events.StageGeneratingOutline,
			Progress: 10, Timestamp: time.Now().UTC(),
		})
		relay.Forward(ctx, events.ProgressEvent{
			JobID: "job-run", Stage: events.StageCompleted,
			Progress: 100, Timestamp: time.Now().UTC(),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-run/events", nil).WithContext(ctx)
	w := newCloseNotifyRecorder()
	// 终态事件关闭订阅通道后流式响应结束
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "generating_outline")
	assert.Contains(t, body, "completed")
}

func TestCancelJob(t *testing.T) {
	r, jobs, _ := setupGenerationRouter(t)

	pending := entity.NewGenerationJob("u1", entity.DocTypeBiography, entity.JobTypeDocumentGen, nil)
	pending.ID = "job-pending"
	require.NoError(t, jobs.Create(context.Background(), pending))

	done := entity.NewGenerationJob("u1", entity.DocTypeBiography, entity.JobTypeDocumentGen, nil)
	done.ID = "job-done"
	done.Complete(json.RawMessage(`{}`))
	require.NoError(t, jobs.Create(context.Background(), done))

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job-pending", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	job, err := jobs.GetByID(context.Background(), "job-pending")
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCancelled, job.Status)

	req = httptest.NewRequest(http.MethodDelete, "/v1/jobs/job-done", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

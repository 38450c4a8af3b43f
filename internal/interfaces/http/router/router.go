// Package router 提供 HTTP 路由配置
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docforge-ai-api/internal/config"
	"docforge-ai-api/internal/interfaces/http/handler"
	"docforge-ai-api/internal/interfaces/http/middleware"
)

// Handlers 路由依赖的处理器集合
type Handlers struct {
	Health     *handler.HealthHandler
	Generation *handler.GenerationHandler
	Job        *handler.JobHandler
	Events     *handler.EventsHandler
	CacheAdmin *handler.CacheAdminHandler
	Preference *handler.PreferenceHandler
}

// Router HTTP 路由器
type Router struct {
	engine *gin.Engine
	cfg    *config.Config
}

// New 创建新的路由器
func New(cfg *config.Config, h *Handlers) *Router {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	r := &Router{
		engine: engine,
		cfg:    cfg,
	}

	r.setupMiddleware()
	r.setupRoutes(h)

	return r
}

// Engine 返回 Gin Engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// setupMiddleware 配置中间件
func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.Recovery())
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.UserContext())

	r.engine.Use(middleware.CORS(r.cfg.Security.CORS))

	if r.cfg.Observability.Tracing.Enabled {
		r.engine.Use(middleware.Trace(r.cfg.App.Name))
		r.engine.Use(middleware.TraceContext())
	}

	if r.cfg.Observability.Metrics.Enabled {
		r.engine.Use(middleware.Metrics())
	}
}

// setupRoutes 配置路由
func (r *Router) setupRoutes(h *Handlers) {
	// 系统端点
	r.engine.GET("/health", h.Health.Health)
	r.engine.GET("/ready", h.Health.Ready)
	r.engine.GET("/live", h.Health.Live)

	if r.cfg.Observability.Metrics.Enabled {
		path := r.cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.engine.Group("/v1")
	{
		documents := v1.Group("/documents")
		{
			documents.POST("/generate", h.Generation.Generate)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("/:jid", h.Job.GetJob)
			jobs.DELETE("/:jid", h.Job.CancelJob)
			jobs.GET("/:jid/events", h.Events.StreamProgress)
		}

		cache := v1.Group("/cache")
		{
			cache.GET("/stats", h.CacheAdmin.Stats)
			cache.DELETE("", h.CacheAdmin.ClearAll)
			cache.DELETE("/documents/:type", h.CacheAdmin.ClearByDocumentType)
			cache.DELETE("/providers/:provider", h.CacheAdmin.ClearByProvider)
			cache.POST("/warm", h.CacheAdmin.Warm)
		}

		preferences := v1.Group("/preferences")
		{
			preferences.GET("", h.Preference.GetPreference)
			preferences.PUT("", h.Preference.PutPreference)
		}
	}
}

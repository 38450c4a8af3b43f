package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"docforge-ai-api/pkg/logger"
)

// UserIDHeader 调用方标识头（鉴权由上游网关负责）
const UserIDHeader = "X-User-ID"

// UserContext 提取用户标识并注入日志上下文
func UserContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID != "" {
			c.Set("user_id", userID)
			ctx := logger.WithContext(c.Request.Context(), logger.UserIDKey, userID)
			c.Request = c.Request.WithContext(ctx)
		}

		c.Next()
	}
}

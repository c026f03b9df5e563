package slogging

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware returns a Gin middleware for logging requests using slog
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := Get()

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		statusCode := c.Writer.Status()

		logAttrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status_code", statusCode),
			slog.Duration("duration", latency),
			slog.Int64("response_size", int64(c.Writer.Size())),
		}

		if userID, exists := c.Get("user_id"); exists {
			if id, ok := userID.(string); ok && id != "" {
				logAttrs = append(logAttrs, slog.String("user_id", id))
			}
		}

		switch {
		case statusCode >= 500:
			logger.ErrorCtx(c.Request.Context(), "Request failed", logAttrs...)
		case statusCode >= 400:
			logger.WarnCtx(c.Request.Context(), "Request rejected", logAttrs...)
		default:
			logger.DebugCtx(c.Request.Context(), "Request completed", logAttrs...)
		}
	}
}

// Package httpmw provides gin middleware for the director API.
package httpmw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/logger"
)

// RequestLogger logs one line per API request. WebSocket upgrades are
// skipped here; the event hub logs its own client lifecycle. When a route
// carries an epoch parameter the line is tagged with it, so a session's
// API traffic can be correlated with its journal.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if epoch := c.Param("epoch"); epoch != "" {
			fields = append(fields, zap.String("epoch_id", epoch))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error("api request failed", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("api request rejected", fields...)
		default:
			log.Debug("api request", fields...)
		}
	}
}

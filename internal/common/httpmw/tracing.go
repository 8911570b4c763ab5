package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liminal/liminal/internal/common/telemetry"
)

// Tracing wraps each director API request in a server span so UI-driven
// actions (execute, cancel, resolve_escalation) join the same trace as the
// runbook and turn spans they trigger. No-op when tracing is disabled.
func Tracing() gin.HandlerFunc {
	tracer := telemetry.Tracer("director-api")

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		}
		if epoch := c.Param("epoch"); epoch != "" {
			attrs = append(attrs, attribute.String(telemetry.AttrEpochID, epoch))
		}
		if escalation := c.Param("id"); escalation != "" {
			attrs = append(attrs, attribute.String("liminal.escalation_id", escalation))
		}

		ctx, span := tracer.Start(c.Request.Context(),
			c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

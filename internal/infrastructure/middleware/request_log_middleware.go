package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"peermesh/pkg/logger"
	"peermesh/pkg/utils"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogMiddleware tags each request with an id and logs it on
// completion. Mount it after TracingMiddleware to carry the trace id.
func RequestLogMiddleware(cl *logger.ContextLogger, room string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if room != "" {
			ctx = logger.WithRoom(ctx, room)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

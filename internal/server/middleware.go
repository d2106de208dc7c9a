package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/metrics"
)

const streamContextKey = "burrow.stream_context"

// requestLogger logs and measures every request.
func requestLogger(clock clockwork.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := clock.Now()
		c.Next()
		duration := clock.Since(start)

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		var err error
		if last := c.Errors.Last(); last != nil {
			err = last.Err
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, status, duration)
		core.LogRequest(c.Request.Method, c.Request.URL.Path, status, duration.Seconds(), err)
	}
}

// recovery answers a panicking handler with a 500 body.
func recovery(exposeTracebacks bool) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, v any) {
		core.LogPanicRecovery("http handler", v)
		WriteError(c, recovered(v), exposeTracebacks)
	})
}

// streams hands long-lived handlers the context cancelled at shutdown.
func streams(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(streamContextKey, ctx)
		c.Next()
	}
}

// StreamContext returns a context that is cancelled when the server begins
// shutting down. Handlers that outlive a normal request, such as websocket
// sessions, must stop when it is done.
func StreamContext(c *gin.Context) context.Context {
	if v, ok := c.Get(streamContextKey); ok {
		if ctx, ok := v.(context.Context); ok {
			return ctx
		}
	}
	return c.Request.Context()
}

package middlewares

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jan-server/services/model-gateway/internal/infrastructure/metrics"
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		// Set by the chat handler once the model is resolved.
		model := c.GetString("model")
		if model == "" {
			model = "unknown"
		}
		stream := c.GetBool("stream")

		metrics.RecordRequest(method, endpoint, status, model, stream, duration)
	}
}

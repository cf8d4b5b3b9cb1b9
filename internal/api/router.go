package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// NewRouter builds the gin engine serving h. metrics, when non-nil, is mounted
// at metricsPath.
func NewRouter(h *Handler, metrics http.Handler, metricsPath string) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Logger(h.logger()), Recovery(h.logger()))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, "+RequestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/health", h.Health)
	r.GET("/ping", h.Ping)
	r.GET("/status", h.Status)

	r.POST("/identity", h.Acquire)
	r.GET("/identity/:id", h.GetIdentity)
	r.POST("/identity/:id/heartbeat", h.Heartbeat)
	r.POST("/identity/:id/release", h.Release)
	r.DELETE("/identity/:id", h.DeleteIdentity)
	r.DELETE("/identity", h.DeleteByClass)

	r.GET("/identities", h.List)
	r.POST("/identities/delete", h.DeleteBulk)
	r.DELETE("/identities/stale", h.DeleteStale)
	r.GET("/audit", h.Audit)
	r.POST("/backup", h.TriggerBackup)

	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, gin.WrapH(metrics))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, schema.ErrorResponse{Error: "route not found"})
	})
	return r
}

// RequestID tags each request with an id, reusing the caller's when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// Logger writes one structured line per request.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(RequestIDHeader)),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.Request.URL.Path == "/ping" || c.Request.URL.Path == "/health":
			logger.Debug("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(RequestIDHeader)))
				c.AbortWithStatusJSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "internal error"})
			}
		}()
		c.Next()
	}
}

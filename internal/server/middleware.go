package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/presenq/billing/internal/metrics"
)

const (
	HeaderRequestID       = "X-Request-ID"
	contextRequestIDKey   = "request_id"
	headerInternalToken   = "x-internal-token"
	productionEnvironment = "production"
)

// RequestID propagates the caller's request id or mints a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextRequestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	return c.GetString(contextRequestIDKey)
}

func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTPRequest(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// InternalOnly guards debug endpoints. They are disabled outright in
// production and token gated everywhere else.
func (s *Server) InternalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(s.cfg.Environment, productionEnvironment) {
			AbortWithError(c, ErrForbidden)
			return
		}

		token := c.GetHeader(headerInternalToken)
		if s.cfg.InternalAuthToken == "" || token != s.cfg.InternalAuthToken {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}
